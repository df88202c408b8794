package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// NamespacePrefix marks engine-owned environment variables that always pass
// through to the child process.
const NamespacePrefix = "AGENTTERM_"

// strippedVars are classic code-injection or exfiltration vectors. They are
// removed regardless of caller intent.
var strippedVars = map[string]bool{
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"LD_AUDIT":              true,
	"DYLD_INSERT_LIBRARIES": true,
	"DYLD_LIBRARY_PATH":     true,
	"PYTHONPATH":            true,
	"PYTHONSTARTUP":         true,
	"PERL5LIB":              true,
	"PERL5OPT":              true,
	"RUBYLIB":               true,
	"RUBYOPT":               true,
	"NODE_OPTIONS":          true,
	"GCONV_PATH":            true,
	"IFS":                   true,
	"ENV":                   true,
	"BASH_ENV":              true,
	"TMPDIR":                true,
	"TMP":                   true,
	"TEMP":                  true,
}

// guardedVars are kept only when their value matches a conservative pattern;
// otherwise they are dropped silently. A session still runs without them.
var guardedVars = map[string]*regexp.Regexp{
	"PATH":  regexp.MustCompile(`^[A-Za-z0-9_./:\-]+$`),
	"HOME":  regexp.MustCompile(`^[A-Za-z0-9_./\-]+$`),
	"USER":  regexp.MustCompile(`^[A-Za-z0-9_\-]+$`),
	"SHELL": regexp.MustCompile(`^[A-Za-z0-9_./\-]+$`),
}

// safeVars pass through unchanged: locale and terminal-geometry variables.
var safeVars = map[string]bool{
	"LANG":      true,
	"LANGUAGE":  true,
	"TERM":      true,
	"COLORTERM": true,
	"COLUMNS":   true,
	"LINES":     true,
	"TZ":        true,
}

// Environment filters a raw environment map down to the variables a session
// child process may see. extraAllowed names additional caller-approved keys.
func Environment(raw map[string]string, extraAllowed []string) map[string]string {
	allowed := make(map[string]bool, len(extraAllowed))
	for _, k := range extraAllowed {
		allowed[k] = true
	}

	filtered := make(map[string]string, len(raw))
	for k, v := range raw {
		switch {
		case strippedVars[k]:
			// Always dropped, even if extraAllowed names them.
		case strings.HasPrefix(k, NamespacePrefix), allowed[k], safeVars[k], strings.HasPrefix(k, "LC_"):
			filtered[k] = v
		case guardedVars[k] != nil:
			if guardedVars[k].MatchString(v) {
				filtered[k] = v
			}
		}
	}
	return filtered
}

// EnvironmentList is Environment flattened to the KEY=VALUE form exec.Cmd wants.
func EnvironmentList(raw map[string]string, extraAllowed []string) []string {
	filtered := Environment(raw, extraAllowed)
	list := make([]string, 0, len(filtered))
	for k, v := range filtered {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	return list
}
