package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/anmitsu/go-shlex"
)

// Command limits
const (
	MaxCommandLength = 4096
	MaxArgCount      = 100

	// MaxSlashArgLength caps the argument text of slash commands that carry
	// free-form input.
	MaxSlashArgLength = 1024
)

// ansiPattern matches CSI, OSC, and single-character escape sequences.
var ansiPattern = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)

// slashCommands is the whitelist of assistant slash-commands. The bool marks
// commands that accept free-form argument text (subject to MaxSlashArgLength).
var slashCommands = map[string]bool{
	"/help":    false,
	"/status":  false,
	"/clear":   false,
	"/compact": false,
	"/config":  false,
	"/cost":    false,
	"/doctor":  false,
	"/exit":    false,
	"/quit":    false,
	"/init":    false,
	"/model":   false,
	"/resume":  false,
	"/plan":    true,
	"/review":  true,
	"/memory":  true,
}

// dangerousPatterns screen free-form shell text. Best-effort only.
var dangerousPatterns = []*regexp.Regexp{
	// recursive/forced deletion of root-level paths
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(-[a-zA-Z]*\s+)*/(\s|$|[a-z]{1,6}(\s|$))`),
	regexp.MustCompile(`\brm\s+.*--no-preserve-root`),
	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*(777|[ugoa]*\+s)`),
	regexp.MustCompile(`\bchown\s+(-[a-zA-Z]+\s+)*root\b`),
	// host service / process termination
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bkillall\b`),
	regexp.MustCompile(`\bkill\s+(-9\s+)?1(\s|$)`),
	regexp.MustCompile(`\bsystemctl\s+(stop|disable|mask)\b`),
	// pipe-to-shell downloads
	regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(ba|z|da|k)?sh\b`),
	// command substitution
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\(`),
	// raw redirection into device/proc/sys paths
	regexp.MustCompile(`>\s*/(dev|proc|sys)/`),
	regexp.MustCompile(`\bdd\s+[^|]*of=/dev/`),
	regexp.MustCompile(`\bmkfs\b`),
	// network listeners
	regexp.MustCompile(`\bnc\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*l`),
	regexp.MustCompile(`\bncat\s+.*--listen`),
	regexp.MustCompile(`\bsocat\s+.*listen`),
	// fork bomb
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// sensitivePaths may never appear as an argument to file-manipulating commands.
var sensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/ssh/",
	"~/.ssh/",
	".ssh/id_",
	"~/.aws/",
	".aws/credentials",
	"/proc/",
	"/sys/",
	"/boot/",
	"/root/",
}

// fileCommands get the extra argument inspection of the final pipeline stage.
var fileCommands = map[string]bool{
	"rm": true,
	"mv": true,
	"cp": true,
}

// Sanitizer validates a single proposed command string.
type Sanitizer struct {
	commands map[string]bool
	patterns []*regexp.Regexp
}

// NewSanitizer creates a sanitizer with the built-in whitelist and denylist.
// A non-nil policy may add entries; built-ins are never removed.
func NewSanitizer(policy *Policy) (*Sanitizer, error) {
	s := &Sanitizer{
		commands: make(map[string]bool, len(slashCommands)),
		patterns: dangerousPatterns,
	}
	for k, v := range slashCommands {
		s.commands[k] = v
	}

	if policy != nil {
		for _, c := range policy.ExtraCommands {
			if !strings.HasPrefix(c, "/") {
				return nil, fmt.Errorf("policy command %q must start with /", c)
			}
			if _, exists := s.commands[c]; !exists {
				s.commands[c] = false
			}
		}
		for _, p := range policy.ExtraPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("policy pattern %q: %w", p, err)
			}
			s.patterns = append(s.patterns, re)
		}
	}

	return s, nil
}

// Sanitize runs the validation pipeline over a raw command. On success it
// returns the normalized (ANSI-stripped, trimmed) command text. The stages
// short-circuit: the first failure is the returned error.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: command is empty", ErrValidation)
	}

	if len(raw) > MaxCommandLength {
		return "", fmt.Errorf("%w: command exceeds maximum length of %d characters", ErrValidation, MaxCommandLength)
	}

	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: command contains null byte", ErrValidation)
	}

	// Sanitize in place rather than reject: terminal escape sequences are
	// common in pasted text.
	cmd := strings.TrimSpace(ansiPattern.ReplaceAllString(raw, ""))
	if cmd == "" {
		return "", fmt.Errorf("%w: command is empty", ErrValidation)
	}

	if strings.HasPrefix(cmd, "/") {
		return s.sanitizeSlashCommand(cmd)
	}
	return s.sanitizeShellCommand(cmd)
}

func (s *Sanitizer) sanitizeSlashCommand(cmd string) (string, error) {
	name, args, _ := strings.Cut(cmd, " ")

	takesArgs, ok := s.commands[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown command %q", ErrValidation, name)
	}

	args = strings.TrimSpace(args)
	if args != "" && !takesArgs {
		return "", fmt.Errorf("%w: command %q takes no arguments", ErrValidation, name)
	}
	if len(args) > MaxSlashArgLength {
		return "", fmt.Errorf("%w: argument to %q exceeds %d characters", ErrValidation, name, MaxSlashArgLength)
	}

	return cmd, nil
}

func (s *Sanitizer) sanitizeShellCommand(cmd string) (string, error) {
	lower := strings.ToLower(cmd)
	for _, re := range s.patterns {
		if re.MatchString(lower) {
			return "", fmt.Errorf("%w: command contains dangerous pattern", ErrValidation)
		}
	}

	tokens, err := shlex.Split(cmd, true)
	if err != nil {
		return "", fmt.Errorf("%w: command could not be parsed as shell tokens", ErrValidation)
	}
	if len(tokens) > MaxArgCount {
		return "", fmt.Errorf("%w: command exceeds maximum of %d arguments", ErrValidation, MaxArgCount)
	}

	if len(tokens) > 0 && fileCommands[tokens[0]] {
		if err := checkFileCommand(tokens); err != nil {
			return "", err
		}
	}

	return cmd, nil
}

// checkFileCommand rejects rm/mv/cp operations that recurse over short
// top-level paths or touch known sensitive locations. Flags are collected
// first so "rm / -rf" is caught the same as "rm -rf /".
func checkFileCommand(tokens []string) error {
	recursive := false
	for _, tok := range tokens[1:] {
		if tok == "--recursive" {
			recursive = true
		} else if strings.HasPrefix(tok, "-") && !strings.HasPrefix(tok, "--") && strings.ContainsAny(tok, "rR") {
			recursive = true
		}
	}

	for _, tok := range tokens[1:] {
		if strings.HasPrefix(tok, "-") {
			continue
		}

		for _, sensitive := range sensitivePaths {
			if strings.Contains(tok, sensitive) {
				return fmt.Errorf("%w: operation touches sensitive path %q", ErrValidation, sensitive)
			}
		}

		// A recursive operation on /, /etc, /usr and friends takes the host down.
		if recursive && strings.HasPrefix(tok, "/") && strings.Count(tok, "/") == 1 && len(tok) <= 8 {
			return fmt.Errorf("%w: recursive operation on top-level path %q", ErrValidation, tok)
		}
	}
	return nil
}
