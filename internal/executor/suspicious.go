package executor

import "strings"

// suspiciousNeedles are substrings in process output worth an audit entry.
// Detection is observability, not enforcement: the result is never altered.
var suspiciousNeedles = []string{
	"permission denied",
	"operation not permitted",
	"authentication failed",
	"access denied",
	"root@",
	"segmentation fault",
}

// scanSuspicious returns the needles present in content, lowercased matching.
func scanSuspicious(content []byte) []string {
	lower := strings.ToLower(string(content))

	var found []string
	for _, needle := range suspiciousNeedles {
		if strings.Contains(lower, needle) {
			found = append(found, needle)
		}
	}
	return found
}
