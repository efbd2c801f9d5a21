// Package names normalizes agent names and generates fallback names.
package names

import (
	"fmt"
	"regexp"
	"strings"
)

var invalidChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces every character outside [A-Za-z0-9_-] with '-'.
// Names are used as filenames and mailbox keys, so the result is safe
// as a single path component.
func Sanitize(name string) string {
	return invalidChars.ReplaceAllString(strings.TrimSpace(name), "-")
}

// IsValid reports whether name is non-empty and already sanitized.
func IsValid(name string) bool {
	return name != "" && !invalidChars.MatchString(name)
}

// NextAgentName returns the first "agentN" (N starting at 1) not present
// in taken. Comparison is case-insensitive.
func NextAgentName(taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, t := range taken {
		used[strings.ToLower(t)] = true
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("agent%d", i)
		if !used[candidate] {
			return candidate
		}
	}
}
