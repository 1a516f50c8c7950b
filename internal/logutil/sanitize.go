package logutil

import (
	"strings"
	"unicode"
)

// maxLogValue bounds how much of a client-supplied value reaches the log.
const maxLogValue = 256

// SanitizeForLog flattens control characters in client-supplied strings
// (session ids, titles, usernames, shell input) so they cannot forge log
// lines, and truncates long values.
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	if len(s) > maxLogValue {
		s = s[:maxLogValue] + "..."
	}
	return s
}
