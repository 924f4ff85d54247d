// Package logutil guards log output against hostile field values.
package logutil

import "strings"

// Sanitize flattens control characters in a user-supplied string to single
// spaces so a crafted username or terminal id cannot forge log lines or
// drive the terminal rendering the logs.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return ' '
		}
		return r
	}, s)
}
