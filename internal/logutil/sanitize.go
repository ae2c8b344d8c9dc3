// Package logutil cleans remote-supplied strings before they reach the log.
package logutil

import (
	"strings"
	"unicode/utf8"
)

// MaxLen is the longest value Clean keeps. Backend error bodies and close
// reasons can be arbitrarily long.
const MaxLen = 256

// Clean makes s safe for a single log line. Line breaks and tabs become
// spaces, other control characters (including ESC, so terminal escape
// sequences cannot reach the operator's console) are dropped. Longer results
// are cut on a rune boundary after MaxLen bytes and marked with "...".
func Clean(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), MaxLen))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0):
			continue
		case r == utf8.RuneError:
			continue
		}
		if b.Len()+utf8.RuneLen(r) > MaxLen {
			b.WriteString("...")
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
