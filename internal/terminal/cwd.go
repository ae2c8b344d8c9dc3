package terminal

import "regexp"

// The remote shell reports its working directory inline with its output as
//
//	ESC ] 7 ; C W D : <path> BEL
//
// Only this exact form is recognised: the OSC introducer, opcode 7, the
// "CWD:" tag, a non-empty path without BEL, and a BEL terminator. Markers are
// always contained in a single output chunk.
var cwdMarker = regexp.MustCompile("\x1b\\]7;CWD:([^\x07]+)\x07")

// ExtractFirst returns the path of the first well-formed marker in chunk.
func ExtractFirst(chunk string) (string, bool) {
	m := cwdMarker.FindStringSubmatch(chunk)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractAll returns the paths of every well-formed marker in chunk, left to
// right. It returns nil when there are none.
func ExtractAll(chunk string) []string {
	matches := cwdMarker.FindAllStringSubmatch(chunk, -1)
	if matches == nil {
		return nil
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m[1]
	}
	return paths
}

// Strip returns chunk with every well-formed marker removed. All other bytes,
// including malformed markers, are kept in order.
func Strip(chunk string) string {
	return cwdMarker.ReplaceAllLiteralString(chunk, "")
}
