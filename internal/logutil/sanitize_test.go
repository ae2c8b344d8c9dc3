package logutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "api", "api"},
		{"newlines", "line1\nline2\r\nline3", "line1 line2  line3"},
		{"tab", "a\tb", "a b"},
		{"escape sequence", "x\x1b]7;CWD:/tmp\x07y", "x]7;CWD:/tmpy"},
		{"null and del", "a\x00b\x7fc", "abc"},
		{"c1 control", "a\u0085b", "ab"},
		{"invalid utf8", "a\xffb", "ab"},
		{"unicode kept", "déploiement ✓", "déploiement ✓"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanTruncates(t *testing.T) {
	got := Clean(strings.Repeat("é", MaxLen))
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing truncation marker: %q", got[len(got)-10:])
	}
	body := strings.TrimSuffix(got, "...")
	if len(body) > MaxLen {
		t.Errorf("len = %d, want <= %d", len(body), MaxLen)
	}
	if !utf8.ValidString(body) {
		t.Error("truncation split a rune")
	}

	exact := strings.Repeat("a", MaxLen)
	if got := Clean(exact); got != exact {
		t.Errorf("value of exactly MaxLen bytes was changed")
	}
}
