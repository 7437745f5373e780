package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"fits", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline cut", "aaaaa\nbbbbb", 8, []string{"aaaaa\n", "bbbbb"}},
		{"early newline ignored", "a\nbbbbbbbbb", 8, []string{"a\nbbbbbb", "bbb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitText(tt.text, tt.maxLen)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("SplitText(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSplitTextKeepsRunes(t *testing.T) {
	text := strings.Repeat("é", 10) // 20 bytes
	chunks := SplitText(text, 5)
	if strings.Join(chunks, "") != text {
		t.Fatalf("chunks do not reassemble: %q", chunks)
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q splits a rune", c)
		}
		if len(c) > 5 {
			t.Errorf("chunk %q longer than limit", c)
		}
	}
}
