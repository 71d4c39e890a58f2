package tts

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		maxLen    int
		sentences []string
		rest      string
	}{
		{"no boundary", "Bonjour", 200, nil, "Bonjour"},
		{"terminal without space", "Bonjour.", 200, nil, "Bonjour."},
		{"one sentence", "Bonjour. Comment", 200, []string{"Bonjour."}, " Comment"},
		{"several", "Oui! Non? Peut-être… ", 200, []string{"Oui!", "Non?", "Peut-être…"}, " "},
		{"newline", "ligne un\nligne", 200, []string{"ligne un"}, "ligne"},
		{"decimal kept", "Il coûte 3.50 euros", 200, nil, "Il coûte 3.50 euros"},
		{"long cut at space", "aaa bbb ccc", 8, []string{"aaa bbb"}, " ccc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rest := splitSentences(tt.in, tt.maxLen)
			if !reflect.DeepEqual(got, tt.sentences) {
				t.Errorf("sentences = %q, want %q", got, tt.sentences)
			}
			if rest != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestSplitSentencesLongWord(t *testing.T) {
	in := strings.Repeat("é", 10) // 20 bytes, no spaces
	got, rest := splitSentences(in, 5)
	joined := strings.Join(got, "") + rest
	if joined != in {
		t.Fatalf("lost text: %q + %q", got, rest)
	}
	for _, s := range got {
		if !strings.HasPrefix(s, "é") {
			t.Errorf("segment %q split inside a rune", s)
		}
	}
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		in, words, rest string
	}{
		{"Bon", "", "Bon"},
		{"Bonjour ", "Bonjour ", ""},
		{"Je pense", "Je ", "pense"},
		{" que", " ", "que"},
	}
	for _, tt := range tests {
		words, rest := splitWords(tt.in)
		if words != tt.words || rest != tt.rest {
			t.Errorf("splitWords(%q) = %q, %q; want %q, %q", tt.in, words, rest, tt.words, tt.rest)
		}
	}
}
