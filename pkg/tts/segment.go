package tts

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitSentences cuts complete sentences off the front of buf. A sentence
// ends at terminal punctuation followed by whitespace, or at a newline. If
// the remainder grows past maxLen it is cut at the last space instead.
func splitSentences(buf string, maxLen int) (sentences []string, rest string) {
	start := 0
	for i, r := range buf {
		if r == '\n' || (isTerminal(r) && followedBySpace(buf, i+utf8.RuneLen(r))) {
			end := i + utf8.RuneLen(r)
			if s := strings.TrimSpace(buf[start:end]); s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}
	rest = buf[start:]

	for maxLen > 0 && len(rest) > maxLen {
		cut := strings.LastIndexFunc(rest[:maxLen], unicode.IsSpace)
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
		}
		if s := strings.TrimSpace(rest[:cut]); s != "" {
			sentences = append(sentences, s)
		}
		rest = rest[cut:]
	}
	return sentences, rest
}

// splitWords returns the prefix of buf up to and including its last
// whitespace, and the trailing partial word.
func splitWords(buf string) (words, rest string) {
	i := strings.LastIndexFunc(buf, unicode.IsSpace)
	if i < 0 {
		return "", buf
	}
	_, size := utf8.DecodeRuneInString(buf[i:])
	return buf[:i+size], buf[i+size:]
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', ';', ':':
		return true
	}
	return false
}

func followedBySpace(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsSpace(r)
}
