// Package tokenizer provides token counting and bounding for prompt
// construction. Page snapshots and element trees can be arbitrarily large;
// everything sent to a completion service is bounded here first.
package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Encoding is the tokenizer encoding used for all bounds. cl100k_base covers
// the GPT-4 family and is close enough for budget purposes on compatible
// backends.
const Encoding = "cl100k_base"

var (
	enc     *tiktoken.Tiktoken
	encErr  error
	encOnce sync.Once
)

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(Encoding)
	})
	return enc, encErr
}

// Count returns the number of tokens in text. On encoder initialization
// failure it falls back to a 4-characters-per-token estimate rather than
// failing the caller.
func Count(text string) int {
	e, err := encoding()
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(e.Encode(text, nil, nil))
}

// Truncate returns text bounded to at most maxTokens tokens. Text within the
// budget is returned unchanged.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	e, err := encoding()
	if err != nil {
		// Estimate fallback: bound by bytes, clamped to a rune boundary.
		return clampToRune(text, maxTokens*4)
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return e.Decode(tokens[:maxTokens])
}

// clampToRune bounds s to at most limit bytes without splitting a UTF-8
// sequence.
func clampToRune(s string, limit int) string {
	if limit >= len(s) {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
