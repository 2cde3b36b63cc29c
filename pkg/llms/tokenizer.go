package llms

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encodingInst *tiktoken.Tiktoken
)

// encoding returns the shared cl100k_base tokenizer, or nil when the BPE
// tables cannot be loaded. Callers fall back to a byte-length estimate.
func encoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			slog.Warn("tokenizer unavailable, using byte-length estimate", "error", err)
			return
		}
		encodingInst = enc
	})
	return encodingInst
}

// CountTokens returns the token count of text, or an estimate of one token
// per four bytes when the tokenizer is unavailable.
func CountTokens(text string) int {
	if enc := encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// TruncateTokens trims text to at most limit tokens, keeping the head.
// The second return reports whether anything was cut.
func TruncateTokens(text string, limit int) (string, bool) {
	if limit <= 0 {
		return text, false
	}
	if enc := encoding(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= limit {
			return text, false
		}
		return enc.Decode(tokens[:limit]), true
	}

	maxBytes := limit * 4
	if len(text) <= maxBytes {
		return text, false
	}
	cut := text[:maxBytes]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut, true
}
