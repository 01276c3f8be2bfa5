// Package claude provides BPE-based token estimation for Claude API compatibility.
package claude

import (
	"sync"

	tokenizer "github.com/tiktoken-go/tokenizer"
)

var (
	bpeOnce  sync.Once
	bpeCodec tokenizer.Codec
	bpeErr   error
)

// bpe lazily loads the cl100k_base BPE codec, the closest practical
// approximation available for a Claude-family model since no public
// Anthropic tokenizer package is retrievable from the pack.
func bpe() (tokenizer.Codec, error) {
	bpeOnce.Do(func() {
		bpeCodec, bpeErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return bpeCodec, bpeErr
}

// EstimateTokens counts tokens in text using the real BPE tokenizer when it
// loads successfully, falling back to the chars/4 heuristic on any error.
// This is advisory only; it never gates dispatch.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	codec, err := bpe()
	if err != nil {
		return CountTextTokens(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return CountTextTokens(text)
	}
	if len(ids) == 0 {
		return CountTextTokens(text)
	}
	return len(ids)
}
