package summary

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// outputTokenLimit bounds the run-output excerpt embedded in the summary.
const outputTokenLimit = 400

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func outputCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// TruncateTokens trims text to roughly limit tokens, keeping the tail: the
// end of a run log is where the verdict lives. The cut is proportional by
// characters with a safety margin, not a perfect token boundary. Falls back
// to a byte estimate (4 chars per token) when no codec is available.
func TruncateTokens(text string, limit int) string {
	if text == "" || limit <= 0 {
		return ""
	}

	c := outputCodec()
	if c == nil {
		return tail(text, limit*4)
	}

	count, err := c.Count(text)
	if err != nil || count <= limit {
		return text
	}

	ratio := float64(limit) / float64(count)
	keep := int(float64(len(text)) * ratio * 0.9)
	return tail(text, keep)
}

// tail keeps the last n bytes, aligned to a rune boundary.
func tail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	cut := len(text) - n
	for cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut++
	}
	return "…" + text[cut:]
}
