// Package tokens estimates token counts for limit checks, using tiktoken
// with a character-based fallback.
package tokens

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/provider"
)

// DefaultEncoding is cl100k_base, used by GPT-4 era and Claude models.
const DefaultEncoding = "cl100k_base"

// Message wrapping and reply priming overheads for the cl100k chat format.
const (
	perMessageOverhead = 4
	perImageTokens     = 85
	replyPrimingGPT    = 3
	replyPrimingClaude = 7
)

// Counter estimates token counts. The zero value counts len(text)/4.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter builds a counter backed by the default encoding. When the
// encoding cannot be loaded the counter falls back to chars/4.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken encoding unavailable, falling back to character estimate")
		return &Counter{}
	}
	return &Counter{enc: enc}
}

func (c *Counter) Count(text string) int {
	if c == nil || c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt tokens of a chat request: message text
// plus per-message wrapping, a flat per-image charge, and reply priming.
func (c *Counter) CountMessages(model string, messages []provider.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(string(m.Role))
		if len(m.Parts) > 0 {
			for _, part := range m.Parts {
				switch part.Type {
				case "text":
					total += c.Count(part.Text)
				case "image_url":
					total += perImageTokens
				}
			}
		} else {
			total += c.Count(m.Content)
		}
		if m.Name != "" {
			total += c.Count(m.Name)
		}
	}
	if strings.HasPrefix(model, "claude") {
		total += replyPrimingClaude
	} else {
		total += replyPrimingGPT
	}
	return total
}

// CountTexts sums the token counts of embedding inputs.
func (c *Counter) CountTexts(texts []string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}
