package hub

import (
	"log/slog"
	"sync"

	"github.com/hizkifw/lmrelay/message"
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Per-message overhead for role and separators.
const messageTokenOverhead = 4

// loadEncoding resolves the encoding for a model, falling back to
// cl100k_base for models tiktoken does not know.
var loadEncoding = func(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	return enc, err
}

// TokenCounter estimates the prompt size of a history. The encoding is
// loaded lazily; without one it falls back to roughly four bytes per token.
type TokenCounter struct {
	Model string
	Log   *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *TokenCounter) load() {
	enc, err := loadEncoding(c.Model)
	if err != nil {
		log := c.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("token encoding unavailable, estimating by length", "model", c.Model, "error", err)
		return
	}
	c.enc = enc
}

func (c *TokenCounter) Count(history message.History) int {
	c.once.Do(c.load)

	total := 0
	for _, m := range history {
		if c.enc != nil {
			total += len(c.enc.Encode(m.Content, nil, nil))
		} else {
			total += (len(m.Content) + 3) / 4
		}
		total += messageTokenOverhead
	}
	return total
}
