// Package tokens provides tiktoken-based token counting used for context
// compaction decisions and cache-marker placement.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides approximate token counting for prompt sizing. All
// supported providers are close enough to GPT-4 encoding for budgeting
// purposes.
type Counter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // Shared codec, expensive to build
var (
	defaultCounter     *Counter
	defaultCounterOnce sync.Once
)

// NewCounter creates a token counter. The model name is advisory; every
// known model maps to the GPT-4 codec.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-
// per-token estimate when the codec is unavailable.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Count is the package-level convenience using a lazily built shared codec.
func Count(text string) int {
	defaultCounterOnce.Do(func() {
		counter, err := NewCounter("")
		if err == nil {
			defaultCounter = counter
		}
	})
	return defaultCounter.Count(text)
}
