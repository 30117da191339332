package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	counter, err := NewCounter("claude-sonnet-4-5")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.Count(""))
	assert.Positive(t, counter.Count("hello world"))

	// Longer text costs more tokens.
	short := counter.Count("one two three")
	long := counter.Count("one two three four five six seven eight nine ten")
	assert.Greater(t, long, short)
}

func TestNilCounterFallsBack(t *testing.T) {
	var counter *Counter
	assert.Equal(t, 5, counter.Count("12345678901234567890"))
}

func TestPackageLevelCount(t *testing.T) {
	assert.Positive(t, Count("some prompt text"))
}
