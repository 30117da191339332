package limiter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveWithinBucket(t *testing.T) {
	l := NewLimiter(50000, 200.0)
	defer l.Close()

	require.NoError(t, l.Reserve(100))

	tokens, budget := l.GetStatus()
	assert.Equal(t, 49900, tokens)
	assert.Zero(t, budget)
}

func TestReserveExhaustsBucket(t *testing.T) {
	l := NewLimiter(1000, 0)
	defer l.Close()

	require.NoError(t, l.Reserve(900))
	err := l.Reserve(200)
	assert.True(t, errors.Is(err, ErrRateLimit))
}

func TestReserveOversizedRequest(t *testing.T) {
	l := NewLimiter(1000, 0)
	defer l.Close()

	// Larger than a full bucket: admitted once, then the bucket is empty.
	require.NoError(t, l.Reserve(5000))
	assert.True(t, errors.Is(l.Reserve(1), ErrRateLimit))
}

func TestReserveBudget(t *testing.T) {
	l := NewLimiter(0, 10.0)
	defer l.Close()

	require.NoError(t, l.ReserveBudget(9.5))
	err := l.ReserveBudget(1.0)
	assert.True(t, errors.Is(err, ErrBudgetExceeded))

	l.ResetDaily()
	require.NoError(t, l.ReserveBudget(1.0))
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	l := NewLimiter(0, 0)
	defer l.Close()

	require.NoError(t, l.Reserve(1_000_000))
	require.NoError(t, l.ReserveBudget(1_000_000))
}
