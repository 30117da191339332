// Package limiter provides rate limiting and budget enforcement for LLM API calls with a token bucket algorithm.
package limiter

import (
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRateLimit is returned when token rate limits are exceeded.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrBudgetExceeded is returned when daily budget limits are exceeded.
	ErrBudgetExceeded = fmt.Errorf("daily budget exceeded")
)

// Limiter enforces a tokens-per-minute bucket and a daily USD budget shared
// by every model the service calls. Zero limits disable the corresponding
// check.
//
//nolint:govet // Struct layout optimization not critical for this use case
type Limiter struct {
	maxBudgetPerDayUSD float64
	currentBudgetUSD   float64
	lastRefill         time.Time
	resetTimer         *time.Timer
	mu                 sync.Mutex
	maxTokensPerMinute int
	currentTokens      int
}

// NewLimiter creates a limiter starting with a full token bucket and zero
// spend. The daily budget resets at local midnight.
func NewLimiter(tokensPerMinute int, dailyBudgetUSD float64) *Limiter {
	l := &Limiter{
		maxTokensPerMinute: tokensPerMinute,
		currentTokens:      tokensPerMinute, // Start with full bucket
		maxBudgetPerDayUSD: dailyBudgetUSD,
		lastRefill:         time.Now(),
	}
	l.scheduleDailyReset()
	return l
}

// Reserve attempts to reserve the specified number of tokens from the
// bucket, returning ErrRateLimit when the bucket cannot cover them.
func (l *Limiter) Reserve(tokens int) error {
	if l.maxTokensPerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Refill tokens based on time elapsed.
	l.refillTokens()

	// A single request larger than the bucket would never be admitted;
	// let it through when the bucket is full instead of wedging.
	if tokens >= l.maxTokensPerMinute {
		if l.currentTokens < l.maxTokensPerMinute {
			return ErrRateLimit
		}
		l.currentTokens = 0
		return nil
	}

	if l.currentTokens < tokens {
		return ErrRateLimit
	}

	l.currentTokens -= tokens
	return nil
}

// ReserveBudget adds spend to the daily running total, returning
// ErrBudgetExceeded when the cap would be crossed.
func (l *Limiter) ReserveBudget(costUSD float64) error {
	if l.maxBudgetPerDayUSD <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentBudgetUSD+costUSD > l.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}

	l.currentBudgetUSD += costUSD
	return nil
}

// GetStatus returns the currently available tokens and the daily spend.
func (l *Limiter) GetStatus() (tokens int, budgetUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()
	return l.currentTokens, l.currentBudgetUSD
}

// ResetDaily resets the daily budget and refills the token bucket.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.currentBudgetUSD = 0
	l.currentTokens = l.maxTokensPerMinute // Reset to full bucket
	l.lastRefill = time.Now()
}

// Close stops the limiter and releases resources.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (l *Limiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill)

	if elapsed >= time.Minute {
		// Refill tokens for each minute that has passed.
		minutes := int(elapsed / time.Minute)
		refillAmount := minutes * l.maxTokensPerMinute

		// Cap at maximum.
		l.currentTokens += refillAmount
		if l.currentTokens > l.maxTokensPerMinute {
			l.currentTokens = l.maxTokensPerMinute
		}

		// Update refill time to the last complete minute.
		l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
	}
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()

	// Calculate next midnight in local time.
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	timeUntilMidnight := time.Until(nextMidnight)

	l.resetTimer = time.AfterFunc(timeUntilMidnight, func() {
		l.ResetDaily()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.resetTimer = time.AfterFunc(24*time.Hour, func() {
			l.ResetDaily()
		})
	})
}
