package logx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("planner")
	require.NotNil(t, logger)
	assert.Equal(t, "planner", logger.component)

	// Must not panic regardless of level.
	logger.Info("info %d", 1)
	logger.Warn("warn %s", "x")
	logger.Error("error")
	logger.Debug("debug")
}

func TestSetDebugDomains(t *testing.T) {
	defer SetDebug(false, nil)

	SetDebug(true, nil)
	assert.True(t, IsDebugEnabled())
	assert.True(t, IsDebugEnabledForDomain("planner"))
	assert.True(t, IsDebugEnabledForDomain("executor"))

	SetDebug(true, []string{"planner", " gate "})
	assert.True(t, IsDebugEnabledForDomain("planner"))
	assert.True(t, IsDebugEnabledForDomain("gate"))
	assert.False(t, IsDebugEnabledForDomain("executor"))

	SetDebug(false, nil)
	assert.False(t, IsDebugEnabled())
	assert.False(t, IsDebugEnabledForDomain("planner"))
}

func TestContextDebug(t *testing.T) {
	defer SetDebug(false, nil)
	SetDebug(true, []string{"gate"})

	ctx := context.WithValue(context.Background(), ComponentContextKey, "thread-1")
	// Filtered domain and enabled domain both must not panic.
	Debug(ctx, "planner", "filtered out")
	Debug(ctx, "gate", "visible %s", "message")
	Debug(context.Background(), "gate", "no component in context")
}
