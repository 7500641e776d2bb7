package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCanProceedConsumesBurst(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 1, AgentBurst: 2,
		GlobalRate: 100, GlobalBurst: 100,
	}, testLogger())

	ok, _ := l.CanProceed("agent-1")
	assert.True(t, ok)
	ok, _ = l.CanProceed("agent-1")
	assert.True(t, ok)

	ok, wait := l.CanProceed("agent-1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestAgentsHaveIndependentBuckets(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 1, AgentBurst: 1,
		GlobalRate: 100, GlobalBurst: 100,
	}, testLogger())

	ok, _ := l.CanProceed("agent-1")
	require.True(t, ok)
	ok, _ = l.CanProceed("agent-1")
	assert.False(t, ok)

	// A different agent still has its own full bucket.
	ok, _ = l.CanProceed("agent-2")
	assert.True(t, ok)
}

func TestGlobalBucketIsShared(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 100, AgentBurst: 100,
		GlobalRate: 1, GlobalBurst: 1,
	}, testLogger())

	ok, _ := l.CanProceed("agent-1")
	require.True(t, ok)

	// The global bucket is drained, so a fresh agent is denied too.
	ok, wait := l.CanProceed("agent-2")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestDeniedAdmissionConsumesNothing(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 1, AgentBurst: 1,
		GlobalRate: 100, GlobalBurst: 100,
	}, testLogger())

	ok, _ := l.CanProceed("agent-1")
	require.True(t, ok)
	ok, _ = l.CanProceed("agent-1")
	require.False(t, ok)

	// The denied attempt must not have burned a global token.
	ok, _ = l.CanProceed("agent-2")
	assert.True(t, ok)
}

func TestWaitAdmitsAfterRefill(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 50, AgentBurst: 1,
		GlobalRate: 100, GlobalBurst: 100,
	}, testLogger())

	require.NoError(t, l.Wait(context.Background(), "agent-1", time.Second))
	// Bucket empty now; 50/s refill admits well within the deadline.
	assert.NoError(t, l.Wait(context.Background(), "agent-1", time.Second))
}

func TestWaitDeadlineExhausted(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 0, AgentBurst: 1, // never refills
		GlobalRate: 100, GlobalBurst: 100,
	}, testLogger())

	require.NoError(t, l.Wait(context.Background(), "agent-1", time.Second))

	err := l.Wait(context.Background(), "agent-1", 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
}

func TestWaitContextCanceled(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 0, AgentBurst: 1,
		GlobalRate: 100, GlobalBurst: 100,
	}, testLogger())
	require.NoError(t, l.Wait(context.Background(), "agent-1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := l.Wait(ctx, "agent-1", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResetRestoresBursts(t *testing.T) {
	l := NewLimiter(Config{
		AgentRate: 0, AgentBurst: 1,
		GlobalRate: 0, GlobalBurst: 1,
	}, testLogger())

	ok, _ := l.CanProceed("agent-1")
	require.True(t, ok)
	ok, _ = l.CanProceed("agent-1")
	require.False(t, ok)

	l.Reset()
	ok, _ = l.CanProceed("agent-1")
	assert.True(t, ok)
}
