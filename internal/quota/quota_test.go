package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedGuard(now time.Time, margin, maxWait time.Duration) *Guard {
	return NewGuard(margin, maxWait, WithClock(func() time.Time { return now }))
}

func TestBeforeCall_BelowThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := fixedGuard(now, time.Minute, 0)

	calls := 0
	g.Register("github/search", ReporterFunc(func(context.Context) (Status, error) {
		calls++
		return Status{Limit: 30, Remaining: 3, Reset: now.Add(10 * time.Minute)}, nil
	}), 10)

	wait := g.BeforeCall(context.Background(), "github/search")
	assert.Equal(t, 11*time.Minute, wait)
	assert.Equal(t, 1, calls, "status should be refreshed before the call")
}

func TestBeforeCall_AboveThreshold(t *testing.T) {
	now := time.Now()
	g := fixedGuard(now, time.Minute, 0)
	g.Register("github/core", ReporterFunc(func(context.Context) (Status, error) {
		return Status{Limit: 5000, Remaining: 4000, Reset: now.Add(time.Hour)}, nil
	}), 10)

	assert.Zero(t, g.BeforeCall(context.Background(), "github/core"))
}

func TestBeforeCall_UnknownSourceIsNoop(t *testing.T) {
	g := NewGuard(time.Minute, 0)
	assert.Zero(t, g.BeforeCall(context.Background(), "huggingface"))
}

func TestBeforeCall_ReporterErrorIsNoop(t *testing.T) {
	g := NewGuard(time.Minute, 0)
	g.Register("github/search", ReporterFunc(func(context.Context) (Status, error) {
		return Status{}, errors.New("network down")
	}), 10)

	assert.Zero(t, g.BeforeCall(context.Background(), "github/search"))
}

func TestBeforeCall_ResetInPastWaitsMarginOnly(t *testing.T) {
	now := time.Now()
	g := fixedGuard(now, 30*time.Second, 0)
	g.Register("s", nil, 5)
	g.Observe("s", Status{Remaining: 0, Reset: now.Add(-time.Minute)})

	assert.Equal(t, 30*time.Second, g.BeforeCall(context.Background(), "s"))
}

func TestBeforeCall_CappedByMaxWait(t *testing.T) {
	now := time.Now()
	g := fixedGuard(now, time.Minute, 5*time.Minute)
	g.Register("s", nil, 5)
	g.Observe("s", Status{Remaining: 1, Reset: now.Add(3 * time.Hour)})

	assert.Equal(t, 5*time.Minute, g.BeforeCall(context.Background(), "s"))
}

func TestWait_InterruptedByCancel(t *testing.T) {
	now := time.Now()
	g := fixedGuard(now, 0, 0)
	g.Register("s", nil, 5)
	g.Observe("s", Status{Remaining: 0, Reset: now.Add(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.Wait(ctx, "s")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_UsesInjectedSleep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var slept []time.Duration
	g := NewGuard(30*time.Second, time.Hour,
		WithClock(func() time.Time { return now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))
	g.Register("github/search", ReporterFunc(func(context.Context) (Status, error) {
		return Status{Limit: 30, Remaining: 1, Reset: now.Add(45 * time.Second)}, nil
	}), 5)

	require.NoError(t, g.Wait(context.Background(), "github/search"))
	assert.Equal(t, []time.Duration{75 * time.Second}, slept)

	g.Register("github/core", ReporterFunc(func(context.Context) (Status, error) {
		return Status{Limit: 5000, Remaining: 4000, Reset: now.Add(time.Hour)}, nil
	}), 5)
	require.NoError(t, g.Wait(context.Background(), "github/core"))
	assert.Len(t, slept, 1, "no sleep above the threshold")
}

func TestGuard_ConcurrentSources(t *testing.T) {
	g := NewGuard(0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := []string{"a", "b"}[i%2]
			g.Register(src, nil, 1)
			g.Observe(src, Status{Remaining: 100})
			_ = g.BeforeCall(context.Background(), src)
		}(i)
	}
	wg.Wait()

	st, ok := g.Status("a")
	require.True(t, ok)
	assert.Equal(t, 100, st.Remaining)
}
