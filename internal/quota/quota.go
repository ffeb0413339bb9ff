// Package quota tracks the remaining call budget of remote sources and tells
// callers how long to wait before the next call.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/retry"
)

// Status is a source's quota as reported by the source itself.
type Status struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Reporter queries a source's quota-status endpoint.
type Reporter interface {
	QuotaStatus(ctx context.Context) (Status, error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context) (Status, error)

func (f ReporterFunc) QuotaStatus(ctx context.Context) (Status, error) { return f(ctx) }

type sourceState struct {
	reporter  Reporter
	threshold int
	status    Status
	known     bool
}

// Guard is keyed by source name and safe for concurrent use.
type Guard struct {
	mu      sync.Mutex
	sources map[string]*sourceState
	margin  time.Duration
	maxWait time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithSleep replaces the sleep used by Wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guard) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// WithClock sets the time source used to compute waits.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard creates a guard. margin is added to every computed wait; maxWait caps it
// (zero means no cap).
func NewGuard(margin, maxWait time.Duration, opts ...Option) *Guard {
	g := &Guard{
		sources: make(map[string]*sourceState),
		margin:  margin,
		maxWait: maxWait,
		now:     time.Now,
		sleep:   retry.Sleep,
		logger:  slog.Default().With("component", "quota"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register attaches a reporter and a safety threshold to a source. A nil reporter
// leaves the guard relying on Observe alone.
func (g *Guard) Register(source string, reporter Reporter, threshold int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(source)
	st.reporter = reporter
	st.threshold = threshold
}

// Observe records a status learned outside the reporter, e.g. from response headers.
func (g *Guard) Observe(source string, status Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(source)
	st.status = status
	st.known = true
}

// Status returns the last known status for a source.
func (g *Guard) Status(source string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.sources[source]
	if !ok || !st.known {
		return Status{}, false
	}
	return st.status, true
}

// BeforeCall refreshes the source's quota and returns how long to wait before the
// next call. It never fails: unknown sources and reporter errors yield zero.
func (g *Guard) BeforeCall(ctx context.Context, source string) time.Duration {
	g.mu.Lock()
	st, ok := g.sources[source]
	var reporter Reporter
	if ok {
		reporter = st.reporter
	}
	g.mu.Unlock()
	if !ok {
		return 0
	}

	if reporter != nil {
		status, err := reporter.QuotaStatus(ctx)
		if err != nil {
			g.logger.Warn("quota status unavailable", "source", source, "error", err)
		} else {
			g.Observe(source, status)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !st.known || st.status.Remaining >= st.threshold {
		return 0
	}

	wait := st.status.Reset.Sub(g.now())
	if wait < 0 {
		wait = 0
	}
	wait += g.margin
	if g.maxWait > 0 && wait > g.maxWait {
		wait = g.maxWait
	}
	return wait
}

// Wait calls BeforeCall and sleeps for the returned duration. Only cancellation
// produces an error.
func (g *Guard) Wait(ctx context.Context, source string) error {
	d := g.BeforeCall(ctx, source)
	if d <= 0 {
		return nil
	}
	g.logger.Warn("quota low, waiting for reset", "source", source, "wait", d)
	return g.sleep(ctx, d)
}

func (g *Guard) state(source string) *sourceState {
	st, ok := g.sources[source]
	if !ok {
		st = &sourceState{}
		g.sources[source] = st
	}
	return st
}
