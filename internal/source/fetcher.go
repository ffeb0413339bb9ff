// Package source fetches candidate items from remote code, model and paper sources.
package source

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/quota"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

var (
	// ErrQuotaExhausted is returned, with the partial batch, when a source ran out
	// of quota mid-fetch.
	ErrQuotaExhausted = errors.New("source quota exhausted")
	// ErrAllQueriesFailed is returned when no sub-query of a fetch succeeded.
	ErrAllQueriesFailed = errors.New("all source queries failed")
)

// RawItem is one fetched result before normalization.
type RawItem struct {
	Source      string
	ID          string
	Title       string
	Description string
	Readme      string
	URL         string
	Language    string
	Topics      []string
	Popularity  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Metadata    map[string]any
}

// Fetcher produces a deduplicated batch ordered by descending popularity.
// limit caps the results of each sub-query; zero or less uses the configured limit.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, limit int) ([]RawItem, error)
}

// Deps are the collaborators shared by every fetcher.
type Deps struct {
	Client  *http.Client
	Retrier *retry.Retrier
	Guard   *quota.Guard
	// ExhaustedSuspend bounds the wait after a quota exhaustion.
	ExhaustedSuspend time.Duration
	// Sleep replaces retry.Sleep for polite delays and suspensions.
	Sleep func(ctx context.Context, d time.Duration) error
}

// base holds the plumbing common to all fetchers.
type base struct {
	name    string
	client  *http.Client
	retrier *retry.Retrier
	guard   *quota.Guard
	suspend time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	logger  *slog.Logger
}

func newBase(name string, deps Deps) base {
	b := base{
		name:    name,
		client:  deps.Client,
		retrier: deps.Retrier,
		guard:   deps.Guard,
		suspend: deps.ExhaustedSuspend,
		sleep:   deps.Sleep,
		now:     time.Now,
		logger:  slog.Default().With("component", "source", "source", name),
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 30 * time.Second}
	}
	if b.retrier == nil {
		b.retrier = retry.New(retry.DefaultPolicy())
	}
	if b.sleep == nil {
		b.sleep = retry.Sleep
	}
	if b.guard == nil {
		b.guard = quota.NewGuard(0, 0, quota.WithSleep(b.sleep))
	}
	if b.suspend <= 0 {
		b.suspend = time.Hour
	}
	return b
}

func (b *base) Name() string { return b.name }

// subQuery is one logical query of a fetch: a keyword, a sort mode, a category.
type subQuery struct {
	label string
	run   func(ctx context.Context, limit int) ([]RawItem, error)
}

// collect runs every sub-query, skipping failures, and returns the merged batch.
// A quota exhaustion suspends until the reported reset and ends the fetch early.
func (b *base) collect(ctx context.Context, queries []subQuery, limit int) ([]RawItem, error) {
	var (
		all    []RawItem
		failed int
		last   error
	)
	for _, q := range queries {
		items, err := q.run(ctx, limit)
		all = append(all, items...)
		if err == nil {
			b.logger.Debug("query done", "query", q.label, "items", len(items))
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return finalize(all), ctxErr
		}
		if retry.KindOf(err) == retry.KindQuotaExhausted {
			b.suspendUntilReset(ctx, err)
			return finalize(all), fmt.Errorf("%s: %w: %v", b.name, ErrQuotaExhausted, err)
		}

		failed++
		last = err
		b.logger.Warn("query failed, skipping", "query", q.label, "error", err)
	}

	if len(queries) > 0 && failed == len(queries) {
		return nil, fmt.Errorf("%s: %w: %v", b.name, ErrAllQueriesFailed, last)
	}
	return finalize(all), nil
}

func (b *base) suspendUntilReset(ctx context.Context, err error) {
	wait := b.suspend
	var re *retry.Error
	if errors.As(err, &re) && !re.Reset.IsZero() {
		wait = min(max(re.Reset.Sub(b.now()), 0), b.suspend)
	}
	b.logger.Warn("quota exhausted, suspending fetch", "wait", wait)
	if err := b.sleep(ctx, wait); err != nil {
		b.logger.Info("quota suspension interrupted", "error", err)
	}
}

// finalize deduplicates by ID, keeping the last-seen version, and sorts by
// popularity descending with ID as tie-break.
func finalize(items []RawItem) []RawItem {
	if len(items) == 0 {
		return nil
	}
	index := make(map[string]int, len(items))
	out := make([]RawItem, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.ID]; ok {
			out[i] = it
			continue
		}
		index[it.ID] = len(out)
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b RawItem) int {
		if c := cmp.Compare(b.Popularity, a.Popularity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
