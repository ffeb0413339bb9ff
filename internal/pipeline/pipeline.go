// Package pipeline runs one discovery cycle: fetch, normalize, store, enrich.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/TobiSchelling/AIRadar/internal/config"
	"github.com/TobiSchelling/AIRadar/internal/database"
	"github.com/TobiSchelling/AIRadar/internal/enrich"
	"github.com/TobiSchelling/AIRadar/internal/fetch"
	"github.com/TobiSchelling/AIRadar/internal/llm"
	"github.com/TobiSchelling/AIRadar/internal/normalize"
	"github.com/TobiSchelling/AIRadar/internal/quota"
	"github.com/TobiSchelling/AIRadar/internal/retry"
	"github.com/TobiSchelling/AIRadar/internal/source"
)

var (
	// ErrStoreUnreachable aborts a cycle before any remote call is made.
	ErrStoreUnreachable = errors.New("store unreachable")
	// ErrAllSourcesFailed is returned when every enabled source failed to yield items.
	ErrAllSourcesFailed = errors.New("all sources failed")
	// ErrCycleRunning is returned when a cycle is started while another is in progress.
	ErrCycleRunning = errors.New("a cycle is already running")
	// ErrUnknownSource is returned by FetchSource for a name that is not enabled.
	ErrUnknownSource = errors.New("unknown or disabled source")
)

// SourceResult holds what one fetcher contributed to a cycle.
type SourceResult struct {
	Name    string
	Fetched int
	New     int
	Updated int
	// StoreErrors counts items that could not be written to the entries table.
	StoreErrors int
	Backfill    *fetch.Result
	Err         error
}

// Result holds the counters of a full cycle.
type Result struct {
	Sources []SourceResult
	enrich.Stats
	Enriched bool
	Duration time.Duration
}

// NewEntries sums the new entries across sources.
func (r *Result) NewEntries() int {
	n := 0
	for _, s := range r.Sources {
		n += s.New
	}
	return n
}

// Pipeline wires the sources, normalizer, store and enricher together.
type Pipeline struct {
	db         *database.DB
	fetchers   []source.Fetcher
	content    *fetch.ContentFetcher
	normalizer *normalize.Normalizer
	enricher   *enrich.Enricher
	parallel   bool
	workers    int
	hoursBack  int
	now        func() time.Time
	running    sync.Mutex
	logger     *slog.Logger
}

type settings struct {
	fetchers    []source.Fetcher
	fetchersSet bool
	provider    llm.Provider
	providerSet bool
	retrier     *retry.Retrier
	sleep       func(ctx context.Context, d time.Duration) error
	client      *http.Client
	clock       func() time.Time
}

// Option overrides a collaborator that New would otherwise build from config.
type Option func(*settings)

// WithFetchers replaces the configured sources.
func WithFetchers(fetchers ...source.Fetcher) Option {
	return func(s *settings) {
		s.fetchers = fetchers
		s.fetchersSet = true
	}
}

// WithProvider sets the generator; nil disables enhancement without probing.
func WithProvider(p llm.Provider) Option {
	return func(s *settings) {
		s.provider = p
		s.providerSet = true
	}
}

// WithRetrier replaces the retrier shared by sources and enrichment.
func WithRetrier(r *retry.Retrier) Option {
	return func(s *settings) { s.retrier = r }
}

// WithSleep replaces every polite delay, suspension and batch pause.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) { s.sleep = fn }
}

// WithHTTPClient sets the client used by the sources.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithClock sets the time source for the enrichment window.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

// New builds a pipeline from configuration. The store handle is owned by the caller.
func New(cfg *config.Config, db *database.DB, opts ...Option) *Pipeline {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.sleep == nil {
		s.sleep = retry.Sleep
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	if s.retrier == nil {
		s.retrier = retry.New(retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			MaxJitter:      cfg.Retry.MaxJitter,
		}, retry.WithSleep(s.sleep))
	}

	if !s.fetchersSet {
		guard := quota.NewGuard(cfg.Quota.Margin, cfg.Quota.MaxWait,
			quota.WithSleep(s.sleep), quota.WithClock(s.clock))
		s.fetchers = source.FromConfig(cfg.Sources, source.Deps{
			Client:           s.client,
			Retrier:          s.retrier,
			Guard:            guard,
			ExhaustedSuspend: cfg.Quota.ExhaustedSuspend,
			Sleep:            s.sleep,
		})
	}

	p := &Pipeline{
		db:       db,
		fetchers: s.fetchers,
		normalizer: normalize.New(normalize.Options{
			Sentences:  cfg.Summarization.Sentences,
			Budget:     cfg.Summarization.MaxChars,
			ContentMax: cfg.Content.MaxChars,
		}),
		parallel:  cfg.Sources.Parallel,
		workers:   cfg.Sources.Workers,
		hoursBack: cfg.Enrichment.HoursBack,
		now:       s.clock,
		logger:    slog.Default().With("component", "pipeline"),
	}
	if cfg.Content.Backfill {
		p.content = fetch.NewContentFetcher(cfg.Content.Timeout, cfg.Content.MaxChars)
	}

	if cfg.Enrichment.Enabled {
		provider := s.provider
		if !s.providerSet {
			provider = llm.CreateProvider(cfg.Summarization)
		}
		p.enricher = enrich.New(db, provider, s.retrier, enrich.Config{
			BatchSize:    cfg.Enrichment.BatchSize,
			BatchDelay:   cfg.Enrichment.BatchDelay,
			HoursBack:    cfg.Enrichment.HoursBack,
			MaxTokens:    cfg.Summarization.MaxTokens,
			Recategorize: cfg.Enrichment.Recategorize,
		}, enrich.WithClock(s.clock), enrich.WithSleep(s.sleep))
	}
	return p
}

// Sources returns the names of the enabled sources in cycle order.
func (p *Pipeline) Sources() []string {
	names := make([]string, len(p.fetchers))
	for i, f := range p.fetchers {
		names[i] = f.Name()
	}
	return names
}

// Run executes one full cycle. Partial failures are reported in the result;
// an error is returned only when the store is unreachable, every source failed,
// or the context was canceled.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.running.TryLock() {
		return nil, ErrCycleRunning
	}
	defer p.running.Unlock()

	start := time.Now()
	if err := p.db.Ping(ctx); err != nil {
		p.logger.Error("cycle abandoned", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	r := &Result{}
	p.logger.Info("step 1/2: fetching sources", "sources", len(p.fetchers), "parallel", p.parallel)
	batches, err := p.fetchAll(ctx)
	if err != nil {
		return nil, err
	}

	failed := 0
	for i, f := range p.fetchers {
		b := batches[i]
		sr := SourceResult{Name: f.Name(), Fetched: len(b.items), Err: b.err}
		if b.err != nil && len(b.items) == 0 {
			failed++
		}
		p.store(ctx, b.items, &sr)
		r.Sources = append(r.Sources, sr)
	}
	if err := ctx.Err(); err != nil {
		return r, err
	}
	if len(p.fetchers) > 0 && failed == len(p.fetchers) {
		r.Duration = time.Since(start)
		p.logger.Error("cycle abandoned", "error", ErrAllSourcesFailed)
		return r, ErrAllSourcesFailed
	}

	if p.enricher != nil {
		p.logger.Info("step 2/2: enriching recent entries")
		stats, err := p.enricher.ProcessRecent(ctx)
		if err != nil {
			r.Duration = time.Since(start)
			return r, fmt.Errorf("enrichment: %w", err)
		}
		r.Stats = *stats
		r.Enriched = true
	}

	r.Duration = time.Since(start)
	p.logger.Info("cycle complete",
		"new_entries", r.NewEntries(), "total", r.Total, "processed", r.Processed,
		"failed", r.Failed, "skipped", r.Skipped, "enhanced", r.Enhanced,
		"duration", r.Duration.Round(time.Millisecond))
	return r, nil
}

// FetchSource fetches and stores one named source without enriching.
func (p *Pipeline) FetchSource(ctx context.Context, name string) (*SourceResult, error) {
	f, ok := source.Lookup(p.fetchers, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if err := p.db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	items, err := f.Fetch(ctx, 0)
	sr := &SourceResult{Name: f.Name(), Fetched: len(items), Err: err}
	p.store(ctx, items, sr)
	if err != nil && len(items) == 0 {
		return sr, err
	}
	return sr, nil
}

// Enrich digests entries stored within the last hoursBack hours; zero uses the
// configured window.
func (p *Pipeline) Enrich(ctx context.Context, hoursBack int) (*enrich.Stats, error) {
	if p.enricher == nil {
		return nil, errors.New("enrichment is disabled in config")
	}
	if hoursBack <= 0 {
		return p.enricher.ProcessRecent(ctx)
	}
	return p.enricher.ProcessSince(ctx, p.now().Add(-time.Duration(hoursBack)*time.Hour))
}

// Regenerate rebuilds the record for one content ID.
func (p *Pipeline) Regenerate(ctx context.Context, contentID string) (*database.Record, enrich.ItemResult, error) {
	if p.enricher == nil {
		return nil, enrich.ItemResult{}, errors.New("enrichment is disabled in config")
	}
	return p.enricher.Regenerate(ctx, contentID)
}

type batch struct {
	items []source.RawItem
	err   error
}

// fetchAll returns one batch per fetcher, in fetcher order.
func (p *Pipeline) fetchAll(ctx context.Context) ([]batch, error) {
	batches := make([]batch, len(p.fetchers))
	run := func(i int) {
		f := p.fetchers[i]
		items, err := f.Fetch(ctx, 0)
		switch {
		case errors.Is(err, source.ErrQuotaExhausted):
			p.logger.Warn("source quota exhausted, keeping partial batch", "source", f.Name(), "items", len(items))
		case err != nil:
			p.logger.Error("source failed", "source", f.Name(), "error", err)
		default:
			p.logger.Info("source fetched", "source", f.Name(), "items", len(items))
		}
		batches[i] = batch{items: items, err: err}
	}

	if !p.parallel || len(p.fetchers) < 2 {
		for i := range p.fetchers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			run(i)
		}
		return batches, nil
	}

	workers := p.workers
	if workers <= 0 {
		workers = len(p.fetchers)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("creating source pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range p.fetchers {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			run(i)
		}); err != nil {
			wg.Done()
			batches[i] = batch{err: fmt.Errorf("submitting %s: %w", p.fetchers[i].Name(), err)}
		}
	}
	wg.Wait()
	return batches, nil
}

// store backfills, normalizes and upserts one source's items.
func (p *Pipeline) store(ctx context.Context, items []source.RawItem, sr *SourceResult) {
	if len(items) == 0 {
		return
	}
	if p.content != nil {
		sr.Backfill = p.content.Fill(ctx, items)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		entry := p.normalizer.Normalize(item)
		_, inserted, err := p.db.UpsertEntry(ctx, entry)
		if err != nil {
			sr.StoreErrors++
			p.logger.Error("storing entry failed", "content_id", entry.ContentID, "error", err)
			continue
		}
		if inserted {
			sr.New++
		} else {
			sr.Updated++
		}
	}
	p.logger.Info("source stored", "source", sr.Name, "new", sr.New, "updated", sr.Updated,
		"store_errors", sr.StoreErrors)
}
