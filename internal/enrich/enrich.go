// Package enrich stores a basic digest for each new entry and upgrades it with a
// generated summary.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/database"
	"github.com/TobiSchelling/AIRadar/internal/llm"
	"github.com/TobiSchelling/AIRadar/internal/normalize"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

const enhancePrompt = `You are writing entries for a daily digest of new AI repositories, models and papers.

Title: %s
Source: %s
Current summary: %s
Content:
%s

Write a 2-3 sentence summary of what this is and why it matters to practitioners.
Then pick the single best category from: %s.

Respond with ONLY this JSON:
{
    "summary": "the summary",
    "category": "one category from the list"
}`

const (
	maxPromptContent = 4000
	maxSummaryRunes  = 600
)

var (
	// ErrNotFound is returned by Regenerate when no entry has the content ID.
	ErrNotFound = errors.New("entry not found")
	// ErrNoProvider means no generator is configured; records stay basic.
	ErrNoProvider = errors.New("no generator configured")
)

// Store is the slice of the database the enricher needs.
type Store interface {
	EntriesSince(ctx context.Context, since time.Time) ([]database.Entry, error)
	GetEntry(ctx context.Context, contentID string) (*database.Entry, error)
	HasRecord(ctx context.Context, contentID string) (bool, error)
	UpsertRecord(ctx context.Context, r database.Record) (*database.Record, error)
	MarkEnhanced(ctx context.Context, contentID, summary, category string, at time.Time) (bool, error)
	DeleteRecord(ctx context.Context, contentID string) (bool, error)
	GetRecord(ctx context.Context, contentID string) (*database.Record, error)
}

// Config controls batching and the generator call.
type Config struct {
	BatchSize    int
	BatchDelay   time.Duration
	HoursBack    int
	MaxTokens    int
	Recategorize bool
}

// DefaultConfig returns batches of 10, 30s apart, over the last 24 hours.
func DefaultConfig() Config {
	return Config{BatchSize: 10, BatchDelay: 30 * time.Second, HoursBack: 24, MaxTokens: 512, Recategorize: true}
}

// Enricher runs the basic-then-enhanced digest cycle.
type Enricher struct {
	store    Store
	provider llm.Provider
	retrier  *retry.Retrier
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	inflight sync.Map
	logger   *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// WithSleep replaces the inter-batch sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Enricher) { e.sleep = fn }
}

// New creates an Enricher. A nil provider leaves every record basic.
func New(store Store, provider llm.Provider, retrier *retry.Retrier, cfg Config, opts ...Option) *Enricher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.HoursBack <= 0 {
		cfg.HoursBack = def.HoursBack
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if retrier == nil {
		retrier = retry.New(retry.DefaultPolicy())
	}

	e := &Enricher{
		store:    store,
		provider: provider,
		retrier:  retrier,
		cfg:      cfg,
		now:      time.Now,
		sleep:    retry.Sleep,
		logger:   slog.Default().With("component", "enrich"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessRecent digests every entry stored within the configured window, oldest
// first, in batches separated by the batch delay. Per-entry problems are counted,
// not returned; the error is reserved for an unreadable store or cancellation.
func (e *Enricher) ProcessRecent(ctx context.Context) (*Stats, error) {
	return e.ProcessSince(ctx, e.now().Add(-time.Duration(e.cfg.HoursBack)*time.Hour))
}

// ProcessSince digests every entry stored at or after since.
func (e *Enricher) ProcessSince(ctx context.Context, since time.Time) (*Stats, error) {
	entries, err := e.store.EntriesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}
	return e.Process(ctx, entries)
}

// Process digests the given entries in batches.
func (e *Enricher) Process(ctx context.Context, entries []database.Entry) (*Stats, error) {
	stats := &Stats{}
	if len(entries) == 0 {
		e.logger.Info("no entries pending enrichment")
		return stats, nil
	}

	batches := (len(entries) + e.cfg.BatchSize - 1) / e.cfg.BatchSize
	for b := 0; b < batches; b++ {
		if b > 0 {
			e.logger.Debug("waiting between batches", "delay", e.cfg.BatchDelay)
			if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
				return stats, err
			}
		}

		start := b * e.cfg.BatchSize
		batch := entries[start:min(start+e.cfg.BatchSize, len(entries))]
		for _, entry := range batch {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Add(e.processEntry(ctx, entry))
		}
		e.logger.Info("batch done", "batch", b+1, "of", batches, "items", len(batch))
	}

	e.logger.Info("enrichment complete",
		"total", stats.Total, "processed", stats.Processed, "enhanced", stats.Enhanced,
		"missed", stats.Missed, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

func (e *Enricher) processEntry(ctx context.Context, entry database.Entry) ItemResult {
	id := entry.ContentID
	if _, busy := e.inflight.LoadOrStore(id, struct{}{}); busy {
		return ItemResult{ContentID: id, Outcome: OutcomeSkipped}
	}
	defer e.inflight.Delete(id)

	exists, err := e.store.HasRecord(ctx, id)
	if err != nil {
		e.logger.Error("record lookup failed", "content_id", id, "error", err)
		return ItemResult{ContentID: id, Outcome: OutcomeFailed, Err: err}
	}
	if exists {
		return ItemResult{ContentID: id, Outcome: OutcomeSkipped}
	}

	return e.digest(ctx, entry)
}

// digest writes the basic record and then tries the upgrade.
func (e *Enricher) digest(ctx context.Context, entry database.Entry) ItemResult {
	id := entry.ContentID
	if _, err := e.store.UpsertRecord(ctx, basicRecord(entry)); err != nil {
		e.logger.Error("storing basic digest failed", "content_id", id, "error", err)
		return ItemResult{ContentID: id, Outcome: OutcomeFailed, Err: err}
	}

	if err := e.upgrade(ctx, entry); err != nil {
		e.logger.Warn("enhancement missed, keeping basic summary", "content_id", id, "error", err)
		return ItemResult{ContentID: id, Outcome: OutcomeProcessed, Err: err}
	}
	e.logger.Debug("digest enhanced", "content_id", id)
	return ItemResult{ContentID: id, Outcome: OutcomeProcessed, Enhanced: true}
}

func (e *Enricher) upgrade(ctx context.Context, entry database.Entry) error {
	if e.provider == nil {
		return ErrNoProvider
	}

	prompt := buildPrompt(entry)
	answer, err := retry.Do(ctx, e.retrier, func(ctx context.Context) (string, error) {
		return e.provider.Generate(ctx, prompt, e.cfg.MaxTokens)
	})
	if err != nil {
		return fmt.Errorf("generating summary: %w", err)
	}

	summary, category := parseAnswer(answer)
	if summary == "" {
		return errors.New("generator returned an empty summary")
	}
	if !e.cfg.Recategorize {
		category = ""
	}

	ok, err := e.store.MarkEnhanced(ctx, entry.ContentID, summary, category, e.now())
	if err != nil {
		return fmt.Errorf("storing enhanced digest: %w", err)
	}
	if !ok {
		return errors.New("record vanished or was already enhanced")
	}
	return nil
}

// Regenerate deletes the record for contentID and digests its entry again.
// If the basic write fails the identity is left without a record.
func (e *Enricher) Regenerate(ctx context.Context, contentID string) (*database.Record, ItemResult, error) {
	entry, err := e.store.GetEntry(ctx, contentID)
	if err != nil {
		return nil, ItemResult{}, fmt.Errorf("looking up entry %s: %w", contentID, err)
	}
	if entry == nil {
		return nil, ItemResult{}, fmt.Errorf("%s: %w", contentID, ErrNotFound)
	}

	if _, busy := e.inflight.LoadOrStore(contentID, struct{}{}); busy {
		return nil, ItemResult{ContentID: contentID, Outcome: OutcomeSkipped}, nil
	}
	defer e.inflight.Delete(contentID)

	if _, err := e.store.DeleteRecord(ctx, contentID); err != nil {
		return nil, ItemResult{}, fmt.Errorf("deleting record %s: %w", contentID, err)
	}

	res := e.digest(ctx, *entry)
	if res.Outcome == OutcomeFailed {
		return nil, res, res.Err
	}
	rec, err := e.store.GetRecord(ctx, contentID)
	if err != nil {
		return nil, res, err
	}
	return rec, res, nil
}

func basicRecord(entry database.Entry) database.Record {
	r := entry.Record
	r.ID = 0
	r.Enhanced = false
	r.EnhancedAt = nil
	if r.Category == "" {
		r.Category = normalize.Uncategorized
	}
	return r
}

func buildPrompt(entry database.Entry) string {
	content := entry.Content
	if content == "" {
		content = entry.Summary
	}
	return fmt.Sprintf(enhancePrompt,
		entry.Title,
		entry.Source,
		entry.Summary,
		normalize.Truncate(content, maxPromptContent),
		strings.Join(normalize.Categories(), ", "),
	)
}

// parseAnswer reads the JSON answer; a non-JSON answer is used whole as the
// summary. Unknown categories are dropped.
func parseAnswer(answer string) (summary, category string) {
	parsed := llm.ParseJSONResponse(answer)
	if parsed == nil {
		return normalize.Truncate(strings.TrimSpace(answer), maxSummaryRunes), ""
	}

	if s, ok := parsed["summary"].(string); ok {
		summary = normalize.Truncate(strings.Join(strings.Fields(s), " "), maxSummaryRunes)
	}
	if c, ok := parsed["category"].(string); ok {
		c = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c)), " ", "_")
		if normalize.IsCategory(c) {
			category = c
		}
	}
	return summary, category
}
