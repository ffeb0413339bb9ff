package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/database"
)

// DryRunReport describes what a cycle would touch, without any remote call.
type DryRunReport struct {
	Sources           []string
	Stats             *database.Stats
	Window            time.Duration
	RecentEntries     int
	PendingEnrichment int
	EnrichmentEnabled bool
}

// DryRun reports the enabled sources, what is stored and what enrichment would pick up.
func (p *Pipeline) DryRun(ctx context.Context) (*DryRunReport, error) {
	if err := p.db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	stats, err := p.db.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading store stats: %w", err)
	}

	window := time.Duration(p.hoursBack) * time.Hour
	entries, err := p.db.EntriesSince(ctx, p.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("querying recent entries: %w", err)
	}

	pending := 0
	for _, e := range entries {
		has, err := p.db.HasRecord(ctx, e.ContentID)
		if err != nil {
			return nil, err
		}
		if !has {
			pending++
		}
	}

	return &DryRunReport{
		Sources:           p.Sources(),
		Stats:             stats,
		Window:            window,
		RecentEntries:     len(entries),
		PendingEnrichment: pending,
		EnrichmentEnabled: p.enricher != nil,
	}, nil
}
