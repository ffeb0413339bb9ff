package normalize

import (
	"maps"
	"strings"

	"github.com/TobiSchelling/AIRadar/internal/database"
	"github.com/TobiSchelling/AIRadar/internal/source"
)

// Options controls summary and stored body sizes.
type Options struct {
	Sentences  int
	Budget     int
	ContentMax int
}

// DefaultOptions returns the standard extractive summary settings.
func DefaultOptions() Options {
	return Options{Sentences: DefaultSentences, Budget: DefaultBudget, ContentMax: 8000}
}

// Normalizer turns fetched items into unenriched entries.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer. Zero fields fall back to DefaultOptions.
func New(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.Sentences <= 0 {
		opts.Sentences = def.Sentences
	}
	if opts.Budget <= 0 {
		opts.Budget = def.Budget
	}
	if opts.ContentMax <= 0 {
		opts.ContentMax = def.ContentMax
	}
	return &Normalizer{opts: opts}
}

// Normalize converts a RawItem into an Entry keyed by the item's content ID.
// It is pure: the same item always yields the same entry.
func (n *Normalizer) Normalize(item source.RawItem) database.Entry {
	title := collapseSpace(item.Title)
	description := HTMLText(item.Description)
	readme := MarkdownText(item.Readme)

	body := joinNonEmpty("\n\n", description, readme)
	summary := Summarize(body, n.opts.Sentences, n.opts.Budget)
	if summary == "" {
		summary = Truncate(title, n.opts.Budget)
	}

	searchable := joinNonEmpty(" ", title, description, readme)

	meta := make(map[string]any, len(item.Metadata)+2)
	maps.Copy(meta, item.Metadata)
	if item.Language != "" {
		meta["language"] = item.Language
	}
	meta["relevance"] = Scores(searchable)

	var url *string
	if u := strings.TrimSpace(item.URL); u != "" {
		url = &u
	}

	return database.Entry{
		Record: database.Record{
			ContentID: item.ID,
			Title:     title,
			Summary:   summary,
			Source:    item.Source,
			Category:  Categorize(searchable),
			Tags:      Tags(searchable, item.Topics, item.Language),
			URL:       url,
			Metadata:  meta,
		},
		Content: Truncate(body, n.opts.ContentMax),
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
