package source

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/AIRadar/internal/config"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

const arxivMaxPage = 100

var arxivVersion = regexp.MustCompile(`v\d+$`)

// ArxivFetcher reads the newest submissions per category from the arXiv Atom API.
type ArxivFetcher struct {
	base
	cfg    config.Arxiv
	parser *gofeed.Parser
	// requested is false until the first call of the process.
	requested bool
}

func NewArxivFetcher(cfg config.Arxiv, deps Deps) *ArxivFetcher {
	f := &ArxivFetcher{base: newBase("arxiv", deps), cfg: cfg, parser: gofeed.NewParser()}
	if f.cfg.Limit <= 0 {
		f.cfg.Limit = 5
	}
	return f
}

// Fetch queries each configured category, newest submissions first.
func (f *ArxivFetcher) Fetch(ctx context.Context, limit int) ([]RawItem, error) {
	if limit <= 0 {
		limit = f.cfg.Limit
	}

	queries := make([]subQuery, 0, len(f.cfg.Categories))
	for _, cat := range f.cfg.Categories {
		queries = append(queries, subQuery{
			label: cat,
			run:   func(ctx context.Context, limit int) ([]RawItem, error) { return f.category(ctx, cat, limit) },
		})
	}
	return f.collect(ctx, queries, limit)
}

func (f *ArxivFetcher) category(ctx context.Context, cat string, limit int) ([]RawItem, error) {
	pageSize := min(limit, arxivMaxPage)

	var items []RawItem
	for start := 0; len(items) < limit; start += pageSize {
		if err := f.pause(ctx); err != nil {
			return items, err
		}

		params := url.Values{
			"search_query": {"cat:" + cat},
			"sortBy":       {"submittedDate"},
			"sortOrder":    {"descending"},
			"start":        {strconv.Itoa(start)},
			"max_results":  {strconv.Itoa(pageSize)},
		}
		resp, err := f.get(ctx, "", f.cfg.BaseURL+"?"+params.Encode(), nil)
		if err != nil {
			return items, err
		}

		feed, err := f.parser.ParseString(string(resp.body))
		if err != nil {
			return items, retry.Permanent(fmt.Errorf("parsing arxiv feed: %w", err))
		}

		for _, entry := range feed.Items {
			if len(items) == limit {
				break
			}
			if item, ok := f.toItem(entry, cat); ok {
				items = append(items, item)
			}
		}
		if len(feed.Items) < pageSize {
			break
		}
	}
	return items, nil
}

// pause keeps the configured delay between consecutive API calls.
func (f *ArxivFetcher) pause(ctx context.Context) error {
	if !f.requested {
		f.requested = true
		return nil
	}
	return f.sleep(ctx, f.cfg.RequestDelay)
}

func (f *ArxivFetcher) toItem(entry *gofeed.Item, cat string) (RawItem, bool) {
	id := arxivID(entry.GUID)
	if id == "" {
		id = arxivID(entry.Link)
	}
	title := strings.Join(strings.Fields(entry.Title), " ")
	if id == "" || title == "" {
		return RawItem{}, false
	}

	var published, updated time.Time
	if entry.PublishedParsed != nil {
		published = *entry.PublishedParsed
	}
	if entry.UpdatedParsed != nil {
		updated = *entry.UpdatedParsed
	}

	authors := make([]string, 0, len(entry.Authors))
	for _, a := range entry.Authors {
		if a != nil && a.Name != "" {
			authors = append(authors, a.Name)
		}
	}

	var popularity int64
	if !published.IsZero() {
		popularity = published.Unix()
	}

	link := entry.Link
	if link == "" {
		link = "https://arxiv.org/abs/" + id
	}

	return RawItem{
		Source:      f.name,
		ID:          "arxiv:" + id,
		Title:       title,
		Description: entry.Description,
		URL:         link,
		Popularity:  popularity,
		CreatedAt:   published,
		UpdatedAt:   updated,
		Metadata: map[string]any{
			"arxiv_id":   id,
			"authors":    authors,
			"categories": entry.Categories,
			"query":      cat,
			"published":  published.Format(time.RFC3339),
		},
	}, true
}

// arxivID extracts "2401.01234" from "http://arxiv.org/abs/2401.01234v2".
func arxivID(ref string) string {
	ref = strings.TrimSpace(ref)
	i := strings.LastIndex(ref, "/abs/")
	if i < 0 {
		return ""
	}
	return arxivVersion.ReplaceAllString(ref[i+len("/abs/"):], "")
}
