package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/config"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

const hfMaxPage = 100

// HuggingFaceFetcher lists hub models under one or more sort orders.
// The hub has no quota endpoint, so only the retrier protects it.
type HuggingFaceFetcher struct {
	base
	cfg   config.HuggingFace
	token string
}

type hfModel struct {
	ID           string    `json:"id"`
	ModelID      string    `json:"modelId"`
	Author       string    `json:"author"`
	Downloads    int64     `json:"downloads"`
	Likes        int64     `json:"likes"`
	PipelineTag  string    `json:"pipeline_tag"`
	LibraryName  string    `json:"library_name"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
}

func NewHuggingFaceFetcher(cfg config.HuggingFace, token string, deps Deps) *HuggingFaceFetcher {
	f := &HuggingFaceFetcher{base: newBase("huggingface", deps), cfg: cfg, token: token}
	f.cfg.BaseURL = strings.TrimRight(f.cfg.BaseURL, "/")
	if f.cfg.Limit <= 0 {
		f.cfg.Limit = 10
	}
	if len(f.cfg.Sorts) == 0 {
		f.cfg.Sorts = []string{"lastModified"}
	}
	return f
}

// Fetch lists models once per configured sort order.
func (f *HuggingFaceFetcher) Fetch(ctx context.Context, limit int) ([]RawItem, error) {
	if limit <= 0 {
		limit = f.cfg.Limit
	}

	queries := make([]subQuery, 0, len(f.cfg.Sorts))
	for _, sort := range f.cfg.Sorts {
		queries = append(queries, subQuery{
			label: sort,
			run:   func(ctx context.Context, limit int) ([]RawItem, error) { return f.list(ctx, sort, limit) },
		})
	}

	items, err := f.collect(ctx, queries, limit)
	if f.cfg.FetchCard && ctx.Err() == nil {
		f.attachCards(ctx, items)
	}
	return items, err
}

func (f *HuggingFaceFetcher) list(ctx context.Context, sort string, limit int) ([]RawItem, error) {
	params := url.Values{
		"sort":      {sort},
		"direction": {"-1"},
		"limit":     {strconv.Itoa(min(limit, hfMaxPage))},
	}
	next := f.cfg.BaseURL + "/api/models?" + params.Encode()

	var items []RawItem
	for next != "" && len(items) < limit {
		resp, err := f.get(ctx, "", next, f.headers())
		if err != nil {
			return items, err
		}

		var models []hfModel
		if err := json.Unmarshal(resp.body, &models); err != nil {
			return items, retry.Permanent(fmt.Errorf("decoding model list: %w", err))
		}
		if len(models) == 0 {
			break
		}
		for _, m := range models {
			if len(items) == limit {
				break
			}
			items = append(items, f.toItem(m, sort))
		}
		next = nextLink(resp.header)
	}
	return items, nil
}

func (f *HuggingFaceFetcher) toItem(m hfModel, sort string) RawItem {
	id := m.ID
	if id == "" {
		id = m.ModelID
	}
	topics := hubTopics(m.Tags)

	return RawItem{
		Source:      f.name,
		ID:          "hf:" + id,
		Title:       id,
		Description: describeModel(id, m.PipelineTag, topics),
		URL:         "https://huggingface.co/" + id,
		Topics:      topics,
		Popularity:  m.Downloads,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.LastModified,
		Metadata: map[string]any{
			"model_id":     id,
			"author":       m.Author,
			"downloads":    m.Downloads,
			"likes":        m.Likes,
			"pipeline_tag": m.PipelineTag,
			"library":      m.LibraryName,
			"sort":         sort,
		},
	}
}

// attachCards fetches model cards in place; models without one are left as is.
func (f *HuggingFaceFetcher) attachCards(ctx context.Context, items []RawItem) {
	for i := range items {
		id := strings.TrimPrefix(items[i].ID, "hf:")
		resp, err := f.get(ctx, "", f.cfg.BaseURL+"/"+id+"/raw/main/README.md", f.headers())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Debug("model card unavailable", "model", id, "error", err)
			continue
		}
		items[i].Readme = stripFrontMatter(string(resp.body))
	}
}

func (f *HuggingFaceFetcher) headers() http.Header {
	h := http.Header{}
	if f.token != "" {
		h.Set("Authorization", "Bearer "+f.token)
	}
	return h
}

// hubTopics drops machine tags such as "license:mit" or "region:us".
func hubTopics(tags []string) []string {
	var out []string
	for _, t := range tags {
		if t != "" && !strings.Contains(t, ":") {
			out = append(out, t)
		}
	}
	return out
}

func describeModel(id, pipelineTag string, topics []string) string {
	task := pipelineTag
	if task == "" {
		task = "AI tasks"
	}
	desc := fmt.Sprintf("%s is a model specialized in %s.", id, strings.ReplaceAll(task, "-", " "))
	if len(topics) > 0 {
		desc += " Tags: " + strings.Join(topics, ", ") + "."
	}
	return desc
}

// stripFrontMatter removes a leading YAML block delimited by "---" lines.
func stripFrontMatter(s string) string {
	if !strings.HasPrefix(s, "---\n") && !strings.HasPrefix(s, "---\r\n") {
		return s
	}
	rest := s[strings.Index(s, "\n")+1:]
	for off := 0; off < len(rest); {
		end := strings.IndexByte(rest[off:], '\n')
		line := rest[off:]
		if end >= 0 {
			line = rest[off : off+end]
		}
		if strings.TrimRight(line, "\r") == "---" {
			if end < 0 {
				return ""
			}
			return rest[off+end+1:]
		}
		if end < 0 {
			break
		}
		off += end + 1
	}
	return s
}
