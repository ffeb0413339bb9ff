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
	"github.com/TobiSchelling/AIRadar/internal/quota"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

const (
	githubSearchKey = "github/search"
	githubCoreKey   = "github/core"
	githubMaxPage   = 100
	// Search only ever serves the first 1000 results.
	githubMaxResults = 1000
)

// GitHubFetcher searches repositories by keyword.
type GitHubFetcher struct {
	base
	cfg   config.GitHub
	token string
}

type githubRepo struct {
	FullName        string    `json:"full_name"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	HTMLURL         string    `json:"html_url"`
	StargazersCount int64     `json:"stargazers_count"`
	ForksCount      int64     `json:"forks_count"`
	Language        string    `json:"language"`
	Topics          []string  `json:"topics"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Owner           struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// NewGitHubFetcher creates a fetcher and registers its rate-limit reporter.
func NewGitHubFetcher(cfg config.GitHub, token string, deps Deps) *GitHubFetcher {
	f := &GitHubFetcher{base: newBase("github", deps), cfg: cfg, token: token}
	f.cfg.BaseURL = strings.TrimRight(f.cfg.BaseURL, "/")
	if f.cfg.Limit <= 0 {
		f.cfg.Limit = 10
	}
	f.guard.Register(githubSearchKey, quota.ReporterFunc(f.searchStatus), cfg.SearchRateLimitThreshold)
	f.guard.Register(githubCoreKey, quota.ReporterFunc(f.coreStatus), cfg.RateLimitThreshold)
	return f
}

// Fetch runs one search per keyword and optionally attaches READMEs.
func (f *GitHubFetcher) Fetch(ctx context.Context, limit int) ([]RawItem, error) {
	if limit <= 0 {
		limit = f.cfg.Limit
	}

	queries := make([]subQuery, 0, len(f.cfg.Keywords))
	for _, kw := range f.cfg.Keywords {
		queries = append(queries, subQuery{
			label: kw,
			run:   func(ctx context.Context, limit int) ([]RawItem, error) { return f.search(ctx, kw, limit) },
		})
	}

	items, err := f.collect(ctx, queries, limit)
	if f.cfg.FetchReadme && ctx.Err() == nil {
		f.attachReadmes(ctx, items)
	}
	return items, err
}

func (f *GitHubFetcher) search(ctx context.Context, keyword string, limit int) ([]RawItem, error) {
	perPage := min(limit, githubMaxPage)
	q := f.searchQuery(keyword)

	var items []RawItem
	for page := 1; len(items) < limit && (page-1)*perPage < githubMaxResults; page++ {
		params := url.Values{
			"q":        {q},
			"sort":     {"stars"},
			"order":    {"desc"},
			"per_page": {strconv.Itoa(perPage)},
			"page":     {strconv.Itoa(page)},
		}
		resp, err := f.get(ctx, githubSearchKey, f.cfg.BaseURL+"/search/repositories?"+params.Encode(), f.headers("application/vnd.github+json"))
		if err != nil {
			return items, err
		}

		var result struct {
			TotalCount int          `json:"total_count"`
			Items      []githubRepo `json:"items"`
		}
		if err := json.Unmarshal(resp.body, &result); err != nil {
			return items, retry.Permanent(fmt.Errorf("decoding search results: %w", err))
		}

		for _, r := range result.Items {
			if len(items) == limit {
				break
			}
			items = append(items, f.toItem(r, keyword))
		}
		if len(result.Items) < perPage || page*perPage >= result.TotalCount {
			break
		}
	}
	return items, nil
}

func (f *GitHubFetcher) searchQuery(keyword string) string {
	parts := []string{keyword}
	if f.cfg.DaysBack > 0 {
		since := f.now().AddDate(0, 0, -f.cfg.DaysBack).Format("2006-01-02")
		parts = append(parts, "created:>"+since)
	}
	if f.cfg.MinStars > 0 {
		parts = append(parts, fmt.Sprintf("stars:>%d", f.cfg.MinStars))
	}
	if f.cfg.Language != "" {
		parts = append(parts, "language:"+f.cfg.Language)
	}
	return strings.Join(parts, " ")
}

func (f *GitHubFetcher) toItem(r githubRepo, keyword string) RawItem {
	return RawItem{
		Source:      f.name,
		ID:          r.FullName,
		Title:       r.Name,
		Description: r.Description,
		URL:         r.HTMLURL,
		Language:    r.Language,
		Topics:      r.Topics,
		Popularity:  r.StargazersCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Metadata: map[string]any{
			"stars":      r.StargazersCount,
			"forks":      r.ForksCount,
			"owner":      r.Owner.Login,
			"keyword":    keyword,
			"updated_at": r.UpdatedAt.Format(time.RFC3339),
		},
	}
}

// attachReadmes fills Readme in place. Missing READMEs are normal and ignored.
func (f *GitHubFetcher) attachReadmes(ctx context.Context, items []RawItem) {
	for i := range items {
		resp, err := f.get(ctx, githubCoreKey,
			f.cfg.BaseURL+"/repos/"+items[i].ID+"/readme", f.headers("application/vnd.github.raw"))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Debug("readme unavailable", "repo", items[i].ID, "error", err)
			continue
		}
		items[i].Readme = string(resp.body)
	}
}

func (f *GitHubFetcher) headers(accept string) http.Header {
	h := http.Header{}
	h.Set("Accept", accept)
	h.Set("X-GitHub-Api-Version", "2022-11-28")
	if f.token != "" {
		h.Set("Authorization", "Bearer "+f.token)
	}
	return h
}

type githubRate struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

func (f *GitHubFetcher) rateLimits(ctx context.Context) (map[string]githubRate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL+"/rate_limit", nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range f.headers("application/vnd.github+json") {
		req.Header[k] = vs
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate_limit returned %d", resp.StatusCode)
	}

	var result struct {
		Resources map[string]githubRate `json:"resources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding rate_limit: %w", err)
	}
	return result.Resources, nil
}

func (f *GitHubFetcher) searchStatus(ctx context.Context) (quota.Status, error) {
	return f.resourceStatus(ctx, "search")
}

func (f *GitHubFetcher) coreStatus(ctx context.Context) (quota.Status, error) {
	return f.resourceStatus(ctx, "core")
}

func (f *GitHubFetcher) resourceStatus(ctx context.Context, resource string) (quota.Status, error) {
	limits, err := f.rateLimits(ctx)
	if err != nil {
		return quota.Status{}, err
	}
	r, ok := limits[resource]
	if !ok {
		return quota.Status{}, fmt.Errorf("rate_limit has no %q resource", resource)
	}
	return quota.Status{Limit: r.Limit, Remaining: r.Remaining, Reset: time.Unix(r.Reset, 0)}, nil
}
