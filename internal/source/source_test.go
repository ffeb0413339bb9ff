package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/AIRadar/internal/config"
	"github.com/TobiSchelling/AIRadar/internal/quota"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func testDeps(client *http.Client, rec *sleepRecorder) Deps {
	noSleep := retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	return Deps{
		Client:           client,
		Retrier:          retry.New(retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, noSleep),
		Guard:            quota.NewGuard(0, time.Minute, quota.WithSleep(rec.sleep)),
		ExhaustedSuspend: time.Hour,
		Sleep:            rec.sleep,
	}
}

func TestFinalizeDedupLastWinsAndSorts(t *testing.T) {
	items := []RawItem{
		{ID: "b", Popularity: 5, Title: "old b"},
		{ID: "a", Popularity: 5},
		{ID: "c", Popularity: 9},
		{ID: "b", Popularity: 7, Title: "new b"},
	}
	got := finalize(items)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "new b", got[1].Title)

	assert.Nil(t, finalize(nil))
}

func TestFinalizeTieBreaksByID(t *testing.T) {
	got := finalize([]RawItem{{ID: "z", Popularity: 1}, {ID: "m", Popularity: 1}, {ID: "a", Popularity: 1}})
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "z", got[2].ID)
}

func TestClassifyResponse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name   string
		status int
		header map[string]string
		body   string
		want   retry.Kind
	}{
		{"too many requests", 429, map[string]string{"Retry-After": "7"}, "", retry.KindRateLimited},
		{"quota exhausted", 403, map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": "1700000600"}, "", retry.KindQuotaExhausted},
		{"secondary limit", 403, nil, "You have exceeded a secondary rate limit", retry.KindRateLimited},
		{"forbidden", 403, nil, "nope", retry.KindPermanent},
		{"server error", 502, nil, "", retry.KindTransient},
		{"not found", 404, nil, "", retry.KindPermanent},
		{"unprocessable", 422, nil, "", retry.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tc.status,
				Header:     http.Header{},
				Request:    httptest.NewRequest(http.MethodGet, "https://api.example.com/x", nil),
			}
			for k, v := range tc.header {
				resp.Header.Set(k, v)
			}
			err := classifyResponse(resp, []byte(tc.body), now)
			require.Error(t, err)
			assert.Equal(t, tc.want, retry.KindOf(err))

			var re *retry.Error
			require.ErrorAs(t, err, &re)
			switch tc.want {
			case retry.KindQuotaExhausted:
				assert.Equal(t, time.Unix(1_700_000_600, 0), re.Reset)
			case retry.KindRateLimited:
				if tc.status == 429 {
					assert.Equal(t, 7*time.Second, re.RetryAfter)
				}
			}
		})
	}

	ok := &http.Response{StatusCode: 200, Header: http.Header{}}
	assert.NoError(t, classifyResponse(ok, nil, now))
}

func TestNextLink(t *testing.T) {
	h := http.Header{}
	h.Add("Link", `<https://hf.co/api/models?cursor=abc>; rel="next", <https://hf.co/api/models?cursor=zzz>; rel="last"`)
	assert.Equal(t, "https://hf.co/api/models?cursor=abc", nextLink(h))
	assert.Equal(t, "", nextLink(http.Header{}))
}

func TestStripFrontMatter(t *testing.T) {
	assert.Equal(t, "# Card\nBody", stripFrontMatter("---\nlicense: mit\ntags:\n- x\n---\n# Card\nBody"))
	assert.Equal(t, "# No front matter", stripFrontMatter("# No front matter"))
	assert.Equal(t, "---\nunterminated", stripFrontMatter("---\nunterminated"))
}

func TestArxivID(t *testing.T) {
	assert.Equal(t, "2401.01234", arxivID("http://arxiv.org/abs/2401.01234v2"))
	assert.Equal(t, "hep-th/9901001", arxivID("http://arxiv.org/abs/hep-th/9901001v1"))
	assert.Equal(t, "", arxivID("not a link"))
}

// githubServer serves search results per keyword from repos, with pages of
// per_page items. Keywords listed in fail answer with the given status. A nil
// search rate reports a healthy search budget from /rate_limit.
type githubServer struct {
	mu       sync.Mutex
	repos    map[string][]githubRepo
	fail     map[string]int
	exhaust  map[string]bool
	readmes  map[string]string
	search   *stubRate
	requests []string
}

type stubRate struct {
	remaining int
	reset     time.Time
}

func (s *githubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path+"?"+r.URL.RawQuery)
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/rate_limit":
		reset := time.Now().Add(time.Hour).Unix()
		search := stubRate{remaining: 29, reset: time.Unix(reset, 0)}
		if s.search != nil {
			search = *s.search
		}
		fmt.Fprintf(w, `{"resources":{"core":{"limit":5000,"remaining":4999,"reset":%d},"search":{"limit":30,"remaining":%d,"reset":%d}}}`,
			reset, search.remaining, search.reset.Unix())
	case r.URL.Path == "/search/repositories":
		keyword := strings.Fields(r.URL.Query().Get("q"))[0]
		if s.exhaust[keyword] {
			w.Header().Set("X-RateLimit-Limit", "30")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(2*time.Minute).Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
			return
		}
		if code, ok := s.fail[keyword]; ok {
			w.WriteHeader(code)
			return
		}
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		all := s.repos[keyword]
		lo := min((page-1)*perPage, len(all))
		hi := min(lo+perPage, len(all))
		json.NewEncoder(w).Encode(map[string]any{"total_count": len(all), "items": all[lo:hi]})
	case strings.HasSuffix(r.URL.Path, "/readme"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/repos/"), "/readme")
		readme, ok := s.readmes[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Accept") != "application/vnd.github.raw" {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		fmt.Fprint(w, readme)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *githubServer) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func repos(prefix string, n int, stars int64) []githubRepo {
	out := make([]githubRepo, n)
	for i := range out {
		name := fmt.Sprintf("%s-%03d", prefix, i)
		out[i] = githubRepo{
			FullName:        "user/" + name,
			Name:            name,
			Description:     "Repo " + name,
			HTMLURL:         "https://github.com/user/" + name,
			StargazersCount: stars - int64(i),
			Language:        "Python",
		}
	}
	return out
}

func newGitHub(t *testing.T, srv *githubServer, cfg config.GitHub, rec *sleepRecorder) *GitHubFetcher {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	cfg.BaseURL = ts.URL
	return NewGitHubFetcher(cfg, "token", testDeps(ts.Client(), rec))
}

func TestGitHubFetchDedupsAcrossKeywords(t *testing.T) {
	shared := githubRepo{FullName: "user/repo-x", Name: "repo-x", StargazersCount: 500, Description: "old"}
	updated := shared
	updated.Description = "new"

	srv := &githubServer{repos: map[string][]githubRepo{
		"llm":    {shared, {FullName: "user/a", StargazersCount: 10}},
		"agents": {updated, {FullName: "user/b", StargazersCount: 20}},
	}}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"llm", "agents"}, Limit: 10}, &sleepRecorder{})

	items, err := f.Fetch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "user/repo-x", items[0].ID)
	assert.Equal(t, "new", items[0].Description)
	assert.Equal(t, "user/b", items[1].ID)
	assert.Equal(t, "user/a", items[2].ID)
	assert.Equal(t, "github", items[0].Source)
	assert.Equal(t, int64(500), items[0].Metadata["stars"])
}

func TestGitHubFetchStopsAtLimit(t *testing.T) {
	srv := &githubServer{repos: map[string][]githubRepo{"llm": repos("r", 450, 1000)}}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"llm"}}, &sleepRecorder{})

	items, err := f.Fetch(context.Background(), 150)
	require.NoError(t, err)
	assert.Len(t, items, 150)
	assert.Equal(t, 2, srv.count("/search/repositories"), "second page completes the limit")
}

func TestGitHubFetchSkipsFailingKeyword(t *testing.T) {
	srv := &githubServer{
		repos: map[string][]githubRepo{"llm": repos("ok", 2, 100)},
		fail:  map[string]int{"broken": http.StatusUnprocessableEntity},
	}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"broken", "llm"}, Limit: 5}, &sleepRecorder{})

	items, err := f.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestGitHubFetchRetriesServerErrors(t *testing.T) {
	var calls int
	srv := &githubServer{repos: map[string][]githubRepo{"llm": repos("ok", 1, 100)}}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search/repositories" {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
		}
		srv.ServeHTTP(w, r)
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	f := NewGitHubFetcher(config.GitHub{BaseURL: ts.URL, Keywords: []string{"llm"}}, "", testDeps(ts.Client(), &sleepRecorder{}))
	items, err := f.Fetch(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, calls)
}

func TestGitHubFetchAllKeywordsFail(t *testing.T) {
	srv := &githubServer{fail: map[string]int{"a": 404, "b": 404}}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"a", "b"}}, &sleepRecorder{})

	items, err := f.Fetch(context.Background(), 5)
	assert.ErrorIs(t, err, ErrAllQueriesFailed)
	assert.Empty(t, items)
}

func TestGitHubFetchQuotaExhaustedSuspendsAndReturnsPartial(t *testing.T) {
	srv := &githubServer{
		repos:   map[string][]githubRepo{"first": repos("f", 2, 50), "third": repos("t", 2, 50)},
		exhaust: map[string]bool{"second": true},
	}
	rec := &sleepRecorder{}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"first", "second", "third"}, Limit: 5}, rec)

	items, err := f.Fetch(context.Background(), 0)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Len(t, items, 2, "items gathered before the exhaustion are kept")

	sleeps := rec.recorded()
	require.Len(t, sleeps, 1)
	assert.Greater(t, sleeps[0], 100*time.Second)
	assert.LessOrEqual(t, sleeps[0], 2*time.Minute)

	for _, r := range srv.requests {
		assert.NotContains(t, r, "q=third", "fetch must stop after exhaustion")
	}

	st, ok := f.guard.Status(githubSearchKey)
	require.True(t, ok)
	assert.Equal(t, 0, st.Remaining)
}

func TestGitHubFetchAttachesReadmes(t *testing.T) {
	srv := &githubServer{
		repos:   map[string][]githubRepo{"llm": repos("r", 2, 10)},
		readmes: map[string]string{"user/r-000": "# R\n\nA readme."},
	}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"llm"}, FetchReadme: true}, &sleepRecorder{})

	items, err := f.Fetch(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "# R\n\nA readme.", items[0].Readme)
	assert.Empty(t, items[1].Readme)
}

func TestGitHubFetchWaitsForLowSearchQuota(t *testing.T) {
	srv := &githubServer{
		repos:  map[string][]githubRepo{"llm": repos("r", 1, 10)},
		search: &stubRate{remaining: 1, reset: time.Now().Add(90 * time.Second)},
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var (
		sleeps         []time.Duration
		searchesBefore []int
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		searchesBefore = append(searchesBefore, srv.count("/search/repositories"))
		return ctx.Err()
	}
	deps := testDeps(ts.Client(), &sleepRecorder{})
	deps.Guard = quota.NewGuard(30*time.Second, 0, quota.WithSleep(sleep))

	cfg := config.GitHub{BaseURL: ts.URL, Keywords: []string{"llm"}, SearchRateLimitThreshold: 5}
	items, err := NewGitHubFetcher(cfg, "", deps).Fetch(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.Len(t, sleeps, 1)
	assert.Greater(t, sleeps[0], 115*time.Second, "reset distance plus margin")
	assert.LessOrEqual(t, sleeps[0], 120*time.Second)
	assert.Equal(t, []int{0}, searchesBefore, "wait happens before the search request")
}

func TestGitHubSearchUsesItsOwnThreshold(t *testing.T) {
	srv := &githubServer{
		repos:  map[string][]githubRepo{"llm": repos("r", 1, 10)},
		search: &stubRate{remaining: 5, reset: time.Now().Add(time.Minute)},
	}
	rec := &sleepRecorder{}
	cfg := config.GitHub{Keywords: []string{"llm"}, RateLimitThreshold: 10, SearchRateLimitThreshold: 2}
	f := newGitHub(t, srv, cfg, rec)

	items, err := f.Fetch(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Empty(t, rec.recorded(), "5 search calls left is above the search threshold")
}

func TestGitHubFetchChecksQuotaOnEveryAttempt(t *testing.T) {
	var calls int
	srv := &githubServer{
		repos:  map[string][]githubRepo{"llm": repos("ok", 1, 100)},
		search: &stubRate{remaining: 1, reset: time.Now().Add(time.Minute)},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search/repositories" {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
		}
		srv.ServeHTTP(w, r)
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	rec := &sleepRecorder{}
	cfg := config.GitHub{BaseURL: ts.URL, Keywords: []string{"llm"}, SearchRateLimitThreshold: 2}
	items, err := NewGitHubFetcher(cfg, "", testDeps(ts.Client(), rec)).Fetch(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, srv.count("/rate_limit"), "retried attempt consults the guard again")
	assert.Len(t, rec.recorded(), 2)
}

func TestGitHubSearchQuery(t *testing.T) {
	f := NewGitHubFetcher(config.GitHub{DaysBack: 7, MinStars: 10, Language: "python"}, "", Deps{})
	f.now = func() time.Time { return time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC) }
	assert.Equal(t, "llm created:>2026-02-01 stars:>10 language:python", f.searchQuery("llm"))
}

func TestHuggingFaceFetchFollowsLinkPagination(t *testing.T) {
	var ts *httptest.Server
	pages := map[string][]hfModel{
		"":  {{ID: "org/a", Downloads: 10, PipelineTag: "text-generation", Tags: []string{"transformers", "license:mit"}}, {ID: "org/b", Downloads: 30}},
		"2": {{ID: "org/c", Downloads: 20}, {ID: "org/d", Downloads: 40}},
	}
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/models":
			assert.Equal(t, "-1", r.URL.Query().Get("direction"))
			cursor := r.URL.Query().Get("cursor")
			if cursor == "" {
				w.Header().Set("Link", fmt.Sprintf(`<%s/api/models?cursor=2&direction=-1&sort=downloads>; rel="next"`, ts.URL))
			}
			json.NewEncoder(w).Encode(pages[cursor])
		case r.URL.Path == "/org/a/raw/main/README.md":
			fmt.Fprint(w, "---\nlicense: mit\n---\n# A\n\nA small model.")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	f := NewHuggingFaceFetcher(config.HuggingFace{BaseURL: ts.URL, Sorts: []string{"downloads"}, FetchCard: true},
		"", testDeps(ts.Client(), &sleepRecorder{}))

	items, err := f.Fetch(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"hf:org/b", "hf:org/c", "hf:org/a"}, []string{items[0].ID, items[1].ID, items[2].ID})

	a := items[2]
	assert.Equal(t, "https://huggingface.co/org/a", a.URL)
	assert.Equal(t, []string{"transformers"}, a.Topics)
	assert.Contains(t, a.Description, "text generation")
	assert.Equal(t, "# A\n\nA small model.", a.Readme)
}

const arxivFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>arXiv Query</title>
  <id>http://arxiv.org/api/query</id>
  <updated>2026-02-01T00:00:00Z</updated>
  %s
</feed>`

func arxivEntry(id, title string, published time.Time) string {
	return fmt.Sprintf(`<entry>
    <id>http://arxiv.org/abs/%[1]s</id>
    <published>%[3]s</published>
    <updated>%[3]s</updated>
    <title>%[2]s</title>
    <summary>We study %[2]s.</summary>
    <author><name>Ada Lovelace</name></author>
    <link href="http://arxiv.org/abs/%[1]s" rel="alternate" type="text/html"/>
    <category term="cs.CL" scheme="http://arxiv.org/schemas/atom"/>
  </entry>`, id, title, published.Format(time.RFC3339))
}

func TestArxivFetch(t *testing.T) {
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	feeds := map[string]string{
		"cat:cs.CL": arxivEntry("2602.00001v1", "Old Title", day) + arxivEntry("2602.00002v1", "Second\n   Paper", day.Add(time.Hour)),
		"cat:cs.LG": arxivEntry("2602.00001v2", "New Title", day) + arxivEntry("2602.00003v1", "Third", day.Add(2*time.Hour)),
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "submittedDate", r.URL.Query().Get("sortBy"))
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprintf(w, arxivFeed, feeds[r.URL.Query().Get("search_query")])
	}))
	defer ts.Close()

	rec := &sleepRecorder{}
	f := NewArxivFetcher(config.Arxiv{BaseURL: ts.URL, Categories: []string{"cs.CL", "cs.LG"}, RequestDelay: 3 * time.Second},
		testDeps(ts.Client(), rec))

	items, err := f.Fetch(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"arxiv:2602.00003", "arxiv:2602.00002", "arxiv:2602.00001"},
		[]string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, "New Title", items[2].Title, "last seen version wins")
	assert.Equal(t, "Second Paper", items[1].Title)
	assert.Equal(t, []string{"Ada Lovelace"}, items[0].Metadata["authors"])

	assert.Equal(t, []time.Duration{3 * time.Second}, rec.recorded(), "one delay between the two calls")
}

func TestFetchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := &githubServer{repos: map[string][]githubRepo{"llm": repos("r", 2, 10)}}
	f := newGitHub(t, srv, config.GitHub{Keywords: []string{"llm"}}, &sleepRecorder{})

	_, err := f.Fetch(ctx, 5)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFromConfigOrderAndLookup(t *testing.T) {
	cfg := config.Default().Sources
	fetchers := FromConfig(cfg, Deps{})
	require.Len(t, fetchers, 3)
	assert.Equal(t, "github", fetchers[0].Name())
	assert.Equal(t, "huggingface", fetchers[1].Name())
	assert.Equal(t, "arxiv", fetchers[2].Name())

	f, ok := Lookup(fetchers, "ArXiv")
	require.True(t, ok)
	assert.Equal(t, "arxiv", f.Name())

	cfg.HuggingFace.Enabled = false
	assert.Len(t, FromConfig(cfg, Deps{}), 2)
}
