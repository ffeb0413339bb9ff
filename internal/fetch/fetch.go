// Package fetch backfills item text from landing pages when a source returned none.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/AIRadar/internal/source"
)

const minContentLen = 100

// Result holds the results of a content fetch run.
type Result struct {
	Fetched           int
	AlreadyHadContent int
	Failed            int
}

// ContentFetcher fetches page text via HTTP + readability extraction.
type ContentFetcher struct {
	client   *http.Client
	maxChars int
	logger   *slog.Logger
}

// NewContentFetcher creates a new content fetcher. maxChars caps the stored text
// (zero means no cap).
func NewContentFetcher(timeout time.Duration, maxChars int) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		maxChars: maxChars,
		logger:   slog.Default().With("component", "fetch"),
	}
}

// Fill sets Description on items that arrived without any text, in place.
// After an HTTP error from a domain the remaining items of that domain are skipped.
func (f *ContentFetcher) Fill(ctx context.Context, items []source.RawItem) *Result {
	result := &Result{}
	failedDomains := make(map[string]struct{})

	for i := range items {
		item := &items[i]
		if strings.TrimSpace(item.Description) != "" || strings.TrimSpace(item.Readme) != "" {
			result.AlreadyHadContent++
			continue
		}
		if item.URL == "" {
			result.Failed++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		domain := domainOf(item.URL)
		if _, failed := failedDomains[domain]; failed {
			result.Failed++
			continue
		}

		content, httpErr := f.fetchPageContent(ctx, item.URL)
		if httpErr != nil {
			result.Failed++
			if domain != "" {
				failedDomains[domain] = struct{}{}
			}
			f.logger.Warn("HTTP error, skipping remaining items from domain",
				"url", item.URL, "domain", domain, "error", httpErr)
			continue
		}

		if content == "" {
			result.Failed++
			f.logger.Debug("no extractable content", "url", item.URL)
			continue
		}

		if f.maxChars > 0 {
			if r := []rune(content); len(r) > f.maxChars {
				content = string(r[:f.maxChars])
			}
		}
		item.Description = content
		result.Fetched++
		f.logger.Debug("fetched content", "id", item.ID)
	}

	if result.Fetched > 0 || result.Failed > 0 {
		f.logger.Info("content fetch complete", "fetched", result.Fetched, "failed", result.Failed)
	}
	return result
}

// fetchPageContent returns a non-nil error only for HTTP error statuses; other
// failures yield empty content.
func (f *ContentFetcher) fetchPageContent(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", nil
	}
	req.Header.Set("User-Agent", "AIRadar/1.0 (discovery digest)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil // connection error, not HTTP error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil
	}

	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(string(bodyBytes)), parsedURL)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > minContentLen {
		return text, nil
	}
	return "", nil
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d %s", e.code, http.StatusText(e.code))
}
