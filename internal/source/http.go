package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/quota"
	"github.com/TobiSchelling/AIRadar/internal/retry"
)

const maxBodyBytes = 10 << 20

type response struct {
	body   []byte
	header http.Header
}

// get issues a GET through the retrier. Every attempt, retries included, first
// waits on the quota guard. An empty quotaKey skips the guard.
func (b *base) get(ctx context.Context, quotaKey, url string, header http.Header) (*response, error) {
	return retry.Do(ctx, b.retrier, func(ctx context.Context) (*response, error) {
		if quotaKey != "" {
			if err := b.guard.Wait(ctx, quotaKey); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("creating request: %w", err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.Transient(fmt.Errorf("GET %s: %w", url, err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("reading %s: %w", url, err))
		}

		if quotaKey != "" {
			if st, ok := statusFromHeader(resp.Header); ok {
				b.guard.Observe(quotaKey, st)
			}
		}
		if err := classifyResponse(resp, body, b.now()); err != nil {
			return nil, err
		}
		return &response{body: body, header: resp.Header}, nil
	})
}

// classifyResponse maps a non-2xx response onto the retry taxonomy.
func classifyResponse(resp *http.Response, body []byte, now time.Time) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("%s returned %d: %s", resp.Request.URL.Redacted(), resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.RateLimited(err, retryAfter(resp.Header, now))
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return retry.QuotaExhausted(err, resetTime(resp.Header))
	case resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(msg), "secondary rate limit"):
		return retry.RateLimited(err, retryAfter(resp.Header, now))
	case resp.StatusCode >= 500:
		return retry.Transient(err)
	default:
		return retry.Permanent(err)
	}
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func resetTime(h http.Header) time.Time {
	secs, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// statusFromHeader reads the X-RateLimit-* headers, when all are present.
func statusFromHeader(h http.Header) (quota.Status, bool) {
	limit, err1 := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, err2 := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset := resetTime(h)
	if err := errors.Join(err1, err2); err != nil || reset.IsZero() {
		return quota.Status{}, false
	}
	return quota.Status{Limit: limit, Remaining: remaining, Reset: reset}, true
}

// nextLink returns the rel="next" target of a Link header, or "".
func nextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
			for _, attr := range segs[1:] {
				if strings.ReplaceAll(strings.TrimSpace(attr), " ", "") == `rel="next"` {
					return target
				}
			}
		}
	}
	return ""
}
