package llm

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/AIRadar/internal/retry"
)

// classifyStatus maps a provider HTTP status onto the retry kinds.
func classifyStatus(status int, header http.Header, body string) error {
	if len(body) > 300 {
		body = body[:300]
	}
	err := fmt.Errorf("API returned %d: %s", status, strings.TrimSpace(body))

	switch {
	case status == http.StatusTooManyRequests:
		var after time.Duration
		if secs, convErr := strconv.Atoi(header.Get("Retry-After")); convErr == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return retry.RateLimited(err, after)
	case status == http.StatusRequestTimeout || status >= 500:
		return retry.Transient(err)
	default:
		return retry.Permanent(err)
	}
}

var statusInMessage = regexp.MustCompile(`status code:? (\d{3})`)

// classifyMessage classifies errors from clients that only expose a message.
func classifyMessage(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	if m := statusInMessage.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		return classifyStatus(status, http.Header{}, err.Error())
	}
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "too many requests"):
		return retry.RateLimited(err, 0)
	case strings.Contains(msg, "invalid api key"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "permission denied"):
		return retry.Permanent(err)
	default:
		return retry.Transient(err)
	}
}
