// Package httpx holds the HTTP helpers shared by the feed and document
// fetchers.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"concallbot/internal/retry"
)

// UserAgent mimics a desktop browser; the results API rejects bare clients.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Code, http.StatusText(e.Code), e.URL)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Check turns a non-2xx response into a StatusError. A 429 with a
// Retry-After header carries the delay for retry.Policy.
func Check(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := error(&StatusError{Code: resp.StatusCode, URL: resp.Request.URL.Redacted()})
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil && secs > 0 {
			err = retry.RetryAfter(err, time.Duration(secs)*time.Second)
		}
	}
	return err
}

// Retryable reports whether a request error is worth another attempt:
// network failures, 429 and 5xx.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "broken pipe")
}

// SetHeaders applies h to req, skipping empty values.
func SetHeaders(req *http.Request, h map[string]string) {
	for k, v := range h {
		if strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}
}
