package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"concallbot/internal/httpx"
	"concallbot/internal/retry"
	logx "concallbot/pkg/logx"
)

// ErrCircuitOpen is returned while the breaker rejects fetches after repeated
// failures.
var ErrCircuitOpen = errors.New("feed: circuit open")

// DefaultURL is the live results endpoint.
const DefaultURL = "https://api.concall.in/leap/fetch/liveResults?page=0&size=40&sector=All&marketCap=All"

const maxPayloadBytes = 32 << 20

// DefaultHeaders are sent with every feed request unless overridden.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/plain, */*",
		"User-Agent":   httpx.UserAgent,
		"Origin":       "https://concall.in",
		"Referer":      "https://concall.in/",
	}
}

// Payload is one decoded feed response. Raw is kept for archiving.
type Payload struct {
	Raw       json.RawMessage
	Data      any
	FetchedAt time.Time
}

type ClientOptions struct {
	HTTPClient *http.Client
	// Timeout bounds a single attempt. Default 30s.
	Timeout time.Duration
	// Headers are merged over DefaultHeaders.
	Headers map[string]string
	Retry   retry.Policy
	// BreakerFailures consecutive failed fetches open the breaker for
	// BreakerCooldown. Defaults 5 and 5m.
	BreakerFailures int
	BreakerCooldown time.Duration
	// OnBreakerChange is called on every breaker transition. Optional.
	OnBreakerChange func(from, to string)
}

// Client POSTs "{}" to the results API and decodes the JSON response.
type Client struct {
	http    *http.Client
	timeout time.Duration
	headers map[string]string
	policy  retry.Policy
	cb      *gobreaker.CircuitBreaker
	log     logx.Logger
}

func NewClient(opt ClientOptions, log logx.Logger) *Client {
	hc := opt.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	headers := DefaultHeaders()
	for k, v := range opt.Headers {
		headers[k] = v
	}
	policy := opt.Retry
	if policy.Retryable == nil {
		policy.Retryable = httpx.Retryable
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			log.Warn("feed fetch failed; retrying", logx.Int("attempt", attempt), logx.Duration("in", delay), logx.Err(err))
		}
	}
	failures := opt.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cooldown := opt.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	c := &Client{http: hc, timeout: timeout, headers: headers, policy: policy, log: log}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		IsSuccessful: func(err error) bool {
			// shutdown is not the feed's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("feed circuit breaker state changed", logx.String("from", from.String()), logx.String("to", to.String()))
			if opt.OnBreakerChange != nil {
				opt.OnBreakerChange(from.String(), to.String())
			}
		},
	})
	return c
}

// BreakerState is "closed", "half-open" or "open".
func (c *Client) BreakerState() string { return c.cb.State().String() }

// Post fetches url with the retry policy, guarded by the circuit breaker.
func (c *Client) Post(ctx context.Context, url string) (Payload, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var p Payload
		err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
			var aerr error
			p, aerr = c.attempt(ctx, url)
			return aerr
		})
		return p, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Payload{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("fetch feed: %w", err)
	}
	return res.(Payload), nil
}

func (c *Client) attempt(ctx context.Context, url string) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Payload{}, retry.NoRetry(err)
	}
	httpx.SetHeaders(req, c.headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return Payload{}, err
	}
	defer resp.Body.Close()
	if err := httpx.Check(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Payload{}, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return Payload{}, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Payload{}, retry.NoRetry(fmt.Errorf("decode feed: %w", err))
	}
	return Payload{Raw: raw, Data: data, FetchedAt: time.Now()}, nil
}
