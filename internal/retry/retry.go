// Package retry runs an operation under an explicit retry policy.
//
// A Policy names the attempt budget, the backoff curve and the predicate that
// decides which errors are worth another attempt. Call sites pass the policy
// to Do instead of hard-coding loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type Policy struct {
	// MaxAttempts includes the first call. Values < 1 mean a single attempt.
	MaxAttempts int
	// Base is the delay before the second attempt.
	Base time.Duration
	// Max caps every delay, including RetryAfter hints.
	Max time.Duration
	// Multiplier grows the delay per attempt. Zero means 2.
	Multiplier float64
	// Jitter is the +/- fraction applied to each delay (0.2 = 20%).
	Jitter float64
	// Retryable decides whether err deserves another attempt. Nil retries
	// everything except NoRetry errors and context cancellation.
	Retryable func(err error) bool
	// OnRetry is called before sleeping. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls op until it succeeds, the policy gives up or ctx ends. The
// returned error is the last op error, wrapped with the attempt count when
// more than one attempt was made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := max(1, p.MaxAttempts)
	var err error
	made := 0
	for made < attempts {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				break
			}
			return cerr
		}
		made++
		err = op(ctx)
		if err == nil {
			return nil
		}
		if made == attempts || !p.shouldRetry(err) {
			break
		}

		d := p.Delay(made, err)
		if p.OnRetry != nil {
			p.OnRetry(made, d, err)
		}
		if d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
	if made > 1 {
		return fmt.Errorf("after %d attempts: %w", made, err)
	}
	return err
}

func (p Policy) shouldRetry(err error) bool {
	if IsNoRetry(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Delay returns the wait before attempt+1. A RetryAfter hint replaces the
// exponential curve but still respects Max and Jitter.
func (p Policy) Delay(attempt int, err error) time.Duration {
	maxD := p.Max
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = max(ra.RetryAfter(), 0)
	} else {
		base := p.Base
		if base <= 0 {
			base = 500 * time.Millisecond
		}
		mult := p.Multiplier
		if mult <= 1 {
			mult = 2
		}
		f := float64(base)
		for i := 1; i < attempt; i++ {
			f *= mult
			if f >= float64(maxD) {
				break
			}
		}
		d = time.Duration(f)
	}

	if p.Jitter > 0 && d > 0 {
		r := (randFloat()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
