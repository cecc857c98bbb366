package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies channel failures for the delivery retry policy.
type ErrorKind int

const (
	// KindTerminal failures (bad request, forbidden, chat not found) are never retried.
	KindTerminal ErrorKind = iota
	// KindTransient failures (5xx, flood control, connection resets) may be retried.
	KindTransient
	// KindTimeout means the request may or may not have reached the channel.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	default:
		return "terminal"
	}
}

// SendError wraps a channel failure with its classification.
type SendError struct {
	Op   string // "text" | "photo" | "document" | "album"
	Kind ErrorKind
	// RetryAfter is the server supplied delay (flood control), zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("send %s (%s, retry after %s): %v", e.Op, e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("send %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Kind reports the classification of err. Unclassified errors are terminal.
func Kind(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTerminal
}

func IsTransient(err error) bool { return err != nil && Kind(err) == KindTransient }
func IsTimeout(err error) bool   { return err != nil && Kind(err) == KindTimeout }

// Transient, Timeout and Terminal wrap err with the given classification.
func Transient(op string, err error) error { return wrap(op, KindTransient, err) }
func Timeout(op string, err error) error   { return wrap(op, KindTimeout, err) }
func Terminal(op string, err error) error  { return wrap(op, KindTerminal, err) }

func wrap(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Op: op, Kind: kind, Err: err}
}
