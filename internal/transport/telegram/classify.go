package telegram

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"concallbot/internal/transport"
)

var (
	// Bot API errors that telebot does not map to a known *tele.Error end in
	// "(<code>)", flood control errors mention "retry after N".
	reAPICode    = regexp.MustCompile(`\((\d{3})\)\s*$`)
	reRetryAfter = regexp.MustCompile(`(?i)retry after (\d+)`)
)

// classify maps a telebot or net/http failure onto transport.ErrorKind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.Timeout(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return transport.Terminal(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transport.Timeout(op, err)
	}

	msg := err.Error()
	if m := reRetryAfter.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return &transport.SendError{Op: op, Kind: transport.KindTransient, RetryAfter: time.Duration(secs) * time.Second, Err: err}
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := reAPICode.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == 429 || code >= 500:
		return transport.Transient(op, err)
	case code >= 400:
		return transport.Terminal(op, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return transport.Transient(op, err)
	}

	low := strings.ToLower(msg)
	switch {
	case strings.Contains(low, "timeout"), strings.Contains(low, "deadline exceeded"):
		return transport.Timeout(op, err)
	case strings.Contains(low, "connection reset"),
		strings.Contains(low, "connection refused"),
		strings.Contains(low, "broken pipe"),
		strings.Contains(low, "unexpected eof"),
		strings.Contains(low, "no such host"),
		strings.Contains(low, "bad gateway"),
		strings.Contains(low, "internal server error"):
		return transport.Transient(op, err)
	}
	return transport.Terminal(op, err)
}
