package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"concallbot/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split = %q", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(text, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	html := "aaaaaaa<b>bold</b>"
	for _, chunk := range splitTelegramText(html, 10, "HTML") {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("chunk %q cuts a tag", chunk)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		kind  transport.ErrorKind
		after time.Duration
	}{
		{name: "deadline", err: context.DeadlineExceeded, kind: transport.KindTimeout},
		{name: "net timeout", err: fmt.Errorf("telebot: %w", timeoutErr{}), kind: transport.KindTimeout},
		{name: "client timeout text", err: errors.New(`Post "https://api.telegram.org": Client.Timeout exceeded`), kind: transport.KindTimeout},
		{name: "flood", err: errors.New("telegram: Too Many Requests: retry after 7 (429)"), kind: transport.KindTransient, after: 7 * time.Second},
		{name: "server error", err: errors.New("telegram: Internal Server Error (500)"), kind: transport.KindTransient},
		{name: "bad request", err: errors.New("telegram: Bad Request: chat not found (400)"), kind: transport.KindTerminal},
		{name: "forbidden", err: errors.New("telegram: Forbidden: bot was kicked (403)"), kind: transport.KindTerminal},
		{name: "conn reset", err: &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, kind: transport.KindTransient},
		{name: "unknown", err: errors.New("something odd"), kind: transport.KindTerminal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := classify("photo", tt.err)
			if got := transport.Kind(err); got != tt.kind {
				t.Fatalf("Kind(%v) = %v, want %v", tt.err, got, tt.kind)
			}
			var se *transport.SendError
			if !errors.As(err, &se) {
				t.Fatalf("classify returned %T, want *transport.SendError", err)
			}
			if se.RetryAfter != tt.after {
				t.Fatalf("RetryAfter = %v, want %v", se.RetryAfter, tt.after)
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("classified error does not wrap the original")
			}
		})
	}
}

func TestClipCaption(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", telegramCaptionLimit+5)
	got := []rune(clipCaption(long))
	if len(got) != telegramCaptionLimit {
		t.Fatalf("clipped caption has %d runes, want %d", len(got), telegramCaptionLimit)
	}
}
