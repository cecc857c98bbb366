package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concallbot/internal/document"
	"concallbot/internal/feed"
	"concallbot/internal/ledger"
	"concallbot/internal/retry"
	"concallbot/internal/transport"
	logx "concallbot/pkg/logx"
)

const day = "2025-01-10"

type sent struct {
	kind    string // photo | document | text
	caption string
	path    string
}

type fakeChannel struct {
	mu    sync.Mutex
	sent  []sent
	calls map[string]int
	// fail returns the error for the n-th call (1-based) of a kind.
	fail func(kind string, n int) error
}

func (f *fakeChannel) record(kind string, s sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[kind]++
	if f.fail != nil {
		if err := f.fail(kind, f.calls[kind]); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeChannel) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{MessageID: 1}, f.record("text", sent{kind: "text", caption: text})
}

func (f *fakeChannel) SendPhoto(_ context.Context, _ transport.ChatTarget, p transport.Photo, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{MessageID: 2}, f.record("photo", sent{kind: "photo", caption: p.Caption})
}

func (f *fakeChannel) SendDocument(_ context.Context, _ transport.ChatTarget, d transport.Document, _ *transport.SendOptions) (transport.MessageRef, error) {
	if _, err := os.Stat(d.Path); err != nil {
		return transport.MessageRef{}, transport.Terminal("document", err)
	}
	return transport.MessageRef{MessageID: 3}, f.record("document", sent{kind: "document", caption: d.FileName, path: d.Path})
}

func (f *fakeChannel) SendAlbum(context.Context, transport.ChatTarget, []transport.Photo, *transport.SendOptions) ([]transport.MessageRef, error) {
	return nil, errors.New("not used")
}

func (f *fakeChannel) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.kind)
	}
	return out
}

type fakeRenderer struct {
	fail map[string]bool
}

func (r fakeRenderer) Render(_ context.Context, title, _, _ string) ([]byte, error) {
	if r.fail[title] {
		return nil, errors.New("font missing")
	}
	return []byte("png:" + title), nil
}

type fakeFetcher struct {
	dir   string
	fail  error
	files []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (document.File, error) {
	if f.fail != nil {
		return document.File{}, f.fail
	}
	tmp, err := os.CreateTemp(f.dir, "doc-*.pdf")
	if err != nil {
		return document.File{}, err
	}
	_, _ = tmp.WriteString("%PDF " + url)
	_ = tmp.Close()
	f.files = append(f.files, tmp.Name())
	return document.File{Path: tmp.Name(), URL: url}, nil
}

func candidate(name, desc, link string, at time.Time) feed.Candidate {
	return feed.Candidate{
		Event:  feed.Event{CompanyName: name, Description: desc, DocumentURL: link, Time: at},
		Entity: name,
		Symbol: "SYM",
	}
}

type fixture struct {
	ch     *fakeChannel
	fetch  *fakeFetcher
	store  *ledger.MemoryStore
	ledger *ledger.Ledger
	p      *Pipeline
	slept  []time.Duration
}

func newFixture(t *testing.T, r fakeRenderer) *fixture {
	t.Helper()
	fx := &fixture{
		ch:    &fakeChannel{},
		fetch: &fakeFetcher{dir: t.TempDir()},
		store: ledger.NewMemoryStore(),
	}
	fx.ledger = ledger.New(fx.store, logx.Nop())
	fast := retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: time.Millisecond}
	fx.p = New(Config{ImageRetry: fast, DocumentRetry: retry.Policy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond}},
		r, fx.ch, fx.fetch, fx.ledger, nil, logx.Nop())
	fx.p.sleep = func(ctx context.Context, d time.Duration) error {
		fx.slept = append(fx.slept, d)
		return ctx.Err()
	}
	return fx
}

func (fx *fixture) delivered(ev feed.Candidate) bool {
	return fx.ledger.IsDelivered(context.Background(), ev.DeliveryKey(), day)
}

func TestDeliverHappyPath(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	ev := candidate("Infosys Ltd.", "Q3 Results", "https://x/a.pdf", time.Now())

	out := fx.p.Deliver(context.Background(), day, ev)
	assert.Equal(t, StateMarkedDelivered, out.State)
	assert.Equal(t, []State{StatePending, StateRendered, StateImageSent, StateDocSent, StateMarkedDelivered}, out.Trail)
	assert.NoError(t, out.Err)
	assert.Equal(t, []string{"photo", "document"}, fx.ch.kinds())
	assert.Equal(t, "<b>Infosys Ltd.</b>\nQ3 Results\n#SYM", fx.ch.sent[0].caption)
	assert.Equal(t, "Infosys_Ltd_standalone_Q3_Results.pdf", fx.ch.sent[1].caption)
	assert.True(t, fx.delivered(ev))

	for _, f := range fx.fetch.files {
		_, err := os.Stat(f)
		assert.True(t, os.IsNotExist(err), "temp file %s left behind", f)
	}
}

func TestDeliverWithoutLinkSkipsDocument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	out := fx.p.Deliver(context.Background(), day, candidate("A Ltd.", "Results", "", time.Now()))
	assert.Equal(t, []State{StatePending, StateRendered, StateImageSent, StateDocSkipped, StateMarkedDelivered}, out.Trail)
	assert.Equal(t, []string{"photo"}, fx.ch.kinds())
}

func TestDocumentFetchFailureFallsBackToLink(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	fx.fetch.fail = document.ErrNotFound
	ev := candidate("A Ltd.", "Results", "https://x/doc.pdf", time.Now())

	out := fx.p.Deliver(context.Background(), day, ev)
	assert.Equal(t, StateMarkedDelivered, out.State)
	assert.Contains(t, out.Trail, StateDocFallbackSent)
	require.ErrorIs(t, out.Err, document.ErrNotFound)
	assert.Equal(t, []string{"photo", "text"}, fx.ch.kinds())
	assert.Contains(t, fx.ch.sent[1].caption, "https://x/doc.pdf")
	assert.True(t, fx.delivered(ev))
}

func TestDocumentSendTimeoutIsNotRetried(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	fx.ch.fail = func(kind string, n int) error {
		if kind == "document" {
			return transport.Timeout("document", context.DeadlineExceeded)
		}
		return nil
	}
	ev := candidate("A Ltd.", "Results", "https://x/doc.pdf", time.Now())

	out := fx.p.Deliver(context.Background(), day, ev)
	assert.Equal(t, 1, fx.ch.calls["document"])
	assert.Contains(t, out.Trail, StateDocFallbackSent)
	assert.Equal(t, []string{"photo", "text"}, fx.ch.kinds())
	assert.True(t, fx.delivered(ev))
	require.Len(t, fx.fetch.files, 1)
	_, err := os.Stat(fx.fetch.files[0])
	assert.True(t, os.IsNotExist(err), "temp file removed after failed upload")
}

func TestDocumentSendRetriesTransient(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	fx.ch.fail = func(kind string, n int) error {
		if kind == "document" && n == 1 {
			return transport.Transient("document", errors.New("bad gateway"))
		}
		return nil
	}
	out := fx.p.Deliver(context.Background(), day, candidate("A Ltd.", "Results", "https://x/doc.pdf", time.Now()))
	assert.Equal(t, 2, fx.ch.calls["document"])
	assert.Contains(t, out.Trail, StateDocSent)
}

func TestImageRetriedOnTransientOnly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, fakeRenderer{})
	fx.ch.fail = func(kind string, n int) error {
		if kind == "photo" && n < 3 {
			return &transport.SendError{Op: "photo", Kind: transport.KindTransient, RetryAfter: time.Millisecond, Err: errors.New("flood")}
		}
		return nil
	}
	out := fx.p.Deliver(context.Background(), day, candidate("A Ltd.", "Results", "", time.Now()))
	assert.Equal(t, StateMarkedDelivered, out.State)
	assert.Equal(t, 3, fx.ch.calls["photo"])

	fx = newFixture(t, fakeRenderer{})
	fx.ch.fail = func(kind string, n int) error {
		return transport.Terminal("photo", errors.New("chat not found"))
	}
	ev := candidate("B Ltd.", "Results", "https://x/doc.pdf", time.Now())
	out = fx.p.Deliver(context.Background(), day, ev)
	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, []State{StatePending, StateRendered, StateAborted}, out.Trail)
	assert.Equal(t, 1, fx.ch.calls["photo"])
	assert.False(t, fx.delivered(ev))
	assert.Empty(t, fx.fetch.files, "no document work after an aborted image")
}

func TestImageRetriedOnTimeout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	fx.ch.fail = func(kind string, n int) error {
		if kind == "photo" && n < 2 {
			return transport.Timeout("photo", context.DeadlineExceeded)
		}
		return nil
	}
	ev := candidate("A Ltd.", "Results", "", time.Now())
	out := fx.p.Deliver(context.Background(), day, ev)
	assert.Equal(t, StateMarkedDelivered, out.State)
	assert.Equal(t, 2, fx.ch.calls["photo"])
	assert.True(t, fx.delivered(ev))
}

func TestImageRetriesExhausted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	fx.ch.fail = func(kind string, n int) error { return transport.Transient(kind, errors.New("bad gateway")) }
	ev := candidate("A Ltd.", "Results", "", time.Now())
	out := fx.p.Deliver(context.Background(), day, ev)
	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, 3, fx.ch.calls["photo"])
	assert.False(t, fx.delivered(ev))
}

func TestRunOrderAndNonCascadingRenderFailure(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{fail: map[string]bool{"B Ltd.": true}})
	base := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	events := []feed.Candidate{
		candidate("A Ltd.", "Results", "", base),
		candidate("B Ltd.", "Results", "", base.Add(time.Minute)),
		candidate("C Ltd.", "Results", "", base.Add(2*time.Minute)),
	}

	outs := fx.p.Run(context.Background(), day, events)
	require.Len(t, outs, 3)
	assert.Equal(t, StateMarkedDelivered, outs[0].State)
	assert.Equal(t, StateAborted, outs[1].State)
	assert.Equal(t, []State{StatePending, StateAborted}, outs[1].Trail)
	assert.Equal(t, StateMarkedDelivered, outs[2].State)

	var captions []string
	for _, s := range fx.ch.sent {
		captions = append(captions, strings.SplitN(s.caption, "\n", 2)[0])
	}
	assert.Equal(t, []string{"<b>A Ltd.</b>", "<b>C Ltd.</b>"}, captions)
	assert.False(t, fx.delivered(events[1]))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, fx.slept)
}

func TestRunStopsWhenCanceled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	ctx, cancel := context.WithCancel(context.Background())
	fx.p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	outs := fx.p.Run(ctx, day, []feed.Candidate{
		candidate("A Ltd.", "Results", "", time.Now()),
		candidate("B Ltd.", "Results", "", time.Now()),
	})
	require.Len(t, outs, 1)
	assert.Equal(t, []string{"photo"}, fx.ch.kinds())
}

type failingStore struct{ *ledger.MemoryStore }

func (failingStore) InsertMany(context.Context, string, []ledger.Entry) error {
	return errors.New("disk full")
}

func TestLedgerWriteFailureKeepsDelivery(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, fakeRenderer{})
	fx.p.ledger = ledger.New(failingStore{ledger.NewMemoryStore()}, logx.Nop())
	out := fx.p.Deliver(context.Background(), day, candidate("A Ltd.", "Results", "", time.Now()))
	assert.Equal(t, StateMarkedDelivered, out.State)
	require.Error(t, out.LedgerErr)
	assert.Equal(t, []string{"photo"}, fx.ch.kinds())
}

func TestStateMachine(t *testing.T) {
	t.Parallel()
	assert.True(t, canTransition(StatePending, StateRendered))
	assert.True(t, canTransition(StateRendered, StateAborted))
	assert.False(t, canTransition(StateImageSent, StateAborted))
	assert.False(t, canTransition(StateAborted, StatePending))
	assert.False(t, canTransition(StateMarkedDelivered, StateImageSent))
	assert.True(t, StateDocSkipped.Delivered())
	assert.False(t, StateRendered.Delivered())

	d := &delivery{out: Outcome{State: StatePending}}
	assert.Panics(t, func() { d.move(StateDocSent) })
}

func TestCaption(t *testing.T) {
	t.Parallel()
	c := candidate("M&M Ltd.", "Results <unaudited>", "", time.Time{})
	c.Symbol = "M&M"
	assert.Equal(t, "<b>M&amp;M Ltd.</b>\nResults &lt;unaudited&gt;\n#MM", Caption(c))

	c.Symbol = ""
	c.Description = strings.Repeat("x", 800)
	assert.Equal(t, len("<b>M&amp;M Ltd.</b>\n")+maxCaptionDescription+3, len(Caption(c)))

	c.DocumentURL = "https://x/a.pdf?a=1&b=2"
	assert.Contains(t, FallbackText(c), "https://x/a.pdf?a=1&amp;b=2")
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
