package upcoming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concallbot/internal/feed"
	"concallbot/internal/render"
	"concallbot/internal/retry"
	"concallbot/internal/transport"
	logx "concallbot/pkg/logx"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type fakeSource struct {
	raw  string
	err  error
	urls []string
}

func (f *fakeSource) Post(_ context.Context, u string) (feed.Payload, error) {
	f.urls = append(f.urls, u)
	if f.err != nil {
		return feed.Payload{}, f.err
	}
	var data any
	if err := json.Unmarshal([]byte(f.raw), &data); err != nil {
		return feed.Payload{}, err
	}
	return feed.Payload{Raw: json.RawMessage(f.raw), Data: data}, nil
}

type pageRecorder struct {
	mu    sync.Mutex
	pages map[int][]render.ListItem
	fail  error
}

func (r *pageRecorder) Render(_ context.Context, _ string, items []render.ListItem, page, _ int) ([]byte, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pages == nil {
		r.pages = map[int][]render.ListItem{}
	}
	r.pages[page] = items
	return []byte(fmt.Sprintf("page-%d", page)), nil
}

type albumChannel struct {
	photos     []transport.Photo
	albums     [][]transport.Photo
	albumFails int
}

func (c *albumChannel) SendText(context.Context, transport.ChatTarget, string, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (c *albumChannel) SendPhoto(_ context.Context, _ transport.ChatTarget, p transport.Photo, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.photos = append(c.photos, p)
	return transport.MessageRef{}, nil
}

func (c *albumChannel) SendDocument(context.Context, transport.ChatTarget, transport.Document, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (c *albumChannel) SendAlbum(_ context.Context, _ transport.ChatTarget, ps []transport.Photo, _ *transport.SendOptions) ([]transport.MessageRef, error) {
	if c.albumFails > 0 {
		c.albumFails--
		return nil, &transport.SendError{Op: "album", Kind: transport.KindTransient, Err: errors.New("502")}
	}
	c.albums = append(c.albums, ps)
	return make([]transport.MessageRef, len(ps)), nil
}

func payloadWith(rows ...string) string {
	return `{"content":[{"eventsWithDate":[{"eventList":[` + strings.Join(rows, ",") + `]}]}]}`
}

func row(name, date string, fin any) string {
	b, _ := json.Marshal(map[string]any{"companyName": name, "resultDate": date, "finCode": fin})
	return string(b)
}

func newJob(src Source, list PageRenderer, ch transport.Channel) *Job {
	j := New(Config{URL: "https://example.test/upcoming", Location: ist, Send: retry.Policy{MaxAttempts: 3, Base: time.Millisecond}}, src, list, nil, ch, nil, logx.Nop())
	j.now = func() time.Time { return time.Date(2026, 1, 14, 18, 0, 0, 0, ist) }
	return j
}

func TestFilter(t *testing.T) {
	t.Parallel()
	raw := payloadWith(
		row("Zen Tech", "2026-01-15T00:00:00", 500),
		row("Alpha Ltd", "2026-01-15T00:00:00", 100),
		row("Alpha Ltd duplicate code", "2026-01-15", 100),
		row("Later Co", "2026-01-16T00:00:00", 200),
		`{"companyName":"Scrip Only","resultDate":"2026-01-15T00:00:00","scripId":"SCRIP"}`,
		`{"companyName":"No Code","resultDate":"2026-01-15T00:00:00","finCode":null}`,
		`{"companyName":"No Code","resultDate":"2026-01-15T00:00:00"}`,
		`{"companyName":"No Date"}`,
		`"junk"`,
	)
	var data any
	require.NoError(t, json.Unmarshal([]byte(raw), &data))

	got := Filter(data, "2026-01-15")
	assert.Equal(t, []Company{
		{Code: "100", Name: "Alpha Ltd"},
		{Code: "N/A", Name: "No Code"},
		{Code: "SCRIP", Name: "Scrip Only"},
		{Code: "500", Name: "Zen Tech"},
	}, got)
}

func TestPaginate(t *testing.T) {
	t.Parallel()
	cs := make([]Company, 13)
	pages := Paginate(cs, 6)
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 6)
	assert.Len(t, pages[2], 1)
	assert.Nil(t, Paginate(nil, 6))
}

func TestRunSinglePage(t *testing.T) {
	t.Parallel()
	src := &fakeSource{raw: payloadWith(row("Alpha Ltd", "2026-01-15T00:00:00", 1), row("Beta Ltd", "2026-01-15T00:00:00", 2))}
	ch := &albumChannel{}
	rec := &pageRecorder{}
	rep, err := newJob(src, rec, ch).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Date: "2026-01-15", Companies: 2, Pages: 1, Messages: 1}, rep)
	require.Len(t, ch.photos, 1)
	assert.Empty(t, ch.albums)
	assert.Equal(t, SingleCaption("15 Jan 2026"), ch.photos[0].Caption)
	assert.Contains(t, ch.photos[0].Caption, "Upcoming Results for 15 Jan 2026")

	require.Len(t, src.urls, 1)
	assert.Contains(t, src.urls[0], "size=100")
	assert.Contains(t, src.urls[0], "page=0")
}

func TestRunAlbumWithRetry(t *testing.T) {
	t.Parallel()
	var rows []string
	for i := 0; i < 8; i++ {
		rows = append(rows, row(fmt.Sprintf("Company %02d", i), "2026-01-15T00:00:00", i+1))
	}
	src := &fakeSource{raw: payloadWith(rows...)}
	ch := &albumChannel{albumFails: 1}
	rec := &pageRecorder{}
	rep, err := newJob(src, rec, ch).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Pages)
	require.Len(t, ch.albums, 1)
	album := ch.albums[0]
	require.Len(t, album, 2)
	assert.Equal(t, AlbumCaption("15 Jan 2026"), album[0].Caption)
	assert.Empty(t, album[1].Caption)
	assert.Equal(t, []byte("page-1"), album[0].Data)
	assert.Equal(t, []byte("page-2"), album[1].Data)

	assert.Len(t, rec.pages[1], 6)
	assert.Len(t, rec.pages[2], 2)
	assert.Equal(t, "Company 06", rec.pages[2][0].Name)
}

func TestRunSplitsLargeAlbums(t *testing.T) {
	t.Parallel()
	var rows []string
	for i := 0; i < 66; i++ {
		rows = append(rows, row(fmt.Sprintf("Company %02d", i), "2026-01-15T00:00:00", i+1))
	}
	ch := &albumChannel{}
	rep, err := newJob(&fakeSource{raw: payloadWith(rows...)}, &pageRecorder{}, ch).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, rep.Pages)
	assert.Equal(t, 2, rep.Messages)
	require.Len(t, ch.albums, 2)
	assert.Len(t, ch.albums[0], 10)
	assert.Len(t, ch.albums[1], 1)
}

func TestRunNothingTomorrow(t *testing.T) {
	t.Parallel()
	ch := &albumChannel{}
	rep, err := newJob(&fakeSource{raw: payloadWith(row("Later", "2026-01-20", 1))}, &pageRecorder{}, ch).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Companies)
	assert.Empty(t, ch.photos)
	assert.Empty(t, ch.albums)
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	j := newJob(&fakeSource{}, &pageRecorder{}, &albumChannel{})
	j.cfg.URL = " "
	_, err := j.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoURL)

	boom := errors.New("boom")
	_, err = newJob(&fakeSource{err: boom}, &pageRecorder{}, &albumChannel{}).Run(context.Background())
	assert.ErrorIs(t, err, boom)

	ch := &albumChannel{}
	src := &fakeSource{raw: payloadWith(row("Alpha", "2026-01-15", 1))}
	_, err = newJob(src, &pageRecorder{fail: boom}, ch).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, ch.photos)
}

func TestPagedURLKeepsExplicitParams(t *testing.T) {
	t.Parallel()
	u := pagedURL("https://example.test/x?size=20")
	assert.Contains(t, u, "size=20")
	assert.NotContains(t, u, "size=100")
	assert.Contains(t, u, "sector=All")
}
