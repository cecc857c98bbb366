package document

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concallbot/internal/retry"
	logx "concallbot/pkg/logx"
)

func fastPolicy(n int) retry.Policy {
	return retry.Policy{MaxAttempts: n, Base: time.Millisecond, Max: 2 * time.Millisecond}
}

func dirEntries(t *testing.T, dir string) int {
	t.Helper()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(ents)
}

func TestFetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 body"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(Options{Dir: dir, Retry: fastPolicy(3)}, logx.Nop())
	file, err := f.Fetch(context.Background(), srv.URL+"/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(13), file.Size)
	b, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 body", string(b))

	require.NoError(t, file.Remove())
	assert.Zero(t, dirEntries(t, dir))
	require.NoError(t, file.Remove(), "second remove is a no-op")
}

func TestFetchRetriesTransient(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFetcher(Options{Dir: t.TempDir(), Retry: fastPolicy(3)}, logx.Nop())
	file, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer file.Remove()
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchFallbackOn404(t *testing.T) {
	t.Parallel()
	var fallbackPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/xml-data/", func(w http.ResponseWriter, r *http.Request) {
		fallbackPath = r.URL.Path
		_, _ = w.Write([]byte("fallback"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher(Options{
		Dir:          t.TempDir(),
		Retry:        fastPolicy(3),
		FallbackBase: srv.URL + "/xml-data/AttachLive/",
	}, logx.Nop())

	file, err := f.Fetch(context.Background(), srv.URL+"/AttachHis/x.pdf?Pname=abc-123.pdf")
	require.NoError(t, err)
	defer file.Remove()
	assert.Equal(t, "/xml-data/AttachLive/abc-123.pdf", fallbackPath)
	assert.True(t, strings.HasSuffix(file.URL, "/xml-data/AttachLive/abc-123.pdf"))
}

func TestFetchNotFoundWithoutPname(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(Options{Dir: dir, Retry: fastPolicy(3)}, logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL+"/x.pdf")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 is not retried")
	assert.Zero(t, dirEntries(t, dir))
}

func TestFetchTooLargeLeavesNoFile(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush() // chunked, no Content-Length
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(Options{Dir: dir, MaxSize: 16, Retry: fastPolicy(3)}, logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, dirEntries(t, dir))
}

func TestFetchTimeoutCleansUp(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	dir := t.TempDir()
	f := NewFetcher(Options{Dir: dir, Timeout: 50 * time.Millisecond, Retry: fastPolicy(2)}, logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Zero(t, dirEntries(t, dir))
}

func TestFallbackURL(t *testing.T) {
	t.Parallel()
	u, ok := FallbackURL("https://www.bseindia.com/xml-data/corpfiling/AttachHis/1.pdf?Pname=9f1c.pdf", "")
	require.True(t, ok)
	assert.Equal(t, DefaultFallbackBase+"/9f1c.pdf", u)

	_, ok = FallbackURL("https://example.com/file.pdf", "")
	assert.False(t, ok)
	_, ok = FallbackURL("://bad", "")
	assert.False(t, ok)
}

func TestFileName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		company, desc, want string
	}{
		{"Infosys Ltd.", "Consolidated Financial Results for the Quarter ended December 2024",
			"Infosys_Ltd_consolidated_Quarter_December_2024.pdf"},
		{"Tata Motors Ltd.", "Standalone results for Half-Yearly ended September 2024",
			"Tata_Motors_Ltd_standalone_Half-Yearly_September_2024.pdf"},
		{"HDFC AMC", "The Q3 FY25 Results: approved",
			"HDFC_AMC_standalone_Q3_FY25_Results.pdf"},
		{"Dr. Reddy's Laboratories", "Board meeting outcome",
			"Dr_Reddys_Laboratories_standalone_Results.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FileName(tt.company, tt.desc), tt.desc)
	}
}
