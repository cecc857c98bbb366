// Package document downloads result attachments to temporary files.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"concallbot/internal/httpx"
	"concallbot/internal/retry"
	logx "concallbot/pkg/logx"
)

// DefaultFallbackBase serves BSE attachments by file name.
const DefaultFallbackBase = "https://www.bseindia.com/xml-data/corpfiling/AttachLive"

var (
	ErrNotFound = errors.New("document: not found")
	ErrTooLarge = errors.New("document: exceeds size limit")
)

// StatusError is a non-2xx download response.
type StatusError = httpx.StatusError

// File is a downloaded document. The caller owns Path and must Remove it.
type File struct {
	Path string
	URL  string
	Size int64
}

// Remove deletes the temporary file. It is safe on a zero File.
func (f File) Remove() error {
	if f.Path == "" {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type Options struct {
	HTTPClient *http.Client
	// Dir receives temporary files. Empty means os.TempDir().
	Dir string
	// Timeout bounds one download attempt. Default 60s.
	Timeout time.Duration
	// MaxSize rejects larger bodies. Zero means 50 MiB, the Telegram bot
	// upload limit.
	MaxSize      int64
	Retry        retry.Policy
	FallbackBase string
	Headers      map[string]string
}

type Fetcher struct {
	http     *http.Client
	dir      string
	timeout  time.Duration
	maxSize  int64
	policy   retry.Policy
	fallback string
	headers  map[string]string
	log      logx.Logger
}

func NewFetcher(opt Options, log logx.Logger) *Fetcher {
	f := &Fetcher{
		http:     opt.HTTPClient,
		dir:      opt.Dir,
		timeout:  opt.Timeout,
		maxSize:  opt.MaxSize,
		policy:   opt.Retry,
		fallback: strings.TrimRight(strings.TrimSpace(opt.FallbackBase), "/"),
		headers:  map[string]string{"User-Agent": httpx.UserAgent, "Accept": "*/*"},
		log:      log,
	}
	if f.http == nil {
		f.http = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = 60 * time.Second
	}
	if f.maxSize <= 0 {
		f.maxSize = 50 << 20
	}
	if f.fallback == "" {
		f.fallback = DefaultFallbackBase
	}
	if f.policy.Retryable == nil {
		f.policy.Retryable = httpx.Retryable
	}
	for k, v := range opt.Headers {
		f.headers[k] = v
	}
	return f
}

// Fetch downloads rawURL into a temporary file. A 404 is retried once
// against the fallback host when the link names its attachment.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (File, error) {
	file, err := f.fetchWithRetry(ctx, rawURL)
	if err == nil || !httpx.IsStatus(err, http.StatusNotFound) {
		return file, err
	}
	alt, ok := FallbackURL(rawURL, f.fallback)
	if !ok {
		return File{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	f.log.Warn("document link returned 404; trying fallback", logx.String("url", rawURL), logx.String("fallback", alt))
	file, ferr := f.fetchWithRetry(ctx, alt)
	if ferr != nil {
		if httpx.IsStatus(ferr, http.StatusNotFound) {
			return File{}, fmt.Errorf("%w: %v", ErrNotFound, ferr)
		}
		return File{}, fmt.Errorf("fallback %s: %w", alt, ferr)
	}
	return file, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string) (File, error) {
	var out File
	p := f.policy
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, delay time.Duration, err error) {
			f.log.Warn("document download failed; retrying",
				logx.String("url", rawURL), logx.Int("attempt", attempt), logx.Duration("in", delay), logx.Err(err))
		}
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		var aerr error
		out, aerr = f.download(ctx, rawURL)
		return aerr
	})
	return out, err
}

// download streams one attempt to disk. The partial file is removed on any
// failure.
func (f *Fetcher) download(ctx context.Context, rawURL string) (file File, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return File{}, retry.NoRetry(err)
	}
	httpx.SetHeaders(req, f.headers)

	resp, err := f.http.Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()
	if err := httpx.Check(resp); err != nil {
		return File{}, err
	}
	if resp.ContentLength > f.maxSize {
		return File{}, retry.NoRetry(fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength))
	}

	if f.dir != "" {
		if err := os.MkdirAll(f.dir, 0o755); err != nil {
			return File{}, retry.NoRetry(err)
		}
	}
	tmp, err := os.CreateTemp(f.dir, "concall-*.pdf")
	if err != nil {
		return File{}, retry.NoRetry(err)
	}
	defer func() {
		if cerr := tmp.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(tmp.Name())
			file = File{}
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return File{}, err
	}
	if n > f.maxSize {
		return File{}, retry.NoRetry(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxSize))
	}
	return File{Path: tmp.Name(), URL: rawURL, Size: n}, nil
}

// FallbackURL builds base/<Pname> from a link carrying a Pname query
// parameter.
func FallbackURL(rawURL, base string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	pname := strings.TrimSpace(u.Query().Get("Pname"))
	if pname == "" {
		return "", false
	}
	if base == "" {
		base = DefaultFallbackBase
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(pname), true
}
