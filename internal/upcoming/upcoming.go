// Package upcoming posts the list of companies that report results tomorrow.
package upcoming

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"concallbot/internal/feed"
	"concallbot/internal/metrics"
	"concallbot/internal/render"
	"concallbot/internal/retry"
	"concallbot/internal/transport"
	logx "concallbot/pkg/logx"
)

const (
	// PageSize is the number of companies per image.
	PageSize   = 6
	albumLimit = 10

	dateLayout    = "2006-01-02"
	displayLayout = "02 Jan 2006"
)

var ErrNoURL = errors.New("upcoming: url not configured")

// Company is one row of the digest.
type Company struct {
	Code string
	Name string
}

// Source fetches the upcoming results payload.
type Source interface {
	Post(ctx context.Context, url string) (feed.Payload, error)
}

// PageRenderer draws one page of the digest.
type PageRenderer interface {
	Render(ctx context.Context, date string, items []render.ListItem, page, pages int) ([]byte, error)
}

type Config struct {
	URL      string
	Target   transport.ChatTarget
	Location *time.Location
	// Send is the retry policy for each Telegram call.
	Send retry.Policy
}

// Report summarizes one digest run.
type Report struct {
	Date      string
	Companies int
	Pages     int
	Messages  int
}

type Job struct {
	cfg     Config
	src     Source
	list    PageRenderer
	pool    *render.Pool
	ch      transport.Channel
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

// New builds the digest job. pool and m may be nil.
func New(cfg Config, src Source, list PageRenderer, pool *render.Pool, ch transport.Channel, m *metrics.Metrics, log logx.Logger) *Job {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Send.Retryable == nil {
		cfg.Send.Retryable = transport.IsTransient
	}
	if pool == nil {
		pool = render.NewPool(nil, 1)
	}
	return &Job{cfg: cfg, src: src, list: list, pool: pool, ch: ch, metrics: m, log: log, now: time.Now}
}

// Run fetches tomorrow's list and posts it. An empty list sends nothing.
func (j *Job) Run(ctx context.Context) (Report, error) {
	rep, err := j.run(ctx)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case rep.Companies == 0:
		result = "empty"
	}
	if j.metrics != nil {
		j.metrics.UpcomingDone(result)
	}
	return rep, err
}

func (j *Job) run(ctx context.Context) (Report, error) {
	if strings.TrimSpace(j.cfg.URL) == "" {
		return Report{}, ErrNoURL
	}
	tomorrow := j.now().In(j.cfg.Location).AddDate(0, 0, 1)
	rep := Report{Date: tomorrow.Format(dateLayout)}
	display := tomorrow.Format(displayLayout)
	log := j.log.With(logx.String("date", rep.Date))

	payload, err := j.src.Post(ctx, pagedURL(j.cfg.URL))
	if err != nil {
		return rep, fmt.Errorf("fetch upcoming: %w", err)
	}
	companies := Filter(payload.Data, rep.Date)
	rep.Companies = len(companies)
	if len(companies) == 0 {
		log.Info("no upcoming results for tomorrow")
		return rep, nil
	}

	pages := Paginate(companies, PageSize)
	rep.Pages = len(pages)
	images, err := j.renderPages(ctx, display, pages)
	if err != nil {
		return rep, err
	}

	opt := &transport.SendOptions{ParseMode: "HTML"}
	if len(images) == 1 {
		p := transport.Photo{Data: images[0], FileName: "upcoming.png", Caption: SingleCaption(display)}
		err := j.send(ctx, "photo", func(ctx context.Context) error {
			_, err := j.ch.SendPhoto(ctx, j.cfg.Target, p, opt)
			return err
		})
		if err != nil {
			return rep, err
		}
		rep.Messages = 1
	} else {
		photos := make([]transport.Photo, len(images))
		for i, img := range images {
			photos[i] = transport.Photo{Data: img, FileName: "upcoming_p" + strconv.Itoa(i+1) + ".png"}
		}
		photos[0].Caption = AlbumCaption(display)
		for start := 0; start < len(photos); start += albumLimit {
			group := photos[start:min(start+albumLimit, len(photos))]
			err := j.send(ctx, "album", func(ctx context.Context) error {
				_, err := j.ch.SendAlbum(ctx, j.cfg.Target, group, opt)
				return err
			})
			if err != nil {
				return rep, err
			}
			rep.Messages++
		}
	}
	log.Info("upcoming digest sent", logx.Int("companies", rep.Companies), logx.Int("pages", rep.Pages))
	return rep, nil
}

func (j *Job) renderPages(ctx context.Context, display string, pages [][]Company) ([][]byte, error) {
	images := make([][]byte, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	for i, page := range pages {
		i := i
		items := make([]render.ListItem, len(page))
		for k, c := range page {
			items[k] = render.ListItem{Code: c.Code, Name: c.Name}
		}
		g.Go(func() error {
			return j.pool.Do(gctx, func() error {
				img, err := j.list.Render(gctx, display, items, i+1, len(pages))
				if err != nil {
					return fmt.Errorf("render page %d: %w", i+1, err)
				}
				images[i] = img
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (j *Job) send(ctx context.Context, op string, fn func(context.Context) error) error {
	p := j.cfg.Send
	p.OnRetry = func(attempt int, d time.Duration, err error) {
		j.log.Warn("upcoming send failed; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("in", d), logx.Err(err))
	}
	return retry.Do(ctx, p, func(ctx context.Context) error {
		err := fn(ctx)
		var se *transport.SendError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			return retry.RetryAfter(err, se.RetryAfter)
		}
		return err
	})
}

// SingleCaption is used when the digest fits one page.
func SingleCaption(display string) string {
	return "📅 <b>Upcoming Results for " + html.EscapeString(display) + "</b>\n\n" +
		"Companies reporting earnings tomorrow.\n#Earnings #StockMarket"
}

// AlbumCaption goes on the first photo of a multi-page digest.
func AlbumCaption(display string) string {
	return "<b>Upcoming Results for " + html.EscapeString(display) + "</b>\n" +
		"Full List of companies reporting tomorrow.\n\n<b>Stay Tuned, </b>Thank You!"
}

// pagedURL adds the page size parameters unless the URL already sets them.
func pagedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range map[string]string{"page": "0", "size": "100", "sector": "All", "marketCap": "All"} {
		if !q.Has(k) {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Filter returns the companies whose resultDate falls on day (YYYY-MM-DD),
// deduplicated by code and sorted by name. A row without a code is keyed by
// its name.
func Filter(payload any, day string) []Company {
	var out []Company
	seen := map[string]bool{}
	rows, _ := feed.Rows(payload)
	for _, ev := range rows {
		date, _ := ev["resultDate"].(string)
		if !strings.HasPrefix(strings.TrimSpace(date), day) {
			continue
		}
		name := feed.Str(ev["companyName"])
		if name == "" {
			name = "Unknown"
		}
		code := feed.Str(ev["finCode"])
		if code == "" {
			code = feed.Str(ev["scripId"])
		}
		key := code
		if code == "" {
			code = "N/A"
			key = "name:" + name
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Company{Code: code, Name: name})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Paginate splits companies into pages of size n.
func Paginate(companies []Company, n int) [][]Company {
	if n <= 0 {
		n = PageSize
	}
	var pages [][]Company
	for start := 0; start < len(companies); start += n {
		pages = append(pages, companies[start:min(start+n, len(companies))])
	}
	return pages
}
