// Package cycle runs one poll: fetch the feed, extract today's candidates,
// drop what the ledger already has and deliver the rest.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"concallbot/internal/feed"
	"concallbot/internal/ledger"
	"concallbot/internal/metrics"
	"concallbot/internal/pipeline"
	logx "concallbot/pkg/logx"
)

// FeedSource fetches the raw payload.
type FeedSource interface {
	Post(ctx context.Context, url string) (feed.Payload, error)
}

// Deliverer runs the delivery pipeline over the novel candidates.
type Deliverer interface {
	Run(ctx context.Context, day string, events []feed.Candidate) []pipeline.Outcome
}

type Deps struct {
	Feed      FeedSource
	URL       string
	Extractor *feed.Extractor
	Ledger    *ledger.Ledger
	Pipeline  Deliverer
	// Archive is optional.
	Archive *feed.Archive
	// Metrics is optional.
	Metrics  *metrics.Metrics
	Location *time.Location
}

// Report summarizes one cycle.
type Report struct {
	ID        string
	Day       string
	Stats     feed.Stats
	Novel     int
	Delivered int
	Aborted   int
	Outcomes  []pipeline.Outcome
	Archived  string
	Duration  time.Duration
}

type Runner struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	mu          sync.Mutex
	lastSuccess time.Time
}

func New(d Deps, log logx.Logger) *Runner {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.URL == "" {
		d.URL = feed.DefaultURL
	}
	return &Runner{d: d, log: log, now: time.Now}
}

// LastSuccess is the time of the last cycle that fetched the feed.
func (r *Runner) LastSuccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess
}

// RunCycle performs one poll. Only a feed failure is returned as an error;
// per-event problems are in the report.
func (r *Runner) RunCycle(ctx context.Context) (Report, error) {
	start := r.now()
	rep := Report{ID: uuid.NewString(), Day: ledger.Day(start, r.d.Location)}
	log := r.log.With(logx.String("cycle", rep.ID), logx.String("day", rep.Day))

	payload, err := r.d.Feed.Post(ctx, r.d.URL)
	if err != nil {
		rep.Duration = time.Since(start)
		r.observe("error", rep.Duration)
		if errors.Is(err, feed.ErrCircuitOpen) {
			log.Warn("feed fetch skipped; circuit open")
		} else {
			log.Error("feed fetch failed; cycle aborted", logx.Err(err))
		}
		return rep, fmt.Errorf("cycle %s: %w", rep.ID, err)
	}

	candidates, st := r.d.Extractor.Extract(payload.Data, rep.Day)
	rep.Stats = st
	novel := ledger.Novel(ctx, r.d.Ledger, rep.Day, candidates)
	rep.Novel = len(novel)
	if r.d.Metrics != nil {
		r.d.Metrics.Extracted(len(novel), st.OtherDay, st.Unmatched, st.Duplicates, st.Malformed, st.Kept-len(novel))
	}
	log.Info("feed extracted",
		logx.Int("items", st.Items), logx.Int("today", st.Kept), logx.Int("new", len(novel)),
		logx.Int("unmatched", st.Unmatched), logx.Int("duplicates", st.Duplicates), logx.Int("malformed", st.Malformed))

	if len(novel) > 0 {
		rep.Outcomes = r.d.Pipeline.Run(ctx, rep.Day, novel)
		for _, o := range rep.Outcomes {
			if o.State == pipeline.StateAborted {
				rep.Aborted++
			} else {
				rep.Delivered++
			}
		}
	}

	if r.d.Archive != nil {
		names := make([]string, 0, len(novel))
		for _, c := range novel {
			names = append(names, c.Name())
		}
		if path, aerr := r.d.Archive.Save(payload.Raw, names); aerr != nil {
			log.Warn("archive not written", logx.Err(aerr))
		} else {
			rep.Archived = path
		}
	}

	r.mu.Lock()
	r.lastSuccess = r.now()
	r.mu.Unlock()

	rep.Duration = time.Since(start)
	result := "ok"
	if len(novel) == 0 {
		result = "empty"
	}
	r.observe(result, rep.Duration)
	log.Info("cycle done",
		logx.Int("delivered", rep.Delivered), logx.Int("aborted", rep.Aborted), logx.Duration("took", rep.Duration))
	return rep, nil
}

func (r *Runner) observe(result string, d time.Duration) {
	if r.d.Metrics != nil {
		r.d.Metrics.CycleDone(result, d)
	}
}
