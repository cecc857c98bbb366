// Package scheduler triggers named jobs on cron or interval specs in a fixed
// timezone. A job never overlaps itself: a tick that arrives while the
// previous run is still going is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "concallbot/pkg/logx"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

var ErrUnknownJob = errors.New("scheduler: unknown job")

type entry struct {
	name    string
	spec    Spec
	timeout time.Duration
	fn      Job
	id      cron.EntryID
	running atomic.Bool
}

type Scheduler struct {
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	base    context.Context
	entries map[string]*entry
	wg      sync.WaitGroup
}

func New(loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		log:     log,
		loc:     loc,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
		base:    context.Background(),
	}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log})),
	)
	return s
}

// Add registers fn under name. Re-adding a name replaces the previous job.
// timeout <= 0 means the run is bounded only by Stop.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("job required")
	}
	ps, err := ParseSpec(spec)
	if err != nil {
		return err
	}
	var sched cron.Schedule
	if ps.Kind == SpecInterval {
		sched = cron.Every(ps.Every)
	} else if sched, err = s.parser.Parse(ps.Cron); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	e := &entry{name: name, spec: ps, timeout: timeout, fn: fn}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.run(e, "schedule") }))
	s.entries[name] = e
	s.log.Debug("job scheduled", logx.String("name", name), logx.String("spec", ps.String()))
	return nil
}

// Start begins triggering. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.Names())))
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

// Trigger runs name now, in the background, unless it is already running.
// It reports whether a run was started.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.running.Load() {
		return false, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(e, "manual")
	}()
	return true, nil
}

// Next returns the next scheduled run of name, zero if unknown.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(e.id).Next
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	return out
}

func (s *Scheduler) run(e *entry, trigger string) {
	if !e.running.CompareAndSwap(false, true) {
		s.log.Info("previous run still in progress; tick skipped", logx.String("job", e.name))
		return
	}
	defer e.running.Store(false)

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	err := e.fn(ctx)
	fields := []logx.Field{logx.String("job", e.name), logx.String("trigger", trigger), logx.Duration("took", time.Since(start))}
	if err != nil {
		s.log.Warn("job failed", append(fields, logx.Err(err))...)
		return
	}
	s.log.Debug("job finished", fields...)
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
