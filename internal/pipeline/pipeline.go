// Package pipeline drives each new event through render, image, document
// and ledger steps.
//
// Events are delivered one at a time in the order given, with a pause
// between them. An event becomes "delivered" for the day as soon as its image
// is sent; document problems degrade to a text link and never undo that.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"concallbot/internal/document"
	"concallbot/internal/feed"
	"concallbot/internal/ledger"
	"concallbot/internal/render"
	"concallbot/internal/retry"
	"concallbot/internal/transport"
	logx "concallbot/pkg/logx"
)

// Fetcher downloads a document link to a temporary file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (document.File, error)
}

// Observer receives stage timings and final states. Optional.
type Observer interface {
	Stage(stage string, d time.Duration, err error)
	Outcome(s State)
}

type Config struct {
	Target transport.ChatTarget
	// Pace is the pause between consecutive events. Default 2s.
	Pace time.Duration
	// Retryable is overridden: ImageRetry retries transient errors and
	// timeouts, DocumentRetry retries transient errors only.
	ImageRetry    retry.Policy
	DocumentRetry retry.Policy
	// LedgerTimeout bounds the ledger write, which outlives cancellation.
	LedgerTimeout time.Duration
	// Location formats the event time shown on the card.
	Location *time.Location
}

// DefaultImageRetry and DefaultDocumentRetry are used for zero policies.
var (
	DefaultImageRetry    = retry.Policy{MaxAttempts: 3, Base: time.Second, Max: 10 * time.Second, Jitter: 0.1}
	DefaultDocumentRetry = retry.Policy{MaxAttempts: 2, Base: 2 * time.Second, Max: 15 * time.Second, Jitter: 0.1}
)

// Outcome is the result of one event's delivery.
type Outcome struct {
	Event feed.Candidate
	State State
	// Trail holds every state visited, starting with PENDING.
	Trail []State
	// Err is what aborted the event or forced the link fallback.
	Err error
	// FallbackErr is set when even the fallback text could not be sent.
	FallbackErr error
	// LedgerErr is set when the delivery could not be recorded.
	LedgerErr error
	Image     transport.MessageRef
}

type Pipeline struct {
	cfg      Config
	renderer render.Renderer
	channel  transport.Channel
	fetcher  Fetcher
	ledger   *ledger.Ledger
	obs      Observer
	log      logx.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, r render.Renderer, ch transport.Channel, f Fetcher, l *ledger.Ledger, obs Observer, log logx.Logger) *Pipeline {
	if cfg.Pace < 0 {
		cfg.Pace = 0
	} else if cfg.Pace == 0 {
		cfg.Pace = 2 * time.Second
	}
	if cfg.ImageRetry.MaxAttempts == 0 {
		cfg.ImageRetry = DefaultImageRetry
	}
	if cfg.DocumentRetry.MaxAttempts == 0 {
		cfg.DocumentRetry = DefaultDocumentRetry
	}
	cfg.ImageRetry.Retryable = func(err error) bool {
		return transport.IsTransient(err) || transport.IsTimeout(err)
	}
	cfg.DocumentRetry.Retryable = transport.IsTransient
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Pipeline{
		cfg:      cfg,
		renderer: r,
		channel:  ch,
		fetcher:  f,
		ledger:   l,
		obs:      obs,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Run delivers events sequentially. It stops early when ctx ends; events not
// started are not reported.
func (p *Pipeline) Run(ctx context.Context, day string, events []feed.Candidate) []Outcome {
	out := make([]Outcome, 0, len(events))
	for i, ev := range events {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.Pace); err != nil {
				p.log.Info("delivery interrupted", logx.Int("remaining", len(events)-i))
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		p.log.Info("delivering",
			logx.Int("n", i+1), logx.Int("of", len(events)),
			logx.String("company", ev.Name()), logx.String("entity", ev.Entity))
		out = append(out, p.Deliver(ctx, day, ev))
	}
	return out
}

// delivery is the mutable state of one event.
type delivery struct {
	ev    feed.Candidate
	day   string
	image []byte
	out   Outcome
}

func (d *delivery) move(to State) {
	if !canTransition(d.out.State, to) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", d.out.State, to))
	}
	d.out.State = to
	d.out.Trail = append(d.out.Trail, to)
}

// Deliver runs one event to a terminal state. It never panics on collaborator
// errors; they end up in the Outcome.
func (p *Pipeline) Deliver(ctx context.Context, day string, ev feed.Candidate) Outcome {
	d := &delivery{ev: ev, day: day, out: Outcome{Event: ev, State: StatePending, Trail: []State{StatePending}}}
	log := p.log.With(logx.String("key", string(ev.DeliveryKey())))

	for !d.out.State.Terminal() {
		switch d.out.State {
		case StatePending:
			p.render(ctx, d, log)
		case StateRendered:
			p.sendImage(ctx, d, log)
		case StateImageSent:
			p.sendDocument(ctx, d, log)
		case StateDocSent, StateDocSkipped, StateDocFallbackSent:
			p.mark(ctx, d, log)
		}
	}
	p.obs.Outcome(d.out.State)
	if d.out.State == StateAborted {
		log.Error("delivery aborted", logx.String("company", ev.Name()), logx.Err(d.out.Err))
	} else {
		log.Info("delivered", logx.String("company", ev.Name()), logx.Strs("trail", trail(d.out.Trail)))
	}
	return d.out
}

func (p *Pipeline) render(ctx context.Context, d *delivery, log logx.Logger) {
	start := time.Now()
	extra := ""
	if !d.ev.Time.IsZero() {
		extra = d.ev.Time.In(p.cfg.Location).Format("02 Jan 2006 15:04")
	}
	img, err := p.renderer.Render(ctx, d.ev.Name(), d.ev.Description, extra)
	if err == nil && len(img) == 0 {
		err = errors.New("renderer returned no image")
	}
	p.obs.Stage("render", time.Since(start), err)
	if err != nil {
		d.out.Err = fmt.Errorf("render: %w", err)
		d.move(StateAborted)
		return
	}
	d.image = img
	d.move(StateRendered)
}

func (p *Pipeline) sendImage(ctx context.Context, d *delivery, log logx.Logger) {
	start := time.Now()
	photo := transport.Photo{Data: d.image, FileName: "result.png", Caption: Caption(d.ev)}
	opt := &transport.SendOptions{ParseMode: "HTML"}
	policy := p.withRetryLog(p.cfg.ImageRetry, "image", log)

	var ref transport.MessageRef
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var serr error
		ref, serr = p.channel.SendPhoto(ctx, p.cfg.Target, photo, opt)
		return withRetryAfter(serr)
	})
	p.obs.Stage("image", time.Since(start), err)
	d.image = nil
	if err != nil {
		d.out.Err = fmt.Errorf("send image: %w", err)
		d.move(StateAborted)
		return
	}
	d.out.Image = ref
	d.move(StateImageSent)
}

func (p *Pipeline) sendDocument(ctx context.Context, d *delivery, log logx.Logger) {
	if d.ev.DocumentURL == "" || p.fetcher == nil {
		d.move(StateDocSkipped)
		return
	}
	if err := p.document(ctx, d.ev, log); err != nil {
		d.out.Err = err
		log.Warn("document not delivered; sending link", logx.String("url", d.ev.DocumentURL), logx.Err(err))
		p.fallback(ctx, d, log)
		d.move(StateDocFallbackSent)
		return
	}
	d.move(StateDocSent)
}

// document fetches and uploads the attachment. The temporary file is removed
// whatever happens.
func (p *Pipeline) document(ctx context.Context, ev feed.Candidate, log logx.Logger) error {
	start := time.Now()
	file, err := p.fetcher.Fetch(ctx, ev.DocumentURL)
	p.obs.Stage("fetch", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}
	defer func() {
		if rerr := file.Remove(); rerr != nil {
			log.Warn("temp document not removed", logx.String("path", file.Path), logx.Err(rerr))
		}
	}()

	start = time.Now()
	doc := transport.Document{Path: file.Path, FileName: document.FileName(ev.Name(), ev.Description)}
	policy := p.withRetryLog(p.cfg.DocumentRetry, "document", log)
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		_, serr := p.channel.SendDocument(ctx, p.cfg.Target, doc, nil)
		return withRetryAfter(serr)
	})
	p.obs.Stage("document", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

func (p *Pipeline) fallback(ctx context.Context, d *delivery, log logx.Logger) {
	start := time.Now()
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	policy := p.withRetryLog(p.cfg.DocumentRetry, "fallback", log)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		_, serr := p.channel.SendText(ctx, p.cfg.Target, FallbackText(d.ev), opt)
		return withRetryAfter(serr)
	})
	p.obs.Stage("fallback", time.Since(start), err)
	if err != nil {
		d.out.FallbackErr = err
		log.Error("fallback link not sent", logx.Err(err))
	}
}

// mark records the delivery. It runs even after cancellation so that a sent
// image is never resent because shutdown raced the write.
func (p *Pipeline) mark(ctx context.Context, d *delivery, log logx.Logger) {
	if p.ledger != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LedgerTimeout)
		start := time.Now()
		err := p.ledger.RecordDelivered(wctx, d.day, d.ev.Entry())
		cancel()
		p.obs.Stage("ledger", time.Since(start), err)
		d.out.LedgerErr = err
	}
	d.move(StateMarkedDelivered)
}

func (p *Pipeline) withRetryLog(policy retry.Policy, op string, log logx.Logger) retry.Policy {
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("send failed; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("in", delay), logx.Err(err))
	}
	return policy
}

// withRetryAfter exposes flood-control delays to retry.Policy.
func withRetryAfter(err error) error {
	var se *transport.SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return retry.RetryAfter(err, se.RetryAfter)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func trail(ss []State) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type nopObserver struct{}

func (nopObserver) Stage(string, time.Duration, error) {}
func (nopObserver) Outcome(State)                      {}
