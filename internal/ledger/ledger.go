// Package ledger records which (company, description) pairs were delivered
// on which calendar day.
//
// Novelty is day-scoped: a key recorded on one day says nothing about the
// next. Entries are never updated or deleted by the ledger itself.
package ledger

import (
	"context"
	"errors"
	"time"

	logx "concallbot/pkg/logx"
)

// DayLayout formats the calendar day that scopes every entry.
const DayLayout = "2006-01-02"

var ErrClosed = errors.New("ledger: store closed")

// Key identifies one deliverable unit: name + "|" + description, exactly as
// received (case and whitespace sensitive).
type Key string

func NewKey(name, description string) Key { return Key(name + "|" + description) }

type Entry struct {
	Key         Key       `json:"key"`
	Entity      string    `json:"entity"`
	Description string    `json:"description"`
	Day         string    `json:"day"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Store is the persistence backend. InsertMany must ignore entries that are
// already present for the day.
type Store interface {
	Lookup(ctx context.Context, day string) (map[Key]struct{}, error)
	InsertMany(ctx context.Context, day string, entries []Entry) error
	Close() error
}

// Keyed is implemented by anything the ledger can gate.
type Keyed interface {
	DeliveryKey() Key
}

// Day returns the ledger day of t in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

type Ledger struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Ledger {
	return &Ledger{store: store, log: log, now: time.Now}
}

// Delivered returns the keys recorded for day. A read failure is logged and
// reported as an empty set: resending is preferred over silently dropping.
func (l *Ledger) Delivered(ctx context.Context, day string) map[Key]struct{} {
	keys, err := l.store.Lookup(ctx, day)
	if err != nil {
		l.log.Error("ledger lookup failed; treating day as empty", logx.String("day", day), logx.Err(err))
		return map[Key]struct{}{}
	}
	if keys == nil {
		keys = map[Key]struct{}{}
	}
	return keys
}

func (l *Ledger) IsDelivered(ctx context.Context, key Key, day string) bool {
	_, ok := l.Delivered(ctx, day)[key]
	return ok
}

// RecordDelivered stores entries under day. Re-recording is a no-op. Missing
// Day and DeliveredAt fields are filled in.
func (l *Ledger) RecordDelivered(ctx context.Context, day string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := l.now()
	batch := make([]Entry, len(entries))
	for i, e := range entries {
		e.Day = day
		if e.DeliveredAt.IsZero() {
			e.DeliveredAt = now
		}
		batch[i] = e
	}
	if err := l.store.InsertMany(ctx, day, batch); err != nil {
		l.log.Error("ledger write failed", logx.String("day", day), logx.Int("entries", len(batch)), logx.Err(err))
		return err
	}
	l.log.Debug("ledger recorded", logx.String("day", day), logx.Int("entries", len(batch)))
	return nil
}

func (l *Ledger) Close() error { return l.store.Close() }

// Novel returns the items whose key is not yet recorded for day, in input
// order.
func Novel[T Keyed](ctx context.Context, l *Ledger, day string, items []T) []T {
	if len(items) == 0 {
		return nil
	}
	seen := l.Delivered(ctx, day)
	out := make([]T, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.DeliveryKey()]; ok {
			continue
		}
		out = append(out, it)
	}
	return out
}
