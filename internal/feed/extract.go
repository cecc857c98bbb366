package feed

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"concallbot/internal/universe"
	logx "concallbot/pkg/logx"
)

// Stats counts what Extract did with each feed item.
type Stats struct {
	Items      int
	Malformed  int
	OtherDay   int
	Unmatched  int
	Duplicates int
	Kept       int
}

// Extractor turns a decoded payload into the candidates of one day.
type Extractor struct {
	Matcher  *universe.Matcher
	Location *time.Location
	Log      logx.Logger
}

// Rows walks content[].eventsWithDate[].eventList[] and returns every object
// item in feed order. Items that are not objects are counted as malformed.
func Rows(payload any) (rows []map[string]any, malformed int) {
	for _, content := range list(field(payload, "content")) {
		for _, group := range list(field(content, "eventsWithDate")) {
			for _, item := range list(field(group, "eventList")) {
				row, ok := item.(map[string]any)
				if !ok {
					malformed++
					continue
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, malformed
}

// Events decodes every feed row. Missing or mistyped fields become empty
// strings and an unreadable time stays zero.
func Events(payload any, loc *time.Location) (events []Event, malformed int) {
	rows, malformed := Rows(payload)
	for _, row := range rows {
		ev := Event{
			CompanyName: Str(row["companyName"]),
			AltName:     Str(row["assentName"]),
			RawTime:     Str(row["dateTime"]),
			Description: Str(row["resultDescription"]),
			DocumentURL: strings.TrimSpace(Str(row["resultLink"])),
		}
		if t, err := ParseTime(ev.RawTime, loc); err == nil {
			ev.Time = t
		}
		events = append(events, ev)
	}
	return events, malformed
}

// Extract returns the resolved, deduplicated candidates whose event time falls
// on day (DayLayout, in the extractor's location), ordered by event time.
func (x *Extractor) Extract(payload any, day string) ([]Candidate, Stats) {
	loc := x.Location
	if loc == nil {
		loc = time.Local
	}
	events, malformed := Events(payload, loc)
	st := Stats{Items: len(events) + malformed, Malformed: malformed}

	type dedupKey struct{ company, desc string }
	seen := make(map[dedupKey]struct{}, len(events))
	out := make([]Candidate, 0, len(events))

	for _, ev := range events {
		if ev.Time.IsZero() {
			st.Malformed++
			x.Log.Debug("skip item with unreadable time",
				logx.String("company", ev.CompanyName), logx.String("time", ev.RawTime))
			continue
		}
		if ev.Time.Format("2006-01-02") != day {
			st.OtherDay++
			continue
		}
		c, ok := x.resolve(ev)
		if !ok {
			st.Unmatched++
			x.Log.Debug("no universe match",
				logx.String("company", ev.CompanyName), logx.String("alt", ev.AltName))
			continue
		}
		k := dedupKey{ev.CompanyName, ev.Description}
		if _, dup := seen[k]; dup {
			st.Duplicates++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	st.Kept = len(out)
	return out, st
}

// resolve tries the company name then the alternate name, first verbatim
// against the universe and then through the matcher.
func (x *Extractor) resolve(ev Event) (Candidate, bool) {
	if x.Matcher == nil {
		return Candidate{}, false
	}
	u := x.Matcher.Universe()
	for _, name := range []string{ev.CompanyName, ev.AltName} {
		if name != "" && u.Contains(name) {
			return Candidate{Event: ev, Entity: name, Symbol: u.Symbol(name), Strategy: universe.StrategyExact}, true
		}
	}
	for _, name := range []string{ev.CompanyName, ev.AltName} {
		if r, ok := x.Matcher.Match(name); ok {
			return Candidate{Event: ev, Entity: r.Canonical, Symbol: u.Symbol(r.Canonical), Strategy: r.Strategy}, true
		}
	}
	return Candidate{}, false
}

func field(v any, key string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

// Str renders scalar JSON values; anything else is "".
func Str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
