// Package metrics exposes Prometheus counters for cycles and deliveries and
// serves them over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"concallbot/internal/pipeline"
)

const namespace = "concallbot"

// Metrics owns its registry so that several instances (tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   prometheus.Gauge
	extracted     *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	breaker       *prometheus.GaugeVec
	upcoming      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Poll cycles by result",
	}, []string{"result"})
	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a poll cycle",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	m.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last cycle that fetched the feed",
	})
	m.extracted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_items_total",
		Help:      "Feed items by extraction decision",
	}, []string{"decision"})
	m.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Event deliveries by final state",
	}, []string{"state"})
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Delivery stage latency",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2.5, 9),
	}, []string{"stage"})
	m.stageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_errors_total",
		Help:      "Delivery stage failures after retries",
	}, []string{"stage"})
	m.breaker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_breaker_state",
		Help:      "1 for the current feed circuit breaker state",
	}, []string{"state"})
	m.upcoming = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upcoming_runs_total",
		Help:      "Upcoming digest runs by result",
	}, []string{"result"})

	m.Registry.MustRegister(
		m.cycles, m.cycleDuration, m.lastSuccess, m.extracted, m.outcomes,
		m.stageDuration, m.stageErrors, m.breaker, m.upcoming,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.BreakerChanged("", "closed")
	return m
}

// CycleDone records a finished cycle. result is "ok", "empty" or "error".
func (m *Metrics) CycleDone(result string, d time.Duration) {
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
	if result != "error" {
		m.lastSuccess.SetToCurrentTime()
	}
}

// Extracted adds the per-decision item counts of one extraction.
func (m *Metrics) Extracted(kept, otherDay, unmatched, duplicates, malformed, alreadyDelivered int) {
	add := func(decision string, n int) {
		if n > 0 {
			m.extracted.WithLabelValues(decision).Add(float64(n))
		}
	}
	add("kept", kept)
	add("other_day", otherDay)
	add("unmatched", unmatched)
	add("duplicate", duplicates)
	add("malformed", malformed)
	add("already_delivered", alreadyDelivered)
}

// Stage implements pipeline.Observer.
func (m *Metrics) Stage(stage string, d time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

// Outcome implements pipeline.Observer.
func (m *Metrics) Outcome(s pipeline.State) {
	m.outcomes.WithLabelValues(string(s)).Inc()
}

// BreakerChanged tracks the feed circuit breaker.
func (m *Metrics) BreakerChanged(_, to string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == to {
			v = 1
		}
		m.breaker.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) UpcomingDone(result string) {
	m.upcoming.WithLabelValues(result).Inc()
}

var _ pipeline.Observer = (*Metrics)(nil)
