// Package hashrate implements the four-window EWMA-like hash rate estimator
// that both Client sessions and Pool sessions keep, and the Prometheus
// gauges the proxy exposes for it.
package hashrate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Window names the four fixed averaging windows every estimator keeps.
type Window int

const (
	Short Window = iota
	Medium
	Long
	Highest
)

// windowDurations holds the duration backing each Window: 60s, 600s, 12h, 24h.
var windowDurations = [4]time.Duration{
	60 * time.Second,
	600 * time.Second,
	12 * time.Hour,
	24 * time.Hour,
}

func (w Window) String() string {
	switch w {
	case Short:
		return "short"
	case Medium:
		return "medium"
	case Long:
		return "long"
	case Highest:
		return "highest"
	default:
		return "unknown"
	}
}

// Metrics are the labeled Prometheus gauges a Rate reports itself through,
// generalizing single workerHashrate gauge to one gauge per window and per
// source kind (client vs pool).
type Metrics struct {
	gauge *prometheus.GaugeVec
}

// NewMetrics registers a "name"-prefixed hashrate gauge vector labeled
// by source and window. Callers own registration lifetime; call once
// per process per name.
func NewMetrics(registry prometheus.Registerer, name string) *Metrics {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: name,
		Help: "Estimated hash rate per source and averaging window.",
	}, []string{"source", "window"})
	registry.MustRegister(gauge)
	return &Metrics{gauge: gauge}
}

func (m *Metrics) observe(source string, w Window, rate float64) {
	if m == nil {
		return
	}
	m.gauge.WithLabelValues(source, w.String()).Set(rate)
}

// Rate is a single source's four-window estimator: one instantaneous rate
// plus four EWMA-like averages, and the running total of hashes it has ever
// added.
type Rate struct {
	totalHashes float64
	lastUpdate  time.Time
	createdAt   time.Time
	instant     float64
	avg         [4]float64
}

// New returns a zeroed estimator, created at now.
func New(now time.Time) *Rate {
	return &Rate{createdAt: now, lastUpdate: now}
}

// TotalHashes returns the running total of hashes ever added.
func (r *Rate) TotalHashes() float64 { return r.totalHashes }

// Instant returns the last computed instantaneous rate (hashes/sec).
func (r *Rate) Instant() float64 { return r.instant }

// Average returns the current EWMA-like average for the given window.
func (r *Rate) Average(w Window) float64 { return r.avg[w] }

// Age returns how long this estimator has been accumulating events.
func (r *Rate) Age(now time.Time) time.Duration { return now.Sub(r.createdAt) }

// Add records dh additional hashes observed at time now, applying the update
// rule from: instantRate = dh * 1000 / dt_ms (if both > 0) frac_i = min(dt /
// min(window_i, age), 1) avg_i = (1 - frac_i) * avg_i + frac_i * instantRate
func (r *Rate) Add(dh float64, now time.Time) {
	dt := now.Sub(r.lastUpdate)
	age := now.Sub(r.createdAt)
	r.totalHashes += dh
	r.lastUpdate = now

	dtMs := float64(dt.Milliseconds())
	if dh > 0 && dtMs > 0 {
		r.instant = dh * 1000 / dtMs
	} else {
		return
	}

	for i, window := range windowDurations {
		capped := window
		if age < capped {
			capped = age
		}
		var frac float64
		if capped > 0 {
			frac = float64(dt) / float64(capped)
		}
		if frac > 1 {
			frac = 1
		}
		r.avg[i] = (1-frac)*r.avg[i] + frac*r.instant
	}
}

// AddHashRate is syntactic sugar: it adds r*dt/1000 hashes,
// where dt is the elapsed time since the last update, as if a source
// reporting an instantaneous rate had mined that many hashes over the
// interval.
func (r *Rate) AddHashRate(rate float64, now time.Time) {
	dt := now.Sub(r.lastUpdate)
	dh := rate * float64(dt.Milliseconds()) / 1000
	r.Add(dh, now)
}

// Observe publishes this estimator's instantaneous and windowed rates
// under the given source label.
func (r *Rate) Observe(m *Metrics, source string) {
	if m == nil {
		return
	}
	m.observe(source, Short, r.Average(Short))
	m.observe(source, Medium, r.Average(Medium))
	m.observe(source, Long, r.Average(Long))
	m.observe(source, Highest, r.Average(Highest))
}

// Merge returns a new Rate whose every field is the field-wise sum of rs,
// "sums of HashRate are field-wise additive" (used to aggregate worker rates
// into a pool rate, or client rates into a proxy-wide rate). The result's
// createdAt/lastUpdate track the earliest/latest among rs so Age and further
// Add calls stay sane.
func Merge(rs ...*Rate) *Rate {
	out := &Rate{}
	for _, r := range rs {
		if r == nil {
			continue
		}
		out.totalHashes += r.totalHashes
		out.instant += r.instant
		for w := range out.avg {
			out.avg[w] += r.avg[w]
		}
		if out.createdAt.IsZero() || r.createdAt.Before(out.createdAt) {
			out.createdAt = r.createdAt
		}
		if r.lastUpdate.After(out.lastUpdate) {
			out.lastUpdate = r.lastUpdate
		}
	}
	return out
}
