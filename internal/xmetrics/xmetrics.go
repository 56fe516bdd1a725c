// Package xmetrics wires up the handful of counters and gauges the log
// store and its specializations emit, backed by the Prometheus client
// the rest of the retrieval pack already depends on.
package xmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewRegistry returns a fresh, empty Prometheus registry. Each opened log
// store gets its own registry by default so that opening several logs
// (as the tests do) never collides on metric names the way sharing one
// global registry across instances would.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Meter mirrors the teacher's metrics.Meter: a monotonic counter tracking
// a cumulative byte or item count.
type Meter struct {
	c prometheus.Counter
}

// NewMeter registers and returns a new named meter against reg. reg may
// be nil, in which case the meter is a no-op (mirrors the teacher's
// metrics.NewInactiveMeter).
func NewMeter(reg prometheus.Registerer, name, help string) *Meter {
	if reg == nil {
		return nil
	}
	return &Meter{c: promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: help,
	})}
}

// Mark adds n to the meter's cumulative count.
func (m *Meter) Mark(n int64) {
	if m == nil {
		return
	}
	m.c.Add(float64(n))
}

// Gauge mirrors the teacher's metrics.Gauge: a point-in-time value such
// as total on-disk bytes across all segments of a log.
type Gauge struct {
	g prometheus.Gauge
}

// NewGauge registers and returns a new named gauge against reg. reg may
// be nil, in which case the gauge is a no-op.
func NewGauge(reg prometheus.Registerer, name, help string) *Gauge {
	if reg == nil {
		return nil
	}
	return &Gauge{g: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	})}
}

func (g *Gauge) Set(v int64) {
	if g == nil {
		return
	}
	g.g.Set(float64(v))
}

func (g *Gauge) Inc(delta int64) {
	if g == nil {
		return
	}
	g.g.Add(float64(delta))
}

func (g *Gauge) Dec(delta int64) {
	if g == nil {
		return
	}
	g.g.Sub(float64(delta))
}
