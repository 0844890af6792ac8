package metrics

import (
	"time"

	"github.com/devctx/contextcache/types"
)

// NewNop returns a metrics manager that records nothing. Used when metrics
// are disabled and in tests.
func NewNop() types.MetricsManager {
	return &nopMetrics{}
}

type nopMetrics struct{}

func (n *nopMetrics) Start() error    { return nil }
func (n *nopMetrics) Stop() error     { return nil }
func (n *nopMetrics) IsRunning() bool { return false }

func (n *nopMetrics) GetMetrics() ([]byte, error) {
	return nil, types.ErrMetricsIsDisabled
}

func (n *nopMetrics) Counter(name string, labels map[string]string) types.Counter {
	return nopInstrument{}
}

func (n *nopMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	return nopInstrument{}
}

func (n *nopMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	return nopInstrument{}
}

type nopInstrument struct{}

func (nopInstrument) Inc()                      {}
func (nopInstrument) Dec()                      {}
func (nopInstrument) Add(float64)               {}
func (nopInstrument) Set(float64)               {}
func (nopInstrument) Observe(float64)           {}
func (nopInstrument) ObserveDuration(time.Time) {}
