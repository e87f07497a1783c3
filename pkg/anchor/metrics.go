package anchor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anchordrift/internal/models"
)

// Acquisition results reported by the acquisitions counter.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
	ResultError     = "error"
)

// Collector bundles the Prometheus metrics of the drift correction loop. A
// nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Acquisitions *prometheus.CounterVec
	Durations    prometheus.Histogram
	Estimates    prometheus.Counter
	Degenerate   prometheus.Counter
	Drift        *prometheus.GaugeVec
	MaxDrift     *prometheus.GaugeVec
}

// NewCollector registers the drift metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	acquisitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_acquisitions_total",
		Help: "Anchor scans attempted, labeled by result.",
	}, []string{"result"}), "anchor_acquisitions_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anchor_acquisition_duration_seconds",
		Help:    "Time from anchor scan start to data delivery.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}), "anchor_acquisition_duration_seconds")
	if err != nil {
		return nil, err
	}

	estimates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_estimates_total",
		Help: "Drift estimates computed from anchor scans.",
	}), "drift_estimates_total")
	if err != nil {
		return nil, err
	}

	degenerate, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_estimates_low_confidence_total",
		Help: "Drift estimates computed from featureless anchor scans.",
	}), "drift_estimates_low_confidence_total")
	if err != nil {
		return nil, err
	}

	drift, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_pixels",
		Help: "Current drift correction in scanner pixels, labeled by axis.",
	}, []string{"axis"}), "drift_pixels")
	if err != nil {
		return nil, err
	}

	maxDrift, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_max_pixels",
		Help: "Largest absolute drift seen during the acquisition, labeled by axis.",
	}, []string{"axis"}), "drift_max_pixels")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:     gatherer,
		Acquisitions: acquisitions,
		Durations:    durations,
		Estimates:    estimates,
		Degenerate:   degenerate,
		Drift:        drift,
		MaxDrift:     maxDrift,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) observeAcquisition(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Acquisitions.WithLabelValues(result).Inc()
	if result == ResultOK {
		c.Durations.Observe(d.Seconds())
	}
}

func (c *Collector) observeEstimate(s State) {
	if c == nil {
		return
	}
	c.Estimates.Inc()
	if s.LowConfidence {
		c.Degenerate.Inc()
	}
	correction := s.Correction()
	c.Drift.WithLabelValues("x").Set(correction.X)
	c.Drift.WithLabelValues("y").Set(correction.Y)
	c.MaxDrift.WithLabelValues("x").Set(s.MaxDrift.X)
	c.MaxDrift.WithLabelValues("y").Set(s.MaxDrift.Y)
}

// setDrift resets the drift gauges, typically when a new reference is taken.
func (c *Collector) setDrift(d models.DriftVector) {
	if c == nil {
		return
	}
	c.Drift.WithLabelValues("x").Set(d.X)
	c.Drift.WithLabelValues("y").Set(d.Y)
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
