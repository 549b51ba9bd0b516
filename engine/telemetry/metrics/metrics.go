// Package metrics provides the two concrete Provider backends (Prometheus,
// OpenTelemetry) that implement the internal metrics abstraction. Public
// callers select a backend via Config.MetricsBackend; the types below are
// aliases onto the internal package so both backend files in this package
// can refer to Provider/Counter/etc. without a second type definition.
package metrics

import (
	internalmetrics "beacon/engine/internal/telemetry/metrics"
)

type (
	Provider      = internalmetrics.Provider
	Counter       = internalmetrics.Counter
	Gauge         = internalmetrics.Gauge
	Histogram     = internalmetrics.Histogram
	Timer         = internalmetrics.Timer
	CommonOpts    = internalmetrics.CommonOpts
	CounterOpts   = internalmetrics.CounterOpts
	GaugeOpts     = internalmetrics.GaugeOpts
	HistogramOpts = internalmetrics.HistogramOpts
)

// NewNoopProvider returns a Provider that discards all observations.
func NewNoopProvider() Provider { return internalmetrics.NewNoopProvider() }

// Local noop instrument fallbacks for backends that fail to register a
// metric (invalid name, registry conflict): returned instead of nil so
// callers never need a nil check.
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

func (noopCounter) Inc(float64, ...string)      {}
func (noopGauge) Set(float64, ...string)        {}
func (noopGauge) Add(float64, ...string)        {}
func (noopHistogram) Observe(float64, ...string) {}
func (noopTimer) ObserveDuration(...string)      {}

