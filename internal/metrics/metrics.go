// Package metrics exports redemption and worker telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "greenpoints"

// PrometheusObserver satisfies the Observer interfaces of the redeem, unlock
// and live packages. A nil *PrometheusObserver records nothing.
type PrometheusObserver struct {
	redemptions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	retries     prometheus.Counter
	codesIssued prometheus.Counter
	subscribers prometheus.Gauge
}

// NewPrometheusObserver registers the collectors with reg (DefaultRegisterer
// when nil). Registering twice against the same registry reuses the existing
// collectors, so tests and restarts in one process do not panic.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &PrometheusObserver{}
	if o.redemptions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redemptions_total",
		Help:      "Redemption requests by outcome kind.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if o.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "redeem_duration_seconds",
		Help:      "Latency of redemption requests, including internal retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if o.retries, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redeem_retries_total",
		Help:      "Internal retries after transient storage failures.",
	})); err != nil {
		return nil, err
	}
	if o.codesIssued, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "codes_issued_total",
		Help:      "Unlock codes written to the ledger.",
	})); err != nil {
		return nil, err
	}
	if o.subscribers, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_subscribers",
		Help:      "Open live history subscriptions.",
	})); err != nil {
		return nil, err
	}
	return o, nil
}

// register returns the collector already registered under c's descriptor, if any.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("registering metric: %w", err)
	}
	return c, nil
}

// ObserveRedeem records one finished redemption request.
func (o *PrometheusObserver) ObserveRedeem(outcome string, elapsed time.Duration) {
	if o == nil {
		return
	}
	o.redemptions.WithLabelValues(outcome).Inc()
	o.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (o *PrometheusObserver) ObserveRetry() {
	if o == nil {
		return
	}
	o.retries.Inc()
}

func (o *PrometheusObserver) ObserveCodeIssued() {
	if o == nil {
		return
	}
	o.codesIssued.Inc()
}

// SubscriberAdded and SubscriberRemoved track live subscriptions.
func (o *PrometheusObserver) SubscriberAdded() {
	if o == nil {
		return
	}
	o.subscribers.Inc()
}

func (o *PrometheusObserver) SubscriberRemoved() {
	if o == nil {
		return
	}
	o.subscribers.Dec()
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveRedeem(string, time.Duration) {}

func (Nop) ObserveRetry() {}

func (Nop) ObserveCodeIssued() {}

func (Nop) SubscriberAdded() {}

func (Nop) SubscriberRemoved() {}
