// Package metrics holds the Prometheus instruments for the publisher.
// Instruments live on a private registry so tests and multiple loops
// in one process do not collide with the global default registry.
//
// All recording methods are safe on a nil *Metrics, which is how
// metrics are disabled.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devicesim"

// Outcome label values for delivery counters.
const (
	OutcomeAcked    = "acked"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Metrics is the set of publisher instruments.
type Metrics struct {
	registry *prometheus.Registry

	sendsTotal      *prometheus.CounterVec   // by transport
	outcomesTotal   *prometheus.CounterVec   // by transport, outcome
	slotBusyTotal   prometheus.Counter       // skipped cycles
	lateAcksTotal   prometheus.Counter       // outcomes after Await gave up
	ackLatency      *prometheus.HistogramVec // by transport
	alertsTotal     prometheus.Counter       // messages with temperatureAlert=true
	connected       prometheus.Gauge         // 1 while the transport probe passes
	lastTemperature prometheus.Gauge
	lastHumidity    prometheus.Gauge
}

// New creates the instruments and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "sends_total",
			Help:      "Messages handed to the transport",
		}, []string{"transport"}),

		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "outcomes_total",
			Help:      "Delivery outcomes observed by the publisher",
		}, []string{"transport", "outcome"}),

		slotBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "slot_busy_total",
			Help:      "Cycles skipped because the previous message was still in flight",
		}),

		lateAcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "late_outcomes_total",
			Help:      "Delivery outcomes that arrived after the publisher stopped waiting",
		}),

		ackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "ack_latency_seconds",
			Help:      "Time from send to acknowledgement",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"transport"}),

		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "temperature_alerts_total",
			Help:      "Encoded messages flagged with a temperature alert",
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Transport health (1=reachable, 0=unreachable)",
		}),

		lastTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "temperature_celsius",
			Help:      "Most recently generated temperature",
		}),

		lastHumidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "humidity_percent",
			Help:      "Most recently generated relative humidity",
		}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sendsTotal,
		m.outcomesTotal,
		m.slotBusyTotal,
		m.lateAcksTotal,
		m.ackLatency,
		m.alertsTotal,
		m.connected,
		m.lastTemperature,
		m.lastHumidity,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format. A
// nil *Metrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Reading records the latest generated values and whether the encoder
// flagged an alert.
func (m *Metrics) Reading(temperature, humidity float64, alert bool) {
	if m == nil {
		return
	}
	m.lastTemperature.Set(temperature)
	m.lastHumidity.Set(humidity)
	if alert {
		m.alertsTotal.Inc()
	}
}

// Send records a message handed to the transport.
func (m *Metrics) Send(transport string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(transport).Inc()
}

// Outcome records a delivery outcome. Latency is observed for acks only.
func (m *Metrics) Outcome(transport, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(transport, outcome).Inc()
	if outcome == OutcomeAcked {
		m.ackLatency.WithLabelValues(transport).Observe(latency.Seconds())
	}
}

// SlotBusy records a skipped cycle.
func (m *Metrics) SlotBusy() {
	if m == nil {
		return
	}
	m.slotBusyTotal.Inc()
}

// LateOutcome records an outcome that arrived after the wait ended.
func (m *Metrics) LateOutcome() {
	if m == nil {
		return
	}
	m.lateAcksTotal.Inc()
}

// SetConnected records the transport health state.
func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
