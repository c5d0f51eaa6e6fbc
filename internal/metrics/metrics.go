// Package metrics exposes flow readings and sampler activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/flow-sensor/internal/flow"
	"github.com/sweeney/flow-sensor/internal/sampler"
)

const namespace = "flow_sensor"

// Metrics holds the collectors for one daemon. Each instance has its own
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	rate   *prometheus.GaugeVec
	amount *prometheus.GaugeVec

	runs   prometheus.Counter
	mqttUp prometheus.Gauge
}

// New creates and registers the collectors. stats is read on every scrape
// for the cycle, error and reset totals.
func New(stats func() sampler.Stats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "flow_rate",
				Help:      "Flow rate per channel in configured units per hour",
			},
			[]string{"channel", "units"},
		),
		amount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "flow_amount",
				Help:      "Volume per channel since the last reset in configured units",
			},
			[]string{"channel", "units"},
		),
		runs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed runs recorded",
			},
		),
		mqttUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mqtt_connected",
				Help:      "1 when the MQTT broker connection is up",
			},
		),
	}
	m.registry.MustRegister(
		m.rate,
		m.amount,
		m.runs,
		m.mqttUp,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Successful sample cycles",
			},
			func() float64 { return float64(stats().Cycles) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_errors_total",
				Help:      "Failed sample cycles and resets",
			},
			func() float64 { return float64(stats().Errors) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resets_total",
				Help:      "Counter resets",
			},
			func() float64 { return float64(stats().Resets) },
		))
	return m
}

// ObserveReading sets the per-channel gauges. A change of units drops the
// series labelled with the old units.
func (m *Metrics) ObserveReading(r flow.Reading) {
	units := string(r.Units)
	for i := 0; i < flow.NumChannels; i++ {
		ch := strconv.Itoa(i + 1)
		m.rate.WithLabelValues(ch, units).Set(r.Rates[i])
		m.amount.WithLabelValues(ch, units).Set(r.Amounts[i])
	}
	for _, u := range []flow.Units{flow.Liters, flow.Gallons} {
		if u == r.Units {
			continue
		}
		for i := 0; i < flow.NumChannels; i++ {
			ch := strconv.Itoa(i + 1)
			m.rate.DeleteLabelValues(ch, string(u))
			m.amount.DeleteLabelValues(ch, string(u))
		}
	}
}

// RunRecorded counts a completed run.
func (m *Metrics) RunRecorded() { m.runs.Inc() }

// SetMQTTConnected records the broker connection state.
func (m *Metrics) SetMQTTConnected(up bool) {
	if up {
		m.mqttUp.Set(1)
		return
	}
	m.mqttUp.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
