// Package metrics exposes counters and gauges for the monitor
package metrics

import (
	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "envmon"

// Persistence failure kinds
const (
	KindReading = "reading"
	KindLog     = "log"
)

// Metrics holds the collectors
type Metrics struct {

	// Readings counts readings seen on the bus
	Readings prometheus.Counter

	// LogEntries counts log entries seen on the bus
	LogEntries prometheus.Counter

	// PumpActivations counts pump commands seen on the bus
	PumpActivations prometheus.Counter

	// PersistFailures counts failed saves by kind
	PersistFailures *prometheus.CounterVec

	// PersistDuration measures saves by kind
	PersistDuration *prometheus.HistogramVec

	handles []bus.Handle

	bus *bus.Bus
}

// New registers the collectors with reg. Connections and sessions are
// sampled at scrape time; either may be nil.
func New(reg prometheus.Registerer, connections, sessions func() int) *Metrics {

	factory := promauto.With(reg)

	m := &Metrics{
		Readings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Total sensor readings received from the device",
		}),
		LogEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_total",
			Help:      "Total log entries published",
		}),
		PumpActivations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_activations_total",
			Help:      "Total pump activations requested",
		}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Total failed saves by kind",
		}, []string{"kind"}),
		PersistDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "save_duration_seconds",
			Help:      "Time taken to save by kind",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
	}

	if connections != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Live clients currently connected",
		}, func() float64 { return float64(connections()) })
	}

	if sessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions currently valid",
		}, func() float64 { return float64(sessions()) })
	}

	return m
}

// Attach counts events published on b until Detach is called
func (m *Metrics) Attach(b *bus.Bus) {

	m.bus = b

	m.handles = append(m.handles,
		bus.Subscribe(b, models.SensorData, func(models.Reading) error {
			m.Readings.Inc()
			return nil
		}),
		bus.Subscribe(b, models.LogEntries, func(models.LogEntry) error {
			m.LogEntries.Inc()
			return nil
		}),
		bus.Subscribe(b, models.PumpActivate, func(models.PumpCommand) error {
			m.PumpActivations.Inc()
			return nil
		}),
	)
}

// Detach removes the bus subscriptions
func (m *Metrics) Detach() {

	if m.bus == nil {
		return
	}

	for _, h := range m.handles {
		m.bus.Unsubscribe(h)
	}

	m.handles = nil
}
