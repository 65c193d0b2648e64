// Package metrics records aggregation and deaggregation activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Recorder is the metrics interface used by the core packages.
type Recorder interface {
	RecordAggregated(records int)
	RecordContainer(records, bytes int)
	RecordPackingError(kind string)
	RecordDeaggregated(records int, aggregated bool)
	RecordDecodeError(kind string)
	RecordDelivery(success bool)
	DeliveryStarted()
	DeliveryFinished()
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) RecordAggregated(int)         {}
func (Nop) RecordContainer(int, int)     {}
func (Nop) RecordPackingError(string)    {}
func (Nop) RecordDeaggregated(int, bool) {}
func (Nop) RecordDecodeError(string)     {}
func (Nop) RecordDelivery(bool)          {}
func (Nop) DeliveryStarted()             {}
func (Nop) DeliveryFinished()            {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Metrics holds the Prometheus collectors.
type Metrics struct {
	// Aggregation metrics
	userRecordsAggregated prometheus.Counter
	containersTotal       prometheus.Counter
	containerBytes        prometheus.Histogram
	containerRecords      prometheus.Histogram
	packingErrorsTotal    *prometheus.CounterVec

	// Deaggregation metrics
	userRecordsDeaggregated *prometheus.CounterVec
	decodeErrorsTotal       *prometheus.CounterVec

	// Delivery metrics
	deliveriesTotal    *prometheus.CounterVec
	deliveriesInFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		userRecordsAggregated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kinesisagg_user_records_aggregated_total",
				Help: "Total number of user records packed into containers",
			},
		),

		containersTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kinesisagg_containers_total",
				Help: "Total number of aggregated containers emitted",
			},
		),

		containerBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kinesisagg_container_bytes",
				Help:    "Encoded size of emitted containers in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 6),
			},
		),

		containerRecords: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kinesisagg_container_user_records",
				Help:    "Number of user records per emitted container",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		packingErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kinesisagg_packing_errors_total",
				Help: "Total number of user records rejected by the aggregator",
			},
			[]string{"kind"},
		),

		userRecordsDeaggregated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kinesisagg_user_records_deaggregated_total",
				Help: "Total number of user records emitted by the deaggregator",
			},
			[]string{"aggregated"},
		),

		decodeErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kinesisagg_decode_errors_total",
				Help: "Total number of containers or sub-records that failed to decode",
			},
			[]string{"kind"},
		),

		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kinesisagg_deliveries_total",
				Help: "Total number of container deliveries",
			},
			[]string{"status"},
		),

		deliveriesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kinesisagg_deliveries_in_flight",
				Help: "Number of container deliveries currently outstanding",
			},
		),
	}
}

// RecordAggregated counts user records accepted into containers.
func (m *Metrics) RecordAggregated(records int) {
	m.userRecordsAggregated.Add(float64(records))
}

// RecordContainer records an emitted container.
func (m *Metrics) RecordContainer(records, bytes int) {
	m.containersTotal.Inc()
	m.containerBytes.Observe(float64(bytes))
	m.containerRecords.Observe(float64(records))
}

// RecordPackingError records a rejected user record.
func (m *Metrics) RecordPackingError(kind string) {
	m.packingErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordDeaggregated counts user records emitted by the deaggregator.
func (m *Metrics) RecordDeaggregated(records int, aggregated bool) {
	label := "false"
	if aggregated {
		label = "true"
	}
	m.userRecordsDeaggregated.WithLabelValues(label).Add(float64(records))
}

// RecordDecodeError records a container or sub-record decode failure.
func (m *Metrics) RecordDecodeError(kind string) {
	m.decodeErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordDelivery records the outcome of a delivery.
func (m *Metrics) RecordDelivery(success bool) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	m.deliveriesTotal.WithLabelValues(status).Inc()
}

// DeliveryStarted marks a delivery as outstanding.
func (m *Metrics) DeliveryStarted() {
	m.deliveriesInFlight.Inc()
}

// DeliveryFinished marks a delivery as complete.
func (m *Metrics) DeliveryFinished() {
	m.deliveriesInFlight.Dec()
}
