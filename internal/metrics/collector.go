package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus metrics of the connector service.
type Collector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers the metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicom_operations_total",
			Help: "DIMSE operations by server, operation and outcome.",
		}, []string{"server", "operation", "outcome"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dicom_operation_duration_seconds",
			Help:    "Duration of DIMSE operations.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"operation"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dicom_breaker_state",
			Help: "Circuit breaker state per server: 0 closed, 1 half-open, 2 open.",
		}, []string{"server"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Admin API requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin API request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveOperation records one finished operation. Outcome is the error
// kind, "success" when it succeeded.
func (c *Collector) ObserveOperation(server, operation, outcome string, d time.Duration) {
	c.operationsTotal.WithLabelValues(server, operation, outcome).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetBreakerState records the state of a server's circuit breaker.
func (c *Collector) SetBreakerState(server string, state int) {
	c.breakerState.WithLabelValues(server).Set(float64(state))
}

// ObserveRequest records one admin API request.
func (c *Collector) ObserveRequest(method, route, status string, d time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
