// Package metrics provides Prometheus metrics for attrstore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for attrstore
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store operation metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	RecordsSavedTotal      *prometheus.CounterVec
	RecordsReturnedTotal   *prometheus.CounterVec

	// Index and planning metrics
	IndexMutationsTotal *prometheus.CounterVec
	IndexProbesTotal    *prometheus.CounterVec
	CandidateShards     *prometheus.HistogramVec

	// Decode metrics
	RowsDecodedTotal       *prometheus.CounterVec
	RowsSkippedTotal       *prometheus.CounterVec
	AttributesSkippedTotal *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg.
// A nil registerer creates unregistered metrics, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attrstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"store", "operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attrstore_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"store", "operation"},
	)

	m.RecordsSavedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_records_saved_total",
			Help: "Total number of records written",
		},
		[]string{"store"},
	)

	m.RecordsReturnedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_records_returned_total",
			Help: "Total number of records returned by reads",
		},
		[]string{"store"},
	)

	m.IndexMutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_index_mutations_total",
			Help: "Total number of global index mutations buffered",
		},
		[]string{"store"},
	)

	m.IndexProbesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_index_probes_total",
			Help: "Total number of global index probes issued by the planner",
		},
		[]string{"store", "kind"},
	)

	m.CandidateShards = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attrstore_candidate_shards",
			Help:    "Number of shards a planned query scans",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"store"},
	)

	m.RowsDecodedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_rows_decoded_total",
			Help: "Total number of record rows decoded from scans",
		},
		[]string{"store"},
	)

	m.RowsSkippedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_rows_skipped_total",
			Help: "Total number of corrupt rows skipped during scans",
		},
		[]string{"store"},
	)

	m.AttributesSkippedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrstore_attributes_skipped_total",
			Help: "Total number of undecodable attributes skipped",
		},
		[]string{"store"},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge until stop is closed
func (m *Metrics) RunUptime(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-stop:
			return
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (m *Metrics) RecordStoreOperation(store, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(store, operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}
