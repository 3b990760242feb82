// Package metrics provides Prometheus metrics for camera transfers.
package metrics

import (
	"net/http"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device protocol metrics
	deviceOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camxfer_device_operations_total",
			Help: "Total number of device operations by result",
		},
		[]string{"op", "result"},
	)

	deviceOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camxfer_device_operation_duration_seconds",
			Help:    "Device operation round trip time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	deviceBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camxfer_device_bytes_received_total",
			Help: "Total data bytes received from the device",
		},
	)

	// Download metrics
	filesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camxfer_files_downloaded_total",
			Help: "Total number of files written to the output directory",
		},
	)

	filesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camxfer_files_skipped_total",
			Help: "Total number of files skipped by reason",
		},
		[]string{"reason"},
	)

	// Catalog and cache metrics
	catalogObjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "camxfer_catalog_objects",
			Help: "Number of device objects in the catalog",
		},
	)

	cacheLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camxfer_object_cache_loads_total",
			Help: "Object cache load attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Session metrics
	sessionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camxfer_session_attempts_total",
			Help: "Device session attempts by outcome",
		},
		[]string{"outcome"},
	)

	realtimeObjects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "camxfer_realtime_new_objects_total",
			Help: "Objects discovered while monitoring for new captures",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OpLabel converts an operation name such as "GetPartialObject" into the
// label value used for it ("get_partial_object").
func OpLabel(opName string) string {
	return strcase.ToSnake(opName)
}

// RecordDeviceOp records a completed device operation.
func RecordDeviceOp(opName string, duration time.Duration, result string) {
	label := OpLabel(opName)
	deviceOpsTotal.WithLabelValues(label, result).Inc()
	deviceOpDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordBytesReceived records data bytes received from the device.
func RecordBytesReceived(n int) {
	deviceBytesReceived.Add(float64(n))
}

// RecordFileDownloaded records a file written to disk.
func RecordFileDownloaded() {
	filesDownloaded.Inc()
}

// RecordFileSkipped records a file skipped for reason.
func RecordFileSkipped(reason string) {
	filesSkipped.WithLabelValues(reason).Inc()
}

// SetCatalogObjects sets the current catalog size.
func SetCatalogObjects(n int) {
	catalogObjects.Set(float64(n))
}

// RecordCacheLoad records the outcome of an object cache load.
func RecordCacheLoad(outcome string) {
	cacheLoads.WithLabelValues(outcome).Inc()
}

// RecordSessionAttempt records the outcome of one device session attempt.
func RecordSessionAttempt(outcome string) {
	sessionAttempts.WithLabelValues(outcome).Inc()
}

// RecordRealtimeObjects records objects found during real-time monitoring.
func RecordRealtimeObjects(n int) {
	realtimeObjects.Add(float64(n))
}
