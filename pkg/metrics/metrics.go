// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for key lifecycle
// operations. It exposes operation counters, duration histograms, error
// counters, and inventory gauges for monitoring keystore health.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all lifecycle metrics
	Namespace = "keylifecycle"

	// Label names
	LabelOperation  = "operation"
	LabelBackend    = "backend"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelKeyType    = "key_type"
	LabelBackupType = "backup_type"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpGenerate    = "generate"
	OpBackup      = "backup"
	OpRestore     = "restore"
	OpRotate      = "rotate"
	OpVerify      = "verify"
	OpPrune       = "prune"
	OpTransfer    = "transfer"
	OpList        = "list"
	OpDestroy     = "destroy"
	OpHealthCheck = "health_check"
)

var (
	// OperationsTotal tracks the total number of lifecycle operations by
	// type, backend, and status. Use RecordOperation to increment this
	// counter with the appropriate labels.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of lifecycle operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// OperationDuration tracks the duration of lifecycle operations in
	// seconds. Buckets cover everything from a symmetric generation to a
	// full encrypted backup with remote transfer.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of lifecycle operations in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// ErrorsTotal tracks the total number of errors by operation, backend,
	// and error type. Error types should be specific (e.g. "tpm_unavailable",
	// "corrupted_archive", "timeout").
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, backend, and error type",
		},
		[]string{LabelOperation, LabelBackend, LabelErrorType},
	)

	// KeysTotal tracks the number of keys on disk per key type.
	KeysTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "keys_total",
			Help:      "Number of keys on disk per key type",
		},
		[]string{LabelKeyType},
	)

	// BackupArchivesTotal tracks the number of backup archives on disk
	// per packaging type.
	BackupArchivesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backup_archives_total",
			Help:      "Number of backup archives on disk per packaging type",
		},
		[]string{LabelBackupType},
	)

	// LastBackupTimestamp tracks the Unix timestamp of the most recent
	// successful backup.
	LastBackupTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_backup_timestamp_seconds",
			Help:      "Unix timestamp of the most recent successful backup",
		},
	)

	// LastRotationTimestamp tracks the Unix timestamp of the most recent
	// successful rotation per key type.
	LastRotationTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_rotation_timestamp_seconds",
			Help:      "Unix timestamp of the most recent successful rotation per key type",
		},
		[]string{LabelKeyType},
	)

	// RotationsDue tracks the number of key types whose rotation interval
	// has elapsed.
	RotationsDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rotations_due",
			Help:      "Number of key types whose rotation interval has elapsed",
		},
	)

	// TPMAvailable indicates whether the TPM capability probe last
	// succeeded (1) or failed (0).
	TPMAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tpm_available",
			Help:      "Whether the TPM capability probe last succeeded (1) or failed (0)",
		},
	)

	// MetadataStoreUp indicates whether the metadata store answered the
	// last ping (1) or not (0).
	MetadataStoreUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "metadata_store_up",
			Help:      "Whether the metadata store answered the last ping (1) or not (0)",
		},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests served
	// by the status server.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// ServerUptime tracks the status server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Status server uptime in seconds since startup",
		},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	// Updated periodically by the resource collector.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records a lifecycle operation with its duration and status.
//
// Parameters:
//   - operation: The operation name (use Op* constants)
//   - backend: The backend identifier ("software", "tpm")
//   - status: The operation status (use Status* constants)
//   - duration: The operation duration in seconds
func RecordOperation(operation, backend, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	OperationDuration.WithLabelValues(operation, backend).Observe(duration)
}

// RecordError records an error event with context about where it occurred.
//
// Parameters:
//   - operation: The operation during which the error occurred (use Op* constants)
//   - backend: The backend where the error occurred
//   - errorType: A specific error type identifier (e.g. "tpm_unavailable")
func RecordError(operation, backend, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, backend, errorType).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// SetKeysTotal sets the key count gauge for a key type.
func SetKeysTotal(keyType string, count float64) {
	if !enabled.Load() {
		return
	}
	KeysTotal.WithLabelValues(keyType).Set(count)
}

// SetBackupArchivesTotal sets the archive count gauge for a packaging type.
func SetBackupArchivesTotal(backupType string, count float64) {
	if !enabled.Load() {
		return
	}
	BackupArchivesTotal.WithLabelValues(backupType).Set(count)
}

// RecordBackupCompleted stamps the last-backup gauge with the current time.
func RecordBackupCompleted(unixSeconds float64) {
	if !enabled.Load() {
		return
	}
	LastBackupTimestamp.Set(unixSeconds)
}

// RecordRotationCompleted stamps the last-rotation gauge for a key type.
func RecordRotationCompleted(keyType string, unixSeconds float64) {
	if !enabled.Load() {
		return
	}
	LastRotationTimestamp.WithLabelValues(keyType).Set(unixSeconds)
}

// SetRotationsDue sets the number of key types overdue for rotation.
func SetRotationsDue(count float64) {
	if !enabled.Load() {
		return
	}
	RotationsDue.Set(count)
}

// SetTPMAvailable sets the TPM availability gauge.
// available=true sets the gauge to 1, available=false sets it to 0.
func SetTPMAvailable(available bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if available {
		value = 1.0
	}
	TPMAvailable.Set(value)
}

// SetMetadataStoreUp sets the metadata store reachability gauge.
func SetMetadataStoreUp(up bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	MetadataStoreUp.Set(value)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
