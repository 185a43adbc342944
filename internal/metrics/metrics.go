package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TensorsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ckpt2npy_tensors_found_total",
		Help: "Total number of tensors read from checkpoints",
	})

	TensorsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ckpt2npy_tensors_exported_total",
		Help: "Total number of tensor files written",
	}, []string{"format"})

	TensorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ckpt2npy_tensor_failures_total",
		Help: "Total number of tensors that could not be written",
	}, []string{"reason"})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ckpt2npy_bytes_written_total",
		Help: "Bytes written to exported files",
	}, []string{"kind"})

	TensorBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ckpt2npy_tensor_bytes",
		Help:    "Size distribution of exported tensor files",
		Buckets: prometheus.ExponentialBuckets(256, 4, 12),
	})

	ExportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ckpt2npy_export_duration_seconds",
		Help:    "Duration of complete export runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	LastExportTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ckpt2npy_last_export_timestamp_seconds",
		Help: "Unix time of the last finished export run",
	})

	VerifyMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ckpt2npy_verify_mismatches_total",
		Help: "Total number of files whose checksum did not match the manifest",
	})
)

// RecordTensorsFound counts tensors discovered in a checkpoint.
func RecordTensorsFound(n int) {
	TensorsFound.Add(float64(n))
}

// RecordTensorExported counts one written tensor file of the given format.
func RecordTensorExported(format string, size int64) {
	TensorsExported.WithLabelValues(format).Inc()
	BytesWritten.WithLabelValues("tensor").Add(float64(size))
	TensorBytes.Observe(float64(size))
}

// RecordTensorFailure counts a tensor skipped for reason.
func RecordTensorFailure(reason string) {
	TensorFailures.WithLabelValues(reason).Inc()
}

// RecordFileWritten counts bytes of a manifest or bundle.
func RecordFileWritten(kind string, size int64) {
	BytesWritten.WithLabelValues(kind).Add(float64(size))
}

// RecordExport observes a finished run.
func RecordExport(status string, duration time.Duration) {
	ExportDuration.WithLabelValues(status).Observe(duration.Seconds())
	LastExportTimestamp.SetToCurrentTime()
}

func RecordVerifyMismatches(n int) {
	VerifyMismatches.Add(float64(n))
}

// WriteTextfile dumps every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
