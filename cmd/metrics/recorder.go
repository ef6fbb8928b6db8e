package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "table_exporter"

// Recorder publishes export activity as Prometheus metrics. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	jobs          *prometheus.CounterVec
	rows          prometheus.Counter
	bytes         *prometheus.CounterVec
	parts         *prometheus.CounterVec
	partDuration  prometheus.Histogram
	jobDuration   prometheus.Histogram
	inFlightParts prometheus.Gauge
}

// NewRecorder registers the exporter metrics with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Export jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		rows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows streamed into export artifacts.",
		}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes written to completed artifacts, by kind (compressed, uncompressed).",
		}, []string{"kind"}),
		parts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parts_total",
			Help:      "Multipart chunk uploads, by result.",
		}, []string{"result"}),
		partDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "part_upload_seconds",
			Help:      "Duration of individual chunk uploads.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of export runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		inFlightParts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parts_in_flight",
			Help:      "Chunk uploads submitted but not finished.",
		}),
	}
}

// AddRows counts streamed rows
func (r *Recorder) AddRows(n int64) {
	if r == nil {
		return
	}
	r.rows.Add(float64(n))
}

// ObserveJob records a finished run
func (r *Recorder) ObserveJob(status string, duration time.Duration, compressed, uncompressed int64) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(status).Inc()
	r.jobDuration.Observe(duration.Seconds())
	if compressed > 0 {
		r.bytes.WithLabelValues("compressed").Add(float64(compressed))
	}
	if uncompressed > 0 {
		r.bytes.WithLabelValues("uncompressed").Add(float64(uncompressed))
	}
}

// PartSubmitted marks a chunk upload as in flight
func (r *Recorder) PartSubmitted(int64, int) {
	if r == nil {
		return
	}
	r.inFlightParts.Inc()
}

// PartFinished records the outcome of one chunk upload
func (r *Recorder) PartFinished(_ int64, _ int, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.inFlightParts.Dec()
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.parts.WithLabelValues(result).Inc()
	r.partDuration.Observe(duration.Seconds())
}
