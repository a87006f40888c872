package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	//IngestResultCounter is a prometheus.CounterVec.
	IngestResultCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ingest_results",
			Help: "Counter for completed ingestion attempts, by final status and asset family.",
		},
		[]string{"status", "family"},
	)
	//WorkerDurationHistogram is a prometheus.HistogramVec.
	WorkerDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_worker_duration_seconds",
			Help:    "Time spent inside a single worker's Ingest call.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"worker", "status"},
	)
	//BatchUpdateFailureCounter is a prometheus.Counter.
	BatchUpdateFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_batch_update_failures",
			Help: "Counter for completions whose batch row could not be updated.",
		},
	)
	//TranscodeJobCounter is a prometheus.CounterVec.
	TranscodeJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_transcode_jobs",
			Help: "Counter for transcode jobs submitted, by final outcome of the owning ingestion.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(IngestResultCounter)
	prometheus.MustRegister(WorkerDurationHistogram)
	prometheus.MustRegister(BatchUpdateFailureCounter)
	prometheus.MustRegister(TranscodeJobCounter)
}
