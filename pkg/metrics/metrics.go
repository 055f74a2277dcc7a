package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks client-side transfer and payment activity.
type Metrics struct {
	// Upload metrics
	ChunksStored  prometheus.Counter
	ChunksSkipped prometheus.Counter
	PutAttempts   prometheus.Counter
	PutFailures   *prometheus.CounterVec
	BytesUploaded prometheus.Counter
	AmountPaid    prometheus.Counter
	PutLatency    prometheus.Histogram
	QuoteRequests prometheus.Counter
	QuoteFailures prometheus.Counter

	// Download metrics
	ChunksFetched   prometheus.Counter
	FetchFailures   *prometheus.CounterVec
	BytesDownloaded prometheus.Counter
	FetchLatency    prometheus.Histogram

	// Operation metrics
	Operations *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg gets a
// private registry so several clients can coexist in one process.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ChunksStored: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_chunks_stored_total",
			Help: "Chunks accepted by the network after payment",
		}),
		ChunksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_chunks_skipped_total",
			Help: "Chunks not uploaded because the network already held them",
		}),
		PutAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_put_attempts_total",
			Help: "Individual put attempts against storage nodes",
		}),
		PutFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autonet_put_failures_total",
			Help: "Failed put attempts by reason",
		}, []string{"reason"}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_bytes_uploaded_total",
			Help: "Record bytes accepted by storage nodes",
		}),
		AmountPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_amount_paid_total",
			Help: "Sum of settled quote prices",
		}),
		PutLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autonet_put_latency_seconds",
			Help:    "Latency of a successful chunk upload including payment",
			Buckets: prometheus.DefBuckets,
		}),
		QuoteRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_quote_requests_total",
			Help: "Quote rounds issued to the network",
		}),
		QuoteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_quote_failures_total",
			Help: "Quote rounds that yielded no usable offer",
		}),
		ChunksFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_chunks_fetched_total",
			Help: "Chunks fetched and verified",
		}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autonet_fetch_failures_total",
			Help: "Failed fetch attempts by reason",
		}, []string{"reason"}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "autonet_bytes_downloaded_total",
			Help: "Verified bytes received from storage nodes",
		}),
		FetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autonet_fetch_latency_seconds",
			Help:    "Latency of a successful chunk fetch",
			Buckets: prometheus.DefBuckets,
		}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autonet_operations_total",
			Help: "Client operations by name and result",
		}, []string{"op", "result"}),
	}
}

// Stored records one chunk accepted after paying price.
func (m *Metrics) Stored(size int, price uint64, took time.Duration) {
	if m == nil {
		return
	}
	m.ChunksStored.Inc()
	m.BytesUploaded.Add(float64(size))
	m.AmountPaid.Add(float64(price))
	m.PutLatency.Observe(took.Seconds())
}

// Skipped records a chunk the network already held.
func (m *Metrics) Skipped() {
	if m == nil {
		return
	}
	m.ChunksSkipped.Inc()
}

// Attempt records one put attempt.
func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.PutAttempts.Inc()
}

// PutFailed records a failed put attempt.
func (m *Metrics) PutFailed(reason string) {
	if m == nil {
		return
	}
	m.PutFailures.WithLabelValues(reason).Inc()
}

// Quoted records one quote round and whether it produced something usable.
func (m *Metrics) Quoted(ok bool) {
	if m == nil {
		return
	}
	m.QuoteRequests.Inc()
	if !ok {
		m.QuoteFailures.Inc()
	}
}

// Fetched records a verified chunk fetch.
func (m *Metrics) Fetched(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.ChunksFetched.Inc()
	m.BytesDownloaded.Add(float64(size))
	m.FetchLatency.Observe(took.Seconds())
}

// FetchFailed records a failed fetch attempt.
func (m *Metrics) FetchFailed(reason string) {
	if m == nil {
		return
	}
	m.FetchFailures.WithLabelValues(reason).Inc()
}

// Operation records the outcome of a client operation.
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}
