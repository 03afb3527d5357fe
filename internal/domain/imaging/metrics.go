package imaging

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for ingestion. A nil *Metrics
// records nothing.
type Metrics struct {
	FilesTotal         *prometheus.CounterVec
	BatchesTotal       *prometheus.CounterVec
	IdentityConfidence prometheus.Histogram
	RenderDuration     prometheus.Histogram
	RenderCacheHits    prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FilesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imaging_files_ingested_total",
				Help: "Uploaded files by processing outcome",
			},
			[]string{"outcome"},
		),
		BatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imaging_batches_total",
				Help: "Upload batches by outcome",
			},
			[]string{"outcome"},
		),
		IdentityConfidence: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imaging_identity_confidence",
				Help:    "Confidence of identity reconciliation verdicts",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		),
		RenderDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imaging_render_duration_seconds",
				Help:    "Time to fetch, decode and render one image",
				Buckets: prometheus.DefBuckets,
			},
		),
		RenderCacheHits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "imaging_render_cache_hits_total",
				Help: "Rendered images served from cache",
			},
		),
	}
}

func (m *Metrics) file(outcome string) {
	if m != nil {
		m.FilesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) batch(outcome string) {
	if m != nil {
		m.BatchesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) confidence(v float64) {
	if m != nil {
		m.IdentityConfidence.Observe(v)
	}
}

func (m *Metrics) rendered(start time.Time) {
	if m != nil {
		m.RenderDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.RenderCacheHits.Inc()
	}
}
