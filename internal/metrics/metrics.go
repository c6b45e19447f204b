// Package metrics provides Prometheus metrics for ingestion runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "newspulse"

// Outcome labels for ArticlesTotal.
const (
	OutcomeStored  = "stored"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Pipeline holds the ingestion collectors. A nil *Pipeline records nothing.
type Pipeline struct {
	registry *prometheus.Registry

	// ArticlesTotal counts processed articles by category and outcome.
	ArticlesTotal *prometheus.CounterVec
	// StageFailures counts article failures by stage.
	StageFailures *prometheus.CounterVec
	// FetchErrors counts failed category fetches.
	FetchErrors *prometheus.CounterVec
	// IndexErrors counts stored articles an index failed to take.
	IndexErrors prometheus.Counter
	// ArticleDuration measures per-article processing time.
	ArticleDuration prometheus.Histogram
	// RunDuration measures whole ingestion runs.
	RunDuration prometheus.Histogram
	// LastRun is the unix time the last run finished.
	LastRun prometheus.Gauge
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Pipeline{
		registry: reg,
		ArticlesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "articles_total",
				Help:      "Total number of articles processed",
			},
			[]string{"category", "outcome"},
		),
		StageFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "article_failures_total",
				Help:      "Total number of article failures by stage",
			},
			[]string{"stage"},
		),
		FetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Total number of failed category fetches",
			},
			[]string{"category"},
		),
		IndexErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_errors_total",
			Help:      "Total number of stored articles that failed to index",
		}),
		ArticleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "article_duration_seconds",
			Help:      "Duration of per-article processing in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of ingestion runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last ingestion run finished",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordArticle records one article outcome and its processing time.
func (p *Pipeline) RecordArticle(category, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.ArticlesTotal.WithLabelValues(category, outcome).Inc()
	if d > 0 {
		p.ArticleDuration.Observe(d.Seconds())
	}
}

// RecordFailure records the stage an article failed at.
func (p *Pipeline) RecordFailure(stage string) {
	if p == nil {
		return
	}
	p.StageFailures.WithLabelValues(stage).Inc()
}

func (p *Pipeline) RecordSkipped(category string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.ArticlesTotal.WithLabelValues(category, OutcomeSkipped).Add(float64(n))
}

func (p *Pipeline) RecordFetchError(category string) {
	if p == nil {
		return
	}
	p.FetchErrors.WithLabelValues(category).Inc()
}

func (p *Pipeline) RecordIndexError() {
	if p == nil {
		return
	}
	p.IndexErrors.Inc()
}

// RecordRun records a finished run.
func (p *Pipeline) RecordRun(started, finished time.Time) {
	if p == nil {
		return
	}
	p.RunDuration.Observe(finished.Sub(started).Seconds())
	p.LastRun.Set(float64(finished.Unix()))
}
