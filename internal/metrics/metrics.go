// Package metrics exposes Prometheus instrumentation for dedup runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "newsdedup"

type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	RecordsInput   *prometheus.CounterVec
	RecordsKept    *prometheus.CounterVec
	Duplicates     *prometheus.CounterVec
	RecordsStored  prometheus.Counter
	EmbedBatches   *prometheus.CounterVec
	EmbedDuration  prometheus.Histogram
	AdjudicateCall *prometheus.CounterVec
	TokensUsed     *prometheus.CounterVec
	HistorySize    prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{registry: registry}
	initRunMetrics(factory, m)
	initEmbeddingMetrics(factory, m)
	initAdjudicatorMetrics(factory, m)
	return m
}

func initRunMetrics(factory promauto.Factory, m *Metrics) {
	m.RunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Dedup runs by dataset and final status",
	}, []string{"dataset", "status"})

	m.RunDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a full dedup run",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	m.RecordsInput = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_input_total",
		Help:      "Candidate records entering dedup after merge, by source type",
	}, []string{"source_type"})

	m.RecordsKept = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_kept_total",
		Help:      "Records kept as unique, by source type",
	}, []string{"source_type"})

	m.Duplicates = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_total",
		Help:      "Records removed as duplicates, by decision kind",
	}, []string{"kind"})

	m.RecordsStored = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_stored_total",
		Help:      "Records newly persisted to the history store",
	})

	m.HistorySize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "history_window_records",
		Help:      "Records with vectors in the lookback window of the last run",
	})
}

func initEmbeddingMetrics(factory promauto.Factory, m *Metrics) {
	m.EmbedBatches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_batches_total",
		Help:      "Embedding service batches by outcome",
	}, []string{"outcome"})

	m.EmbedDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "embedding_duration_seconds",
		Help:      "Time to embed every candidate of a run",
		Buckets:   prometheus.DefBuckets,
	})
}

func initAdjudicatorMetrics(factory promauto.Factory, m *Metrics) {
	m.AdjudicateCall = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adjudicator_calls_total",
		Help:      "Secondary adjudicator calls by adjudicator and outcome",
	}, []string{"adjudicator", "outcome"})

	m.TokensUsed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adjudicator_tokens_total",
		Help:      "Tokens consumed by the adjudicator, by direction",
	}, []string{"direction"})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRun(dataset, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(dataset, status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveEmbedding(elapsed time.Duration, batches int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EmbedBatches.WithLabelValues(outcome).Add(float64(batches))
	m.EmbedDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAdjudication(adjudicator string, calls, failed int, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	m.AdjudicateCall.WithLabelValues(adjudicator, "ok").Add(float64(calls - failed))
	m.AdjudicateCall.WithLabelValues(adjudicator, "error").Add(float64(failed))
	m.TokensUsed.WithLabelValues("input").Add(float64(inputTokens))
	m.TokensUsed.WithLabelValues("output").Add(float64(outputTokens))
}

// ObserveCounts records per-run record counts. Nil maps are fine.
func (m *Metrics) ObserveCounts(input, kept map[string]int, duplicates map[string]int, stored, history int) {
	if m == nil {
		return
	}
	for sourceType, count := range input {
		m.RecordsInput.WithLabelValues(sourceType).Add(float64(count))
	}
	for sourceType, count := range kept {
		m.RecordsKept.WithLabelValues(sourceType).Add(float64(count))
	}
	for kind, count := range duplicates {
		m.Duplicates.WithLabelValues(kind).Add(float64(count))
	}
	m.RecordsStored.Add(float64(stored))
	m.HistorySize.Set(float64(history))
}
