// Package metrics defines the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consultflow/backend/pkg/models"
)

const namespace = "consultflow"

// Metrics holds the registered collectors.
type Metrics struct {
	stepRuns        *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	modelCalls      *prometheus.CounterVec
	criticAttempts  prometheus.Histogram
	criticScore     prometheus.Histogram
	vaultIngests    *prometheus.CounterVec
	retrievals      *prometheus.CounterVec
	retrievedChunks prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_runs_total",
			Help:      "Workflow step runs by agent and outcome.",
		}, []string{"agent", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of workflow step runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"agent"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Language model calls by agent and outcome.",
		}, []string{"agent", "outcome"}),
		criticAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "critic_attempts",
			Help:      "Issues tree generations per critic loop.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		}),
		criticScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "critic_overall_score",
			Help:      "Overall MECE score of each critique.",
			Buckets:   []float64{1, 2, 3, 3.5, 4, 4.5, 5},
		}),
		vaultIngests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_ingests_total",
			Help:      "Vault file ingestions by final status.",
		}, []string{"status"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_retrievals_total",
			Help:      "Vault retrievals by ranking strategy.",
		}, []string{"strategy"}),
		retrievedChunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vault_retrieved_chunks",
			Help:      "Chunks returned per retrieval.",
			Buckets:   prometheus.LinearBuckets(0, 2, 11),
		}),
	}
	reg.MustRegister(
		m.stepRuns, m.stepDuration, m.modelCalls,
		m.criticAttempts, m.criticScore,
		m.vaultIngests, m.retrievals, m.retrievedChunks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStep(agent models.AgentKey, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepRuns.WithLabelValues(string(agent), outcome).Inc()
	m.stepDuration.WithLabelValues(string(agent)).Observe(d.Seconds())
}

func (m *Metrics) ObserveModelCall(agent models.AgentKey, outcome string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(string(agent), outcome).Inc()
}

func (m *Metrics) ObserveCritique(score float64) {
	if m == nil {
		return
	}
	m.criticScore.Observe(score)
}

func (m *Metrics) ObserveCriticLoop(attempts int) {
	if m == nil {
		return
	}
	m.criticAttempts.Observe(float64(attempts))
}

func (m *Metrics) ObserveIngest(status models.VaultFileStatus) {
	if m == nil {
		return
	}
	m.vaultIngests.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveRetrieval(strategy string, results int) {
	if m == nil {
		return
	}
	m.retrievals.WithLabelValues(strategy).Inc()
	m.retrievedChunks.Observe(float64(results))
}
