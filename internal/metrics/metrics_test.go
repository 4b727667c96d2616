package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"consultflow/backend/pkg/models"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStep(models.AgentIssuesTree, "success", 3*time.Second)
	m.ObserveStep(models.AgentIssuesTree, "success", time.Second)
	m.ObserveIngest(models.VaultNoEmbeddings)
	m.ObserveRetrieval("keyword", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepRuns.WithLabelValues("issues_tree", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.vaultIngests.WithLabelValues("no_embeddings")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retrievals.WithLabelValues("keyword")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "consultflow_step_runs_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep(models.AgentSummary, "failed", time.Second)
		m.ObserveModelCall(models.AgentSummary, "success")
		m.ObserveCritique(4)
		m.ObserveCriticLoop(3)
		m.ObserveIngest(models.VaultCompleted)
		m.ObserveRetrieval("semantic", 1)
	})
}
