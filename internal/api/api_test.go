package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultflow/backend/internal/auth"
	"consultflow/backend/internal/blob"
	"consultflow/backend/internal/events"
	"consultflow/backend/internal/llm"
	"consultflow/backend/internal/logging"
	"consultflow/backend/internal/repository"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/internal/workflow"
	"consultflow/backend/pkg/models"
	"consultflow/backend/pkg/scenario"
)

const testOperator = "consultant@acme.com"

// scopesHeader overrides the scopes the fixture grants; absent means all.
const scopesHeader = "X-Granted-Scopes"

// cannedLLM answers completions in order and fails once it runs out.
type cannedLLM struct {
	mu      sync.Mutex
	answers []string
}

func (c *cannedLLM) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.answers) == 0 {
		return nil, llm.NewFatalError(errors.New("401 invalid api key"))
	}
	text := c.answers[0]
	c.answers = c.answers[1:]
	return &llm.Response{Text: text, Model: req.Model}, nil
}

type apiFixture struct {
	e      *echo.Echo
	store  *repository.MemoryStore
	vault  *retrieval.Service
	blobs  *blob.DiskStore
	broker *events.Broker
}

func newAPIFixture(t *testing.T, answers []string, opts ...Option) *apiFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	broker := events.NewBroker(0)
	logger := logging.Nop()

	exec := workflow.NewExecutor(store, &cannedLLM{answers: answers}, workflow.DefaultOptions(), workflow.WithPublisher(broker))
	critic := workflow.NewCriticLoop(exec, store)
	ctrl := workflow.NewController(store, exec, critic, workflow.WithControllerPublisher(broker), workflow.WithStepTimeout(time.Minute))
	vault := retrieval.NewService(store, nil, retrieval.Options{}, logger, nil)
	blobs, err := blob.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	g := e.Group("/api/v1")
	g.Use(echo.WrapMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes := auth.AllScopes
			if h, ok := r.Header[scopesHeader]; ok {
				scopes = strings.Fields(strings.Join(h, " "))
			}
			ctx := auth.WithScopes(auth.WithOperator(r.Context(), testOperator), scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}))
	RegisterHandlers(g, NewServer(ctrl, store, vault, blobs, broker, logger, opts...))

	return &apiFixture{e: e, store: store, vault: vault, blobs: blobs, broker: broker}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedWorkflow creates a project with a two step template and instantiates it.
func (f *apiFixture) seedWorkflow(t *testing.T) (*models.Project, *workflow.Workflow) {
	t.Helper()
	tmpl := &models.WorkflowTemplate{Name: "Consulting engagement", Steps: []*models.WorkflowTemplateStep{
		{StepOrder: 1, Name: "Project definition", AgentKey: models.AgentProjectDefinition},
		{StepOrder: 2, Name: "Issues tree", AgentKey: models.AgentIssuesTree},
	}}
	require.NoError(t, f.store.CreateTemplate(context.Background(), tmpl))

	rec := f.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{
		Name:        "EU expansion",
		Objective:   "Enter the EU market",
		Constraints: "budget $2M, 18 months",
		TemplateID:  tmpl.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project := decode[models.Project](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/workflow", CreateWorkflowRequest{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decode[workflow.Workflow](t, rec)
	require.Len(t, wf.Steps, 2)
	return &project, &wf
}

func definitionAnswer() string {
	b, _ := json.Marshal(map[string]any{
		"decision_statement": "Decide whether to enter the EU market within 18 months",
		"governing_question": "Should we enter the EU market with a $2M budget?",
		"success_metrics": []map[string]string{
			{"metric_name": "Revenue", "definition": "EU revenue in year 2", "threshold_or_target": "$5M"},
		},
		"alternatives": []string{"Enter Germany first"},
	})
	return string(b)
}

func TestProjects(t *testing.T) {
	f := newAPIFixture(t, nil)

	t.Run("validation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "No objective"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
		problem := decode[ProblemDetails](t, rec)
		assert.Equal(t, "name and objective are required", problem.Detail)
	})

	t.Run("unknown project", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/projects/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		problem := decode[ProblemDetails](t, rec)
		assert.Equal(t, workflow.KindNotFound, problem.Kind)
		assert.Equal(t, "/api/v1/projects/missing", problem.Instance)
	})

	t.Run("unknown template", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "P", Objective: "O"})
		require.Equal(t, http.StatusCreated, rec.Code)
		project := decode[models.Project](t, rec)
		assert.Equal(t, models.StageCreated, project.Stage)

		rec = f.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/workflow", CreateWorkflowRequest{TemplateID: "nope"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, workflow.KindTemplateNotFound, decode[ProblemDetails](t, rec).Kind)

		rec = f.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/workflow", CreateWorkflowRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStepLifecycle(t *testing.T) {
	f := newAPIFixture(t, []string{definitionAnswer()})
	project, wf := f.seedWorkflow(t)
	first, second := wf.Steps[0], wf.Steps[1]

	rec := f.do(t, http.MethodPost, "/api/v1/steps/"+second.ID+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.KindInvalidStepTransition, decode[ProblemDetails](t, rec).Kind)

	rec = f.do(t, http.MethodPost, "/api/v1/steps/"+first.ID+"/run", RunStepRequest{Parameters: "Focus on Germany."})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	step := decode[models.WorkflowInstanceStep](t, rec)
	assert.Equal(t, models.StepCompleted, step.Status)
	require.NotNil(t, step.OutputSummary)
	assert.Equal(t, 1, step.OutputSummary.DeliverableVersion)

	rec = f.do(t, http.MethodGet, "/api/v1/projects/"+project.ID, nil)
	assert.Equal(t, models.StageDefinitionDraft, decode[models.Project](t, rec).Stage)

	rec = f.do(t, http.MethodPost, "/api/v1/steps/"+first.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StepApproved, decode[models.WorkflowInstanceStep](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/steps/"+first.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, workflow.KindStepNotApprovable, decode[ProblemDetails](t, rec).Kind)

	rec = f.do(t, http.MethodGet, "/api/v1/steps/"+first.ID+"/deliverables", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	delivs := decode[[]models.Deliverable](t, rec)
	require.Len(t, delivs, 1)
	assert.True(t, delivs[0].Locked)

	rec = f.do(t, http.MethodGet, "/api/v1/steps/"+first.ID+"/run-logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]models.RunLog](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, testOperator, logs[0].Operator)
	assert.Equal(t, models.RunSuccess, logs[0].Status)

	rec = f.do(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/run-logs", nil)
	assert.Len(t, decode[[]models.RunLog](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/v1/steps/"+first.ID+"/unapprove", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StepCompleted, decode[models.WorkflowInstanceStep](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/workflow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[workflow.Workflow](t, rec)
	assert.Equal(t, models.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, models.StepNotStarted, got.Steps[1].Status)
}

func TestRunStep_ModelUnavailable(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, wf := f.seedWorkflow(t)

	rec := f.do(t, http.MethodPost, "/api/v1/steps/"+wf.Steps[0].ID+"/run", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, workflow.KindModelUnavailable, problem.Kind)
	assert.Contains(t, problem.Detail, "401 invalid api key")

	rec = f.do(t, http.MethodGet, "/api/v1/steps/"+wf.Steps[0].ID, nil)
	step := decode[models.WorkflowInstanceStep](t, rec)
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Contains(t, step.ErrorText, "401 invalid api key")
}

func TestRunStream(t *testing.T) {
	t.Run("streams progress and the final step", func(t *testing.T) {
		f := newAPIFixture(t, []string{definitionAnswer()})
		_, wf := f.seedWorkflow(t)

		rec := f.do(t, http.MethodGet, "/api/v1/steps/"+wf.Steps[0].ID+"/run-stream?parameters=Focus", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

		body := rec.Body.String()
		assert.Contains(t, body, "event: status\n")
		assert.Contains(t, body, "event: complete\n")
		assert.True(t, strings.HasPrefix(lastEvent(body), "event: step\n"), body)
		assert.Contains(t, lastEvent(body), `"status":"completed"`)
		assert.Equal(t, 0, f.broker.Subscribers(wf.Steps[0].ID))
	})

	t.Run("precondition failure ends with a problem", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		_, wf := f.seedWorkflow(t)

		rec := f.do(t, http.MethodGet, "/api/v1/steps/"+wf.Steps[1].ID+"/run-stream", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		last := lastEvent(rec.Body.String())
		assert.True(t, strings.HasPrefix(last, "event: error\n"), last)
		assert.Contains(t, last, `"kind":"InvalidStepTransition"`)
	})

	t.Run("unknown step", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodGet, "/api/v1/steps/missing/run-stream", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func lastEvent(body string) string {
	parts := strings.Split(strings.TrimSpace(body), "\n\n")
	return parts[len(parts)-1]
}

func (f *apiFixture) upload(t *testing.T, projectID, name, contentType, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + name + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+projectID+"/vault", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestVault(t *testing.T) {
	f := newAPIFixture(t, nil)
	project, _ := f.seedWorkflow(t)

	rec := f.upload(t, project.ID, "market-study.txt", "text/plain",
		"The European SaaS market grows fourteen percent a year.\n\nGermany is the largest SaaS market in the region.")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	file := decode[models.VaultFile](t, rec)
	assert.Equal(t, models.VaultPending, file.Status)
	assert.Equal(t, "market-study.txt", file.FileName)
	f.vault.Wait()

	rec = f.do(t, http.MethodGet, "/api/v1/vault/"+file.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[models.VaultFile](t, rec)
	assert.Equal(t, models.VaultNoEmbeddings, stored.Status)
	assert.Equal(t, 1, stored.ChunkCount)

	rec = f.do(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/vault", nil)
	assert.Len(t, decode[[]models.VaultFile](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/vault/search", SearchVaultRequest{Query: "Germany SaaS market size"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decode[SearchVaultResponse](t, rec)
	require.Len(t, found.Results, 1)
	assert.Equal(t, retrieval.StrategyKeyword, found.Results[0].Strategy)
	assert.Contains(t, found.Context, "--- Source: market-study.txt (chunk 1) ---")

	rec = f.do(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/vault/search", SearchVaultRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/vault/"+file.ID+"/reprocess", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	f.vault.Wait()

	require.NoError(t, f.blobs.Delete(context.Background(), stored.StoragePath))
	rec = f.do(t, http.MethodPost, "/api/v1/vault/"+file.ID+"/reprocess", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = f.upload(t, "missing", "a.txt", "text/plain", "x")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVault_UploadLimit(t *testing.T) {
	f := newAPIFixture(t, nil, WithMaxUploadBytes(64))
	project, _ := f.seedWorkflow(t)

	rec := f.upload(t, project.ID, "big.txt", "text/plain", strings.Repeat("x", 1024))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRunScenario(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/tools/scenario", map[string]any{
		"baselineRevenue": 2000000, "growthRate": 0.12, "costReduction": 0.05, "timeHorizonYears": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[scenario.Output](t, rec)
	want, err := scenario.Run(scenario.Input{
		BaselineRevenue: 2000000, GrowthRate: 0.12, CostReduction: 0.05, TimeHorizonYears: 3, Volatility: scenario.DefaultVolatility,
	})
	require.NoError(t, err)
	assert.Equal(t, want.Summary, got.Summary)
	assert.Greater(t, got.Summary.OptimisticNPV, got.Summary.PessimisticNPV)

	rec = f.do(t, http.MethodPost, "/api/v1/tools/scenario", map[string]any{
		"baselineRevenue": 2000000, "growthRate": 0.12, "costReduction": 0.05, "timeHorizonYears": 0,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[ProblemDetails](t, rec).Detail, "timeHorizonYears")
}

func TestHealthAndTemplates(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.seedWorkflow(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthStatus](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	templates := decode[[]models.WorkflowTemplate](t, rec)
	require.Len(t, templates, 1)
	assert.Len(t, templates[0].Steps, 2)
}

func TestScopes(t *testing.T) {
	f := newAPIFixture(t, nil)
	send := func(method, path, scopes string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(`{"name":"EU","objective":"Enter the EU market"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(scopesHeader, scopes)
		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/v1/templates", auth.ScopeWorkflowRead))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/v1/projects", auth.ScopeWorkflowRead))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/v1/steps/s1/run", auth.ScopeWorkflowRead))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/v1/steps/s1/approve", auth.ScopeWorkflowRead))
	assert.Equal(t, http.StatusForbidden, send(http.MethodGet, "/api/v1/templates", auth.ScopeWorkflowWrite))
	assert.Equal(t, http.StatusForbidden, send(http.MethodGet, "/api/v1/templates", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/v1/health", ""))
	assert.Equal(t, http.StatusCreated, send(http.MethodPost, "/api/v1/projects", auth.ScopeWorkflowRead+" "+auth.ScopeWorkflowWrite))
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind workflow.Kind
		want int
	}{
		{workflow.KindNotFound, http.StatusNotFound},
		{workflow.KindTemplateNotFound, http.StatusNotFound},
		{workflow.KindInvalidStepTransition, http.StatusConflict},
		{workflow.KindStepAlreadyRunning, http.StatusConflict},
		{workflow.KindStepNotApprovable, http.StatusConflict},
		{workflow.KindInvalidTemplate, http.StatusUnprocessableEntity},
		{workflow.KindModelOutputInvalid, http.StatusUnprocessableEntity},
		{workflow.KindRevisionExhausted, http.StatusUnprocessableEntity},
		{workflow.KindModelUnavailable, http.StatusBadGateway},
		{workflow.KindPersistenceFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusForKind(tt.kind), tt.kind)
	}
}

func TestSpecHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://acme.okta.com/oauth2/default")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://acme.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}
