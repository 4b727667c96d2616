package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"consultflow/backend/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPool connects to PostgreSQL, making sure the vector extension exists
// before pooled connections register the pgvector types.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullJSON stores an empty document as NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return raw, nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// --- projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Stage == "" {
		p.Stage = models.StageCreated
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO projects (id, name, objective, constraints, stage, template_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Objective, p.Constraints, p.Stage, p.TemplateID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRow(ctx,
		`SELECT id, name, objective, constraints, stage, template_id, created_at, updated_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Objective, &p.Constraints, &p.Stage, &p.TemplateID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "project %s", id)
	}
	return &p, nil
}

func (s *PostgresStore) UpdateProjectStage(ctx context.Context, id string, stage models.ProjectStage) error {
	tag, err := s.db.Exec(ctx, `UPDATE projects SET stage = $2, updated_at = now() WHERE id = $1`, id, stage)
	if err != nil {
		return fmt.Errorf("update project stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- templates ---

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *models.WorkflowTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO workflow_templates (id, name, description, version)
			 VALUES ($1, $2, $3, 1) RETURNING version, created_at, updated_at`,
			t.ID, t.Name, t.Description,
		).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("template %s: %w", t.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		return insertTemplateSteps(ctx, tx, t)
	})
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t *models.WorkflowTemplate) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE workflow_templates SET name = $2, description = $3, version = version + 1, updated_at = now()
			 WHERE id = $1 RETURNING version, created_at, updated_at`,
			t.ID, t.Name, t.Description,
		).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return notFound(err, "template %s", t.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_template_steps WHERE template_id = $1`, t.ID); err != nil {
			return fmt.Errorf("clear template steps: %w", err)
		}
		return insertTemplateSteps(ctx, tx, t)
	})
}

func insertTemplateSteps(ctx context.Context, tx pgx.Tx, t *models.WorkflowTemplate) error {
	batch := &pgx.Batch{}
	for _, st := range t.Steps {
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.TemplateID = t.ID
		cfg, err := encodeJSON(st.Config)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO workflow_template_steps (id, template_id, step_order, name, agent_key, description, config)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			st.ID, t.ID, st.StepOrder, st.Name, st.AgentKey, st.Description, cfg,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert template steps: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, version, created_at, updated_at FROM workflow_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "template %s", id)
	}
	steps, err := s.templateSteps(ctx, `WHERE template_id = $1`, id)
	if err != nil {
		return nil, err
	}
	t.Steps = steps
	return &t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, description, version, created_at, updated_at FROM workflow_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.WorkflowTemplate, error) {
		var t models.WorkflowTemplate
		err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Version, &t.CreatedAt, &t.UpdatedAt)
		return &t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan templates: %w", err)
	}

	steps, err := s.templateSteps(ctx, "")
	if err != nil {
		return nil, err
	}
	byTemplate := make(map[string][]*models.WorkflowTemplateStep)
	for _, st := range steps {
		byTemplate[st.TemplateID] = append(byTemplate[st.TemplateID], st)
	}
	for _, t := range templates {
		t.Steps = byTemplate[t.ID]
	}
	return templates, nil
}

func (s *PostgresStore) templateSteps(ctx context.Context, where string, args ...any) ([]*models.WorkflowTemplateStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, template_id, step_order, name, agent_key, description, config
		 FROM workflow_template_steps `+where+` ORDER BY template_id, step_order`, args...)
	if err != nil {
		return nil, fmt.Errorf("list template steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.WorkflowTemplateStep, error) {
		var (
			st  models.WorkflowTemplateStep
			cfg []byte
		)
		if err := row.Scan(&st.ID, &st.TemplateID, &st.StepOrder, &st.Name, &st.AgentKey, &st.Description, &cfg); err != nil {
			return nil, err
		}
		return &st, decodeJSON(cfg, &st.Config)
	})
	if err != nil {
		return nil, fmt.Errorf("scan template steps: %w", err)
	}
	return steps, nil
}

// --- agent configs ---

func (s *PostgresStore) GetAgentConfig(ctx context.Context, key models.AgentKey) (*models.AgentConfig, error) {
	var c models.AgentConfig
	err := s.db.QueryRow(ctx,
		`SELECT agent_key, system_prompt, model, max_tokens, updated_at FROM agent_configs WHERE agent_key = $1`, key,
	).Scan(&c.AgentKey, &c.SystemPrompt, &c.Model, &c.MaxTokens, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "agent config %s", key)
	}
	return &c, nil
}

func (s *PostgresStore) UpsertAgentConfig(ctx context.Context, c *models.AgentConfig) error {
	return s.db.QueryRow(ctx,
		`INSERT INTO agent_configs (agent_key, system_prompt, model, max_tokens)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent_key) DO UPDATE
		 SET system_prompt = EXCLUDED.system_prompt, model = EXCLUDED.model,
		     max_tokens = EXCLUDED.max_tokens, updated_at = now()
		 RETURNING updated_at`,
		c.AgentKey, c.SystemPrompt, c.Model, c.MaxTokens,
	).Scan(&c.UpdatedAt)
}

// --- workflow ---

const instanceColumns = `id, project_id, template_id, template_version, current_step_order, status, created_at, updated_at`

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	err := row.Scan(&inst.ID, &inst.ProjectID, &inst.TemplateID, &inst.TemplateVersion,
		&inst.CurrentStepOrder, &inst.Status, &inst.CreatedAt, &inst.UpdatedAt)
	return &inst, err
}

const stepColumns = `id, instance_id, project_id, step_order, name, agent_key, description, status,
	config, output_summary, error_text, critic, created_at, updated_at`

func scanStep(row pgx.Row) (*models.WorkflowInstanceStep, error) {
	var (
		st                   models.WorkflowInstanceStep
		cfg, summary, critic []byte
	)
	err := row.Scan(&st.ID, &st.InstanceID, &st.ProjectID, &st.StepOrder, &st.Name, &st.AgentKey,
		&st.Description, &st.Status, &cfg, &summary, &st.ErrorText, &critic, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(cfg, &st.Config); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		st.OutputSummary = &models.OutputSummary{}
		if err := decodeJSON(summary, st.OutputSummary); err != nil {
			return nil, err
		}
	}
	if len(critic) > 0 {
		st.Critic = &models.CriticState{}
		if err := decodeJSON(critic, st.Critic); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance, steps []*models.WorkflowInstanceStep) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO workflow_instances (id, project_id, template_id, template_version, current_step_order, status)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
			inst.ID, inst.ProjectID, inst.TemplateID, inst.TemplateVersion, inst.CurrentStepOrder, inst.Status,
		).Scan(&inst.CreatedAt, &inst.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("instance for project %s: %w", inst.ProjectID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}

		batch := &pgx.Batch{}
		for _, st := range steps {
			if st.ID == "" {
				st.ID = uuid.New().String()
			}
			st.InstanceID = inst.ID
			st.ProjectID = inst.ProjectID
			st.CreatedAt, st.UpdatedAt = inst.CreatedAt, inst.CreatedAt
			cfg, err := encodeJSON(st.Config)
			if err != nil {
				return err
			}
			batch.Queue(
				`INSERT INTO workflow_instance_steps
				 (id, instance_id, project_id, step_order, name, agent_key, description, status, config, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
				st.ID, st.InstanceID, st.ProjectID, st.StepOrder, st.Name, st.AgentKey, st.Description, st.Status, cfg, st.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert instance steps: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	inst, err := scanInstance(s.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "workflow instance %s", id)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstanceByProject(ctx context.Context, projectID string) (*models.WorkflowInstance, error) {
	inst, err := scanInstance(s.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE project_id = $1`, projectID))
	if err != nil {
		return nil, notFound(err, "workflow instance for project %s", projectID)
	}
	return inst, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, instanceID string) ([]*models.WorkflowInstanceStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_instance_steps WHERE instance_id = $1 ORDER BY step_order`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.WorkflowInstanceStep, error) {
		return scanStep(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan steps: %w", err)
	}
	return steps, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, id string) (*models.WorkflowInstanceStep, error) {
	st, err := scanStep(s.db.QueryRow(ctx, `SELECT `+stepColumns+` FROM workflow_instance_steps WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "workflow step %s", id)
	}
	return st, nil
}

func (s *PostgresStore) TransitionStep(ctx context.Context, stepID string, from []models.StepStatus, to models.StepStatus, patch models.StepPatch) (bool, error) {
	var summary []byte
	if patch.OutputSummary != nil {
		raw, err := encodeJSON(patch.OutputSummary)
		if err != nil {
			return false, err
		}
		summary = raw
	}
	fromStatuses := make([]string, len(from))
	for i, f := range from {
		fromStatuses[i] = string(f)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_instance_steps
		 SET status = $2,
		     output_summary = COALESCE($3::jsonb, output_summary),
		     error_text = COALESCE($4::text, error_text),
		     updated_at = now()
		 WHERE id = $1 AND status = ANY($5::text[])`,
		stepID, to, summary, patch.ErrorText, fromStatuses,
	)
	if err != nil {
		return false, fmt.Errorf("transition step: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_instance_steps WHERE id = $1)`, stepID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check step: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("workflow step %s: %w", stepID, ErrNotFound)
	}
	return false, nil
}

func (s *PostgresStore) UpdateInstanceProgress(ctx context.Context, instanceID string, currentStepOrder int, status models.InstanceStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_instances SET current_step_order = $2, status = $3, updated_at = now() WHERE id = $1`,
		instanceID, currentStepOrder, status)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetDeliverablesLocked(ctx context.Context, stepID string, locked bool) error {
	if _, err := s.db.Exec(ctx, `UPDATE deliverables SET locked = $2 WHERE step_id = $1`, stepID, locked); err != nil {
		return fmt.Errorf("lock deliverables: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailRunningSteps(ctx context.Context, errorText string) ([]*models.WorkflowInstanceStep, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE workflow_instance_steps SET status = 'failed', error_text = $1, updated_at = now()
		 WHERE status = 'running' RETURNING `+stepColumns, errorText)
	if err != nil {
		return nil, fmt.Errorf("fail running steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.WorkflowInstanceStep, error) {
		return scanStep(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan recovered steps: %w", err)
	}
	return steps, nil
}

func (s *PostgresStore) SaveCriticState(ctx context.Context, stepID string, state *models.CriticState) error {
	raw, err := encodeJSON(state)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_instance_steps SET critic = $2, updated_at = now() WHERE id = $1`, stepID, raw)
	if err != nil {
		return fmt.Errorf("save critic state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow step %s: %w", stepID, ErrNotFound)
	}
	return nil
}

// --- artifacts ---

func (s *PostgresStore) StartRunLog(ctx context.Context, l *models.RunLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO run_logs (id, project_id, step_id, stage, input, output, model_used, status, error_text, operator, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.ProjectID, l.StepID, l.Stage, nullJSON(l.Input), nullJSON(l.Output),
		l.ModelUsed, l.Status, l.ErrorText, l.Operator, l.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) FinishRunLog(ctx context.Context, l *models.RunLog) error {
	return finishRunLog(ctx, s.db, l)
}

func finishRunLog(ctx context.Context, db execer, l *models.RunLog) error {
	if l.FinishedAt == nil {
		now := time.Now().UTC()
		l.FinishedAt = &now
	}
	tag, err := db.Exec(ctx,
		`UPDATE run_logs SET input = $2, output = $3, model_used = $4, status = $5, error_text = $6, finished_at = $7
		 WHERE id = $1`,
		l.ID, nullJSON(l.Input), nullJSON(l.Output), l.ModelUsed, l.Status, l.ErrorText, l.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("finish run log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run log %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func nextVersionTx(ctx context.Context, tx pgx.Tx, table, keyColumn, key string) (int, error) {
	var v int
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) + 1 FROM %s WHERE %s = $1`, table, keyColumn), key,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next %s version: %w", table, err)
	}
	return v, nil
}

func (s *PostgresStore) CommitStepOutput(ctx context.Context, out *StepOutput) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// serialize version assignment per project
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, out.ProjectID); err != nil {
			return fmt.Errorf("lock project: %w", err)
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}

		if len(out.IssueNodes) > 0 {
			v, err := nextVersionTx(ctx, tx, "issue_nodes", "project_id", out.ProjectID)
			if err != nil {
				return err
			}
			for i, n := range out.IssueNodes {
				n.ProjectID, n.Version, n.CreatedAt = out.ProjectID, v, now
				batch.Queue(`INSERT INTO issue_nodes (id, project_id, parent_id, text, priority, version, position, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					n.ID, n.ProjectID, n.ParentID, n.Text, n.Priority, n.Version, i, n.CreatedAt)
			}
		}
		if len(out.Hypotheses) > 0 {
			v, err := nextVersionTx(ctx, tx, "hypotheses", "project_id", out.ProjectID)
			if err != nil {
				return err
			}
			for i, h := range out.Hypotheses {
				h.ProjectID, h.Version, h.CreatedAt = out.ProjectID, v, now
				batch.Queue(`INSERT INTO hypotheses (id, project_id, issue_node_id, statement, metric, data_source, method, version, position, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					h.ID, h.ProjectID, h.IssueNodeID, h.Statement, h.Metric, h.DataSource, h.Method, h.Version, i, h.CreatedAt)
			}
		}
		if len(out.AnalysisPlans) > 0 {
			v, err := nextVersionTx(ctx, tx, "analysis_plans", "project_id", out.ProjectID)
			if err != nil {
				return err
			}
			for i, p := range out.AnalysisPlans {
				p.ProjectID, p.Version, p.CreatedAt = out.ProjectID, v, now
				params, err := encodeJSON(p.Parameters)
				if err != nil {
					return err
				}
				batch.Queue(`INSERT INTO analysis_plans (id, project_id, hypothesis_id, method, parameters, required_dataset, version, position, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					p.ID, p.ProjectID, p.HypothesisID, p.Method, params, p.RequiredDataset, p.Version, i, p.CreatedAt)
			}
		}
		if len(out.ModelRuns) > 0 {
			v, err := nextVersionTx(ctx, tx, "model_runs", "project_id", out.ProjectID)
			if err != nil {
				return err
			}
			for i, r := range out.ModelRuns {
				r.ProjectID, r.Version, r.CreatedAt = out.ProjectID, v, now
				inputs, err := encodeJSON(r.Inputs)
				if err != nil {
					return err
				}
				outputs, err := encodeJSON(r.Outputs)
				if err != nil {
					return err
				}
				batch.Queue(`INSERT INTO model_runs (id, project_id, analysis_plan_id, hypothesis_id, tool_name, inputs, outputs, version, position, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					r.ID, r.ProjectID, r.AnalysisPlanID, r.HypothesisID, r.ToolName, inputs, outputs, r.Version, i, r.CreatedAt)
			}
		}
		if n := out.Narrative; n != nil {
			v, err := nextVersionTx(ctx, tx, "narratives", "project_id", out.ProjectID)
			if err != nil {
				return err
			}
			if n.ID == "" {
				n.ID = uuid.New().String()
			}
			n.ProjectID, n.Version, n.CreatedAt = out.ProjectID, v, now
			batch.Queue(`INSERT INTO narratives (id, project_id, summary_text, version, created_at) VALUES ($1, $2, $3, $4, $5)`,
				n.ID, n.ProjectID, n.SummaryText, n.Version, n.CreatedAt)
		}
		if len(out.Slides) > 0 {
			v, err := nextVersionTx(ctx, tx, "slides", "project_id", out.ProjectID)
			if err != nil {
				return err
			}
			for _, sl := range out.Slides {
				sl.ProjectID, sl.Version, sl.CreatedAt = out.ProjectID, v, now
				batch.Queue(`INSERT INTO slides (id, project_id, slide_index, layout, title, subtitle, body, notes_text, version, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					sl.ID, sl.ProjectID, sl.SlideIndex, sl.Layout, sl.Title, sl.Subtitle, nullJSON(sl.Body), sl.NotesText, sl.Version, sl.CreatedAt)
			}
		}
		if d := out.Deliverable; d != nil {
			v, err := nextVersionTx(ctx, tx, "deliverables", "step_id", d.StepID)
			if err != nil {
				return err
			}
			if d.ID == "" {
				d.ID = uuid.New().String()
			}
			d.ProjectID, d.Version, d.CreatedAt = out.ProjectID, v, now
			batch.Queue(`INSERT INTO deliverables (id, project_id, step_id, title, content, version, locked, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
				d.ID, d.ProjectID, d.StepID, d.Title, []byte(d.Content), d.Version, d.CreatedAt)
		}

		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert step output: %w", err)
			}
		}
		if out.RunLog != nil {
			return finishRunLog(ctx, tx, out.RunLog)
		}
		return nil
	})
}

func (s *PostgresStore) ListDeliverables(ctx context.Context, stepID string) ([]*models.Deliverable, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, step_id, title, content, version, locked, created_at
		 FROM deliverables WHERE step_id = $1 ORDER BY version`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Deliverable, error) {
		var (
			d       models.Deliverable
			content []byte
		)
		err := row.Scan(&d.ID, &d.ProjectID, &d.StepID, &d.Title, &content, &d.Version, &d.Locked, &d.CreatedAt)
		d.Content = content
		return &d, err
	})
}

const runLogColumns = `id, project_id, step_id, stage, input, output, model_used, status, error_text, operator, started_at, finished_at`

func (s *PostgresStore) ListRunLogs(ctx context.Context, stepID string) ([]*models.RunLog, error) {
	return s.queryRunLogs(ctx, `WHERE step_id = $1`, stepID)
}

func (s *PostgresStore) ListProjectRunLogs(ctx context.Context, projectID string) ([]*models.RunLog, error) {
	return s.queryRunLogs(ctx, `WHERE project_id = $1`, projectID)
}

func (s *PostgresStore) queryRunLogs(ctx context.Context, where string, arg string) ([]*models.RunLog, error) {
	rows, err := s.db.Query(ctx, `SELECT `+runLogColumns+` FROM run_logs `+where+` ORDER BY started_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.RunLog, error) {
		var (
			l             models.RunLog
			input, output []byte
		)
		err := row.Scan(&l.ID, &l.ProjectID, &l.StepID, &l.Stage, &input, &output, &l.ModelUsed,
			&l.Status, &l.ErrorText, &l.Operator, &l.StartedAt, &l.FinishedAt)
		l.Input, l.Output = input, output
		return &l, err
	})
}

// versionClause selects one version, or the latest stored for the project.
func versionClause(table string) string {
	return fmt.Sprintf(`WHERE project_id = $1 AND version = CASE WHEN $2 = 0
		THEN (SELECT COALESCE(MAX(version), 0) FROM %s WHERE project_id = $1) ELSE $2 END`, table)
}

func (s *PostgresStore) ListIssueNodes(ctx context.Context, projectID string, version int) ([]*models.IssueNode, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, parent_id, text, priority, version, created_at FROM issue_nodes `+
			versionClause("issue_nodes")+` ORDER BY position`, projectID, version)
	if err != nil {
		return nil, fmt.Errorf("list issue nodes: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.IssueNode, error) {
		var n models.IssueNode
		err := row.Scan(&n.ID, &n.ProjectID, &n.ParentID, &n.Text, &n.Priority, &n.Version, &n.CreatedAt)
		return &n, err
	})
}

func (s *PostgresStore) ListHypotheses(ctx context.Context, projectID string, version int) ([]*models.Hypothesis, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, issue_node_id, statement, metric, data_source, method, version, created_at FROM hypotheses `+
			versionClause("hypotheses")+` ORDER BY position`, projectID, version)
	if err != nil {
		return nil, fmt.Errorf("list hypotheses: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Hypothesis, error) {
		var h models.Hypothesis
		err := row.Scan(&h.ID, &h.ProjectID, &h.IssueNodeID, &h.Statement, &h.Metric, &h.DataSource, &h.Method, &h.Version, &h.CreatedAt)
		return &h, err
	})
}

func (s *PostgresStore) ListAnalysisPlans(ctx context.Context, projectID string, version int) ([]*models.AnalysisPlan, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, hypothesis_id, method, parameters, required_dataset, version, created_at FROM analysis_plans `+
			versionClause("analysis_plans")+` ORDER BY position`, projectID, version)
	if err != nil {
		return nil, fmt.Errorf("list analysis plans: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.AnalysisPlan, error) {
		var (
			p      models.AnalysisPlan
			params []byte
		)
		if err := row.Scan(&p.ID, &p.ProjectID, &p.HypothesisID, &p.Method, &params, &p.RequiredDataset, &p.Version, &p.CreatedAt); err != nil {
			return nil, err
		}
		return &p, decodeJSON(params, &p.Parameters)
	})
}

func (s *PostgresStore) ListModelRuns(ctx context.Context, projectID string, version int) ([]*models.ModelRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, analysis_plan_id, hypothesis_id, tool_name, inputs, outputs, version, created_at FROM model_runs `+
			versionClause("model_runs")+` ORDER BY position`, projectID, version)
	if err != nil {
		return nil, fmt.Errorf("list model runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ModelRun, error) {
		var (
			r               models.ModelRun
			inputs, outputs []byte
		)
		if err := row.Scan(&r.ID, &r.ProjectID, &r.AnalysisPlanID, &r.HypothesisID, &r.ToolName, &inputs, &outputs, &r.Version, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(inputs, &r.Inputs); err != nil {
			return nil, err
		}
		return &r, decodeJSON(outputs, &r.Outputs)
	})
}

func (s *PostgresStore) GetNarrative(ctx context.Context, projectID string, version int) (*models.Narrative, error) {
	var n models.Narrative
	err := s.db.QueryRow(ctx,
		`SELECT id, project_id, summary_text, version, created_at FROM narratives `+versionClause("narratives"),
		projectID, version,
	).Scan(&n.ID, &n.ProjectID, &n.SummaryText, &n.Version, &n.CreatedAt)
	if err != nil {
		return nil, notFound(err, "narrative for project %s", projectID)
	}
	return &n, nil
}

func (s *PostgresStore) ListSlides(ctx context.Context, projectID string, version int) ([]*models.Slide, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, slide_index, layout, title, subtitle, body, notes_text, version, created_at FROM slides `+
			versionClause("slides")+` ORDER BY slide_index`, projectID, version)
	if err != nil {
		return nil, fmt.Errorf("list slides: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Slide, error) {
		var (
			sl   models.Slide
			body []byte
		)
		err := row.Scan(&sl.ID, &sl.ProjectID, &sl.SlideIndex, &sl.Layout, &sl.Title, &sl.Subtitle, &body, &sl.NotesText, &sl.Version, &sl.CreatedAt)
		sl.Body = body
		return &sl, err
	})
}

// --- vault ---

const vaultFileColumns = `id, project_id, file_name, mime_type, storage_path, size_bytes, status,
	extracted_text, extraction_limited, chunk_count, error_text, created_at, updated_at`

func scanVaultFile(row pgx.Row) (*models.VaultFile, error) {
	var f models.VaultFile
	err := row.Scan(&f.ID, &f.ProjectID, &f.FileName, &f.MimeType, &f.StoragePath, &f.SizeBytes, &f.Status,
		&f.ExtractedText, &f.ExtractionLimited, &f.ChunkCount, &f.ErrorText, &f.CreatedAt, &f.UpdatedAt)
	return &f, err
}

func (s *PostgresStore) CreateVaultFile(ctx context.Context, f *models.VaultFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = models.VaultPending
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO vault_files (id, project_id, file_name, mime_type, storage_path, size_bytes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		f.ID, f.ProjectID, f.FileName, f.MimeType, f.StoragePath, f.SizeBytes, f.Status,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
}

func (s *PostgresStore) GetVaultFile(ctx context.Context, id string) (*models.VaultFile, error) {
	f, err := scanVaultFile(s.db.QueryRow(ctx, `SELECT `+vaultFileColumns+` FROM vault_files WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "vault file %s", id)
	}
	return f, nil
}

func (s *PostgresStore) UpdateVaultFile(ctx context.Context, f *models.VaultFile) error {
	err := s.db.QueryRow(ctx,
		`UPDATE vault_files SET status = $2, extracted_text = $3, extraction_limited = $4, chunk_count = $5,
		        error_text = $6, storage_path = $7, updated_at = now()
		 WHERE id = $1 RETURNING updated_at`,
		f.ID, f.Status, f.ExtractedText, f.ExtractionLimited, f.ChunkCount, f.ErrorText, f.StoragePath,
	).Scan(&f.UpdatedAt)
	if err != nil {
		return notFound(err, "vault file %s", f.ID)
	}
	return nil
}

func (s *PostgresStore) ListVaultFiles(ctx context.Context, projectID string) ([]*models.VaultFile, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+vaultFileColumns+` FROM vault_files WHERE project_id = $1 ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list vault files: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.VaultFile, error) {
		return scanVaultFile(row)
	})
}

func (s *PostgresStore) ReplaceVaultChunks(ctx context.Context, fileID string, chunks []*models.VaultChunk) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM vault_chunks WHERE file_id = $1`, fileID); err != nil {
			return fmt.Errorf("clear vault chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, c := range chunks {
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			c.FileID = fileID
			var embedding any
			if len(c.Embedding) > 0 {
				embedding = pgvector.NewVector(c.Embedding)
			}
			batch.Queue(`INSERT INTO vault_chunks (id, file_id, project_id, chunk_index, content, embedding, token_count)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.ID, c.FileID, c.ProjectID, c.ChunkIndex, c.Content, embedding, c.TokenCount)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert vault chunks: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListVaultChunks(ctx context.Context, projectID string) ([]*models.VaultChunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT c.id, c.file_id, c.project_id, c.chunk_index, c.content, c.embedding, c.token_count
		 FROM vault_chunks c JOIN vault_files f ON f.id = c.file_id
		 WHERE c.project_id = $1
		 ORDER BY f.created_at, f.id, c.chunk_index`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list vault chunks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.VaultChunk, error) {
		var (
			c         models.VaultChunk
			embedding *pgvector.Vector
		)
		if err := row.Scan(&c.ID, &c.FileID, &c.ProjectID, &c.ChunkIndex, &c.Content, &embedding, &c.TokenCount); err != nil {
			return nil, err
		}
		if embedding != nil {
			c.Embedding = embedding.Slice()
		}
		return &c, nil
	})
}
