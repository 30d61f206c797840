package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/grcflow/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn inside a database transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(t pgx.Tx) error {
		return fn(&pgTx{q: t})
	})
}

const instanceColumns = `id, type_id, tenant_id, subject_entity_type, subject_entity_id,
	current_state, status, initiated_by, variables, approval_level, approval_in_progress,
	external_process_key, external_process_handle,
	created_at, updated_at, completed_at, archived_at, version`

const taskColumns = `id, instance_id, tenant_id, name, state, approval_level, assigned_to,
	status, priority, due_at, escalation_level, escalated_to, needs_intervention,
	completed_by, completed_at, created_at, updated_at, version`

const outboxColumns = `id, type, tenant_id, instance_id, task_id, recipients, payload,
	occurred_at, status, attempts, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var vars []byte
	err := row.Scan(
		&inst.ID, &inst.TypeID, &inst.TenantID, &inst.SubjectEntityType, &inst.SubjectEntityID,
		&inst.CurrentState, &inst.Status, &inst.InitiatedBy, &vars, &inst.ApprovalLevel, &inst.ApprovalInProgress,
		&inst.ExternalProcessKey, &inst.ExternalProcessHandle,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.ArchivedAt, &inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &inst.Variables); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return inst, nil
}

func scanTask(row scanner) (model.WorkflowTask, error) {
	var t model.WorkflowTask
	err := row.Scan(
		&t.ID, &t.InstanceID, &t.TenantID, &t.Name, &t.State, &t.ApprovalLevel, &t.AssignedTo,
		&t.Status, &t.Priority, &t.DueAt, &t.EscalationLevel, &t.EscalatedTo, &t.NeedsIntervention,
		&t.CompletedBy, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	return t, err
}

func scanEvent(row scanner) (model.Event, error) {
	var e model.Event
	var recipients, payload []byte
	err := row.Scan(
		&e.ID, &e.Type, &e.TenantID, &e.InstanceID, &e.TaskID, &recipients, &payload,
		&e.OccurredAt, &e.Status, &e.Attempts, &e.LastError,
	)
	if err != nil {
		return model.Event{}, err
	}
	if err := json.Unmarshal(recipients, &e.Recipients); err != nil {
		return model.Event{}, fmt.Errorf("unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return model.Event{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return e, nil
}

func getInstance(ctx context.Context, q querier, tenantID, instanceID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func getTask(ctx context.Context, q querier, tenantID, taskID string) (model.WorkflowTask, error) {
	t, err := scanTask(q.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1 AND tenant_id = $2`,
		taskID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTask{}, model.NewTaskNotFoundError(taskID)
	}
	if err != nil {
		return model.WorkflowTask{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]model.WorkflowTask, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.WorkflowTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	return getInstance(ctx, s.pool, tenantID, instanceID)
}

// ListInstances returns a tenant's instances, newest first.
func (s *PgStore) ListInstances(ctx context.Context, tenantID string, f model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if f.TypeID != "" {
		query += fmt.Sprintf(" AND type_id = $%d", argIdx)
		args = append(args, f.TypeID)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.SubjectEntityID != "" {
		query += fmt.Sprintf(" AND subject_entity_id = $%d", argIdx)
		args = append(args, f.SubjectEntityID)
		argIdx++
	}
	query += " ORDER BY created_at DESC, id"
	query, args = withPage(query, args, argIdx, f.Offset, f.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *PgStore) GetTask(ctx context.Context, tenantID, taskID string) (model.WorkflowTask, error) {
	return getTask(ctx, s.pool, tenantID, taskID)
}

// ListTasks returns a tenant's tasks ordered by due date then priority.
func (s *PgStore) ListTasks(ctx context.Context, tenantID string, f model.TaskFilters) ([]model.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if f.InstanceID != "" {
		query += fmt.Sprintf(" AND instance_id = $%d", argIdx)
		args = append(args, f.InstanceID)
		argIdx++
	}
	if f.AssignedTo != "" {
		query += fmt.Sprintf(" AND (assigned_to = $%d OR escalated_to = $%d)", argIdx, argIdx)
		args = append(args, f.AssignedTo)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, f.State)
		argIdx++
	}
	if f.OpenOnly {
		query += " AND status IN ('pending', 'claimed', 'escalated')"
	}
	query += " ORDER BY due_at, priority, id"
	query, args = withPage(query, args, argIdx, f.Offset, f.Limit)

	return queryTasks(ctx, s.pool, query, args...)
}

// FindOverdueTasks returns open tasks due before the cutoff across all
// tenants, skipping tasks already flagged for intervention.
func (s *PgStore) FindOverdueTasks(ctx context.Context, f model.OverdueFilter) ([]model.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks
		WHERE status IN ('pending', 'claimed', 'escalated') AND due_at < $1 AND NOT needs_intervention`
	args := []any{f.Cutoff}
	if len(f.SkipTenants) > 0 {
		args = append(args, f.SkipTenants)
		query += fmt.Sprintf(" AND NOT (tenant_id = ANY($%d))", len(args))
	}
	if f.AfterID != "" {
		args = append(args, f.AfterDueAt, f.AfterID)
		query += fmt.Sprintf(" AND (due_at, id) > ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY due_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryTasks(ctx, s.pool, query, args...)
}

// ListTransitions returns an instance's transition history in order.
func (s *PgStore) ListTransitions(ctx context.Context, tenantID, instanceID string) ([]model.TransitionRecord, error) {
	if _, err := s.GetInstance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, tenant_id, transition, from_state, to_state, triggered_by, reason, occurred_at
		FROM workflow_transitions WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var recs []model.TransitionRecord
	for rows.Next() {
		var r model.TransitionRecord
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.TenantID, &r.Transition, &r.FromState, &r.ToState,
			&r.TriggeredBy, &r.Reason, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListApprovals returns an instance's approval decisions in order.
func (s *PgStore) ListApprovals(ctx context.Context, tenantID, instanceID string) ([]model.ApprovalRecord, error) {
	if _, err := s.GetInstance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, tenant_id, level_name, approver_id, decision, comment, decided_at
		FROM workflow_approvals WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var recs []model.ApprovalRecord
	for rows.Next() {
		var r model.ApprovalRecord
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.TenantID, &r.LevelName, &r.ApproverID,
			&r.Decision, &r.Comment, &r.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListEscalations returns a task's escalation records in order.
func (s *PgStore) ListEscalations(ctx context.Context, tenantID, taskID string) ([]model.EscalationRecord, error) {
	if _, err := s.GetTask(ctx, tenantID, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, instance_id, tenant_id, level, escalated_to, reason,
		       escalated_at, resolved_at, resolution_notes
		FROM workflow_escalations WHERE task_id = $1 ORDER BY escalated_at, level`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var recs []model.EscalationRecord
	for rows.Next() {
		var r model.EscalationRecord
		if err := rows.Scan(&r.ID, &r.TaskID, &r.InstanceID, &r.TenantID, &r.Level, &r.EscalatedTo,
			&r.Reason, &r.EscalatedAt, &r.ResolvedAt, &r.ResolutionNotes); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// PendingEvents returns undispatched outbox events, oldest first.
func (s *PgStore) PendingEvents(ctx context.Context, limit int) ([]model.Event, error) {
	query := `SELECT ` + outboxColumns + ` FROM workflow_outbox WHERE status = 'pending' ORDER BY seq`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkDispatched marks an outbox event delivered.
func (s *PgStore) MarkDispatched(ctx context.Context, eventID string) error {
	return s.execOutbox(ctx, `
		UPDATE workflow_outbox SET status = 'dispatched', attempts = attempts + 1, last_error = ''
		WHERE id = $1`, eventID)
}

// MarkFailed records a failed dispatch attempt.
func (s *PgStore) MarkFailed(ctx context.Context, eventID, reason string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE workflow_outbox SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 RETURNING attempts`, eventID, reason).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.NewNotFoundError(fmt.Sprintf("event %q not found", eventID))
	}
	if err != nil {
		return 0, fmt.Errorf("mark outbox event failed: %w", err)
	}
	return attempts, nil
}

// MarkDropped gives up on an outbox event.
func (s *PgStore) MarkDropped(ctx context.Context, eventID, reason string) error {
	return s.execOutbox(ctx, `
		UPDATE workflow_outbox SET status = 'dropped', last_error = $2
		WHERE id = $1`, eventID, reason)
}

func (s *PgStore) execOutbox(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("event %q not found", args[0]))
	}
	return nil
}

func withPage(query string, args []any, argIdx, offset, limit int) (string, []any) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}
	return query, args
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	vars, err := marshalJSON(inst.Variables, "{}")
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		inst.ID, inst.TypeID, inst.TenantID, inst.SubjectEntityType, inst.SubjectEntityID,
		inst.CurrentState, inst.Status, inst.InitiatedBy, vars, inst.ApprovalLevel, inst.ApprovalInProgress,
		inst.ExternalProcessKey, inst.ExternalProcessHandle,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.ArchivedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	vars, err := marshalJSON(inst.Variables, "{}")
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE workflow_instances SET
			current_state = $1,
			status = $2,
			variables = $3,
			approval_level = $4,
			approval_in_progress = $5,
			external_process_key = $6,
			external_process_handle = $7,
			updated_at = $8,
			completed_at = $9,
			archived_at = $10,
			version = $11
		WHERE id = $12 AND version = $13`,
		inst.CurrentState, inst.Status, vars, inst.ApprovalLevel, inst.ApprovalInProgress,
		inst.ExternalProcessKey, inst.ExternalProcessHandle,
		inst.UpdatedAt, inst.CompletedAt, inst.ArchivedAt, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrencyConflictError("workflow instance", inst.ID)
	}
	inst.Version++
	return nil
}

func (t *pgTx) ListOpenTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	return queryTasks(ctx, t.q, `SELECT `+taskColumns+` FROM workflow_tasks
		WHERE tenant_id = $1 AND instance_id = $2 AND status IN ('pending', 'claimed', 'escalated')
		ORDER BY due_at, priority, id`, tenantID, instanceID)
}

func (t *pgTx) CreateTask(ctx context.Context, task model.WorkflowTask) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		task.ID, task.InstanceID, task.TenantID, task.Name, task.State, task.ApprovalLevel, task.AssignedTo,
		task.Status, task.Priority, task.DueAt, task.EscalationLevel, task.EscalatedTo, task.NeedsIntervention,
		task.CompletedBy, task.CompletedAt, task.CreatedAt, task.UpdatedAt, task.Version,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateTask(ctx context.Context, task *model.WorkflowTask) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE workflow_tasks SET
			assigned_to = $1,
			status = $2,
			priority = $3,
			due_at = $4,
			escalation_level = $5,
			escalated_to = $6,
			needs_intervention = $7,
			completed_by = $8,
			completed_at = $9,
			updated_at = $10,
			version = $11
		WHERE id = $12 AND version = $13`,
		task.AssignedTo, task.Status, task.Priority, task.DueAt, task.EscalationLevel, task.EscalatedTo,
		task.NeedsIntervention, task.CompletedBy, task.CompletedAt, task.UpdatedAt, task.Version+1,
		task.ID, task.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrencyConflictError("task", task.ID)
	}
	task.Version++
	return nil
}

func (t *pgTx) AppendTransition(ctx context.Context, r model.TransitionRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO workflow_transitions (
			id, instance_id, tenant_id, transition, from_state, to_state, triggered_by, reason, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.InstanceID, r.TenantID, r.Transition, r.FromState, r.ToState, r.TriggeredBy, r.Reason, r.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (t *pgTx) AppendApproval(ctx context.Context, r model.ApprovalRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO workflow_approvals (
			id, instance_id, tenant_id, level_name, approver_id, decision, comment, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.InstanceID, r.TenantID, r.LevelName, r.ApproverID, r.Decision, r.Comment, r.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEscalation(ctx context.Context, r model.EscalationRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO workflow_escalations (
			id, task_id, instance_id, tenant_id, level, escalated_to, reason, escalated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TaskID, r.InstanceID, r.TenantID, r.Level, r.EscalatedTo, r.Reason, r.EscalatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (t *pgTx) ResolveEscalations(ctx context.Context, taskID string, at time.Time, notes string) (int, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE workflow_escalations SET resolved_at = $2, resolution_notes = $3
		WHERE task_id = $1 AND resolved_at IS NULL`, taskID, at, notes)
	if err != nil {
		return 0, fmt.Errorf("resolve escalations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) AppendEvents(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		recipients, err := marshalJSON(e.Recipients, "[]")
		if err != nil {
			return fmt.Errorf("marshal recipients: %w", err)
		}
		payload, err := marshalJSON(e.Payload, "{}")
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		status := e.Status
		if status == "" {
			status = model.OutboxPending
		}
		batch.Queue(`
			INSERT INTO workflow_outbox (`+outboxColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.Type, e.TenantID, e.InstanceID, e.TaskID, recipients, payload,
			e.OccurredAt, status, e.Attempts, e.LastError,
		)
	}
	if err := t.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert outbox events: %w", err)
	}
	return nil
}

func marshalJSON(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}
