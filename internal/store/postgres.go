package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"portfolio-backoffice/internal/models"
)

// ErrNotFound is returned when a task or scheme id resolves to nothing.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. Tasks and schemes live in the
// public schema keyed by space_code; tenant entity data is reached through a
// bound Session (see tenant.go).
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for collaborators that manage their own
// queries, such as the tenant-bound entity layer.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const taskColumns = `id, space_code, member_id, parent_id, broker_task_id, type, status,
	options, progress, result, notes, error_message, verbose_name, verbose_result,
	worker_name, created, modified, finished_at, expiry_at`

// CreateTaskParams collects inputs required to insert a task in Init.
type CreateTaskParams struct {
	SpaceCode   string
	MemberID    int64
	ParentID    *int64
	Type        string
	Options     map[string]any
	VerboseName string
	Notes       string
	TTL         time.Duration
}

// CreateTask inserts a task row in Init status.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.SpaceCode == "" {
		return models.Task{}, errors.New("space_code is required")
	}
	if p.Type == "" {
		return models.Task{}, errors.New("task type is required")
	}
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal options: %w", err)
	}

	now := time.Now().UTC()
	var expiry *time.Time
	if p.TTL > 0 {
		e := now.Add(p.TTL)
		expiry = &e
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO tasks (space_code, member_id, parent_id, type, status, options, notes, verbose_name, created, modified, expiry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
		RETURNING id
	`, p.SpaceCode, p.MemberID, p.ParentID, p.Type, models.StatusInit, optionsJSON, p.Notes, p.VerboseName, now, expiry).Scan(&id)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return task, err
}

// GetTaskByBrokerID resolves a task from the broker message id.
func (s *Store) GetTaskByBrokerID(ctx context.Context, brokerID string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE broker_task_id = $1`, brokerID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("broker task %s: %w", brokerID, ErrNotFound)
	}
	return task, err
}

// ListTasks returns tasks for a space, optionally filtered by status, newest first.
func (s *Store) ListTasks(ctx context.Context, spaceCode, status string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE space_code = $1`
	args := []any{spaceCode}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// AcceptForExecution claims an Init task for a worker. The Init to Pending
// move is a compare-and-swap: only one worker can win, everyone else sees
// false and drops the message.
func (s *Store) AcceptForExecution(ctx context.Context, id int64, brokerTaskID, workerName string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, broker_task_id = $3, worker_name = $4, modified = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, brokerTaskID, workerName, models.StatusInit)
	if err != nil {
		return false, fmt.Errorf("accept task %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress writes the progress blob. Only Pending tasks accept
// progress, and percent never moves backwards within one run.
func (s *Store) UpdateProgress(ctx context.Context, id int64, p models.Progress) error {
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks
		SET progress = $2, modified = NOW()
		WHERE id = $1 AND status = $3
		  AND COALESCE((progress->>'percent')::int, 0) <= $4
	`, id, progressJSON, models.StatusPending, p.Percent)
	return err
}

// MarkSucceeded transitions Pending to Done and stamps finished_at.
func (s *Store) MarkSucceeded(ctx context.Context, id int64, result map[string]any, verboseResult string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, verbose_result = $4, modified = NOW(), finished_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusDone, resultJSON, verboseResult, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark task %d done: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d is not pending", id)
	}
	return nil
}

// MarkFailed transitions a live task to Error and records the failure and
// traceback inside result. Terminal rows are left untouched.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg, traceback string) error {
	failure := map[string]any{"error": errMsg}
	if traceback != "" {
		failure["traceback"] = traceback
	}
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3,
		    result = COALESCE(result, '{}'::jsonb) || $4::jsonb,
		    modified = NOW(), finished_at = NOW()
		WHERE id = $1 AND finished_at IS NULL
	`, id, models.StatusError, errMsg, failureJSON)
	return err
}

// MarkAborted flags a break-on-error import whose persisted rows stay.
func (s *Store) MarkAborted(ctx context.Context, id int64, errMsg string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, error_message = $3, result = $4, modified = NOW(), finished_at = NOW()
		WHERE id = $1 AND finished_at IS NULL
	`, id, models.StatusTransactionsAborted, errMsg, resultJSON)
	return err
}

// SetStatus performs a guarded transition for the request/response states.
func (s *Store) SetStatus(ctx context.Context, id int64, from, to string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, modified = NOW() WHERE id = $1 AND status = $3
	`, id, to, from)
	if err != nil {
		return fmt.Errorf("set task %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d is not in status %s", id, models.StatusName(from))
	}
	return nil
}

// Cancel moves a live task to Canceled. Already-terminal tasks are returned
// unchanged; callers revoke broker work separately and best-effort.
func (s *Store) Cancel(ctx context.Context, id int64) (models.Task, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, modified = NOW(), finished_at = NOW()
		WHERE id = $1 AND finished_at IS NULL
	`, id, models.StatusCanceled)
	if err != nil {
		return models.Task{}, fmt.Errorf("cancel task %d: %w", id, err)
	}
	return s.GetTask(ctx, id)
}

// ExpireOverdue times out every Pending task whose TTL has passed. The
// broker lease is not revoked here; a still-running handler sees the status
// flip at its next row boundary.
func (s *Store) ExpireOverdue(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1,
		    notes = TRIM(BOTH E'\n' FROM notes || E'\n' || 'Task was cancelled by TTL'),
		    modified = NOW(), finished_at = NOW()
		WHERE status = $2 AND expiry_at IS NOT NULL AND expiry_at <= NOW()
	`, models.StatusTimeout, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("expire overdue tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Reap deletes tasks older than the retention window, attachments first.
func (s *Store) Reap(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin reap tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		DELETE FROM task_attachments WHERE task_id IN (SELECT id FROM tasks WHERE created < $1)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("reap attachments: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE created < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reap: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelStale flips every unfinished task to Canceled. Run at worker boot
// when the deployment wants a clean slate after a crash.
func (s *Store) CancelStale(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, notes = TRIM(BOTH E'\n' FROM notes || E'\n' || 'Canceled at worker boot'),
		    modified = NOW(), finished_at = NOW()
		WHERE finished_at IS NULL
	`, models.StatusCanceled)
	if err != nil {
		return 0, fmt.Errorf("cancel stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AddAttachment appends a file record to a task.
func (s *Store) AddAttachment(ctx context.Context, a models.TaskAttachment) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_attachments (task_id, file_url, file_name, notes, file_report_id, created)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`, a.TaskID, a.FileURL, a.FileName, a.Notes, a.FileReportID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert attachment: %w", err)
	}
	return id, nil
}

// ListAttachments returns a task's attachments in insertion order.
func (s *Store) ListAttachments(ctx context.Context, taskID int64) ([]models.TaskAttachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, file_url, file_name, notes, file_report_id, created
		FROM task_attachments WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []models.TaskAttachment
	for rows.Next() {
		var a models.TaskAttachment
		var notes pgtype.Text
		var reportID pgtype.Int8
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FileURL, &a.FileName, &notes, &reportID, &a.Created); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.Notes = notes.String
		if reportID.Valid {
			a.FileReportID = &reportID.Int64
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var task models.Task
	var parentID pgtype.Int8
	var brokerID, notes, errMsg, verboseName, verboseResult, workerName pgtype.Text
	var optionsJSON, progressJSON, resultJSON []byte
	var finishedAt, expiryAt pgtype.Timestamptz

	err := row.Scan(
		&task.ID, &task.SpaceCode, &task.MemberID, &parentID, &brokerID, &task.Type,
		&task.Status, &optionsJSON, &progressJSON, &resultJSON, &notes, &errMsg,
		&verboseName, &verboseResult, &workerName, &task.Created, &task.Modified,
		&finishedAt, &expiryAt,
	)
	if err != nil {
		return models.Task{}, err
	}

	if parentID.Valid {
		task.ParentID = &parentID.Int64
	}
	if brokerID.Valid && brokerID.String != "" {
		task.BrokerTaskID = &brokerID.String
	}
	task.Notes = notes.String
	task.ErrorMessage = errMsg.String
	task.VerboseName = verboseName.String
	task.VerboseResult = verboseResult.String
	task.WorkerName = workerName.String
	if finishedAt.Valid {
		task.FinishedAt = &finishedAt.Time
	}
	if expiryAt.Valid {
		task.ExpiryAt = &expiryAt.Time
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &task.Options); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(progressJSON) > 0 {
		var p models.Progress
		if err := json.Unmarshal(progressJSON, &p); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal progress: %w", err)
		}
		task.Progress = &p
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return task, nil
}
