// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

const (
	maxDeadlockRetries  = 3
	baseDeadlockBackoff = 10 * time.Millisecond
)

// Driver identifies the SQL dialect of the task table.
type Driver string

const (
	// DriverMySQL uses MySQL/MariaDB with ? placeholders
	DriverMySQL Driver = "mysql"
	// DriverPostgres uses PostgreSQL with $N placeholders
	DriverPostgres Driver = "postgres"
)

// SQLDriverName returns the database/sql driver name registered for d.
func (d Driver) SQLDriverName() string {
	if d == DriverPostgres {
		return "pgx"
	}
	return "mysql"
}

var _ Queue = (*DBQueue)(nil)

// DBQueue is a database-backed Queue. Several servers may share one table;
// FOR UPDATE SKIP LOCKED keeps two workers from claiming the same task.
type DBQueue struct {
	db                *sql.DB
	tableName         string
	visibilityTimeout time.Duration // how long a task may run without a heartbeat
	driver            Driver
}

// DBQueueConfig configures the database queue.
type DBQueueConfig struct {
	DB                *sql.DB
	Driver            Driver // defaults to mysql
	TableName         string // defaults to "zapscribe_tasks"
	VisibilityTimeout time.Duration
}

// NewDBQueue creates a new database-backed queue.
func NewDBQueue(cfg DBQueueConfig) (*DBQueue, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "zapscribe_tasks"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverMySQL
	}
	if cfg.Driver != DriverMySQL && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
	return &DBQueue{
		db:                cfg.DB,
		tableName:         cfg.TableName,
		visibilityTimeout: cfg.VisibilityTimeout,
		driver:            cfg.Driver,
	}, nil
}

// Schema returns the CREATE statements for the task table.
func (q *DBQueue) Schema() []string {
	payloadType, timeType := "JSON", "DATETIME(6)"
	if q.driver == DriverPostgres {
		payloadType, timeType = "JSONB", "TIMESTAMPTZ"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			payload %s,
			scheduled_at %s NOT NULL,
			started_at %s NULL,
			completed_at %s NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			retry_after %s NULL,
			last_error TEXT,
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			heartbeat_at %s NULL,
			worker_id VARCHAR(128)
		)`, q.tableName, payloadType, timeType, timeType, timeType, timeType, timeType, timeType, timeType),
		fmt.Sprintf(`CREATE INDEX %sidx_%s_claim ON %s (status, priority, scheduled_at)`,
			q.ifNotExists(), q.tableName, q.tableName),
	}
}

func (q *DBQueue) ifNotExists() string {
	if q.driver == DriverPostgres {
		return "IF NOT EXISTS "
	}
	return ""
}

// Migrate creates the task table if it does not exist.
func (q *DBQueue) Migrate(ctx context.Context) error {
	for i, stmt := range q.Schema() {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; 1061 is "duplicate key name"
			if i > 0 && strings.Contains(err.Error(), "1061") {
				continue
			}
			return fmt.Errorf("migrate %s: %w", q.tableName, err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (q *DBQueue) rebind(query string) string {
	if q.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const taskColumns = `id, type, status, priority, payload, scheduled_at, started_at,
	completed_at, attempts, max_retries, retry_after, last_error,
	created_at, updated_at, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var startedAt, completedAt, retryAfter sql.NullTime
	var lastError, workerID sql.NullString
	var payload []byte

	if err := row.Scan(
		&task.ID, &task.Type, &task.Status, &task.Priority, &payload,
		&task.ScheduledAt, &startedAt, &completedAt, &task.Attempts,
		&task.MaxRetries, &retryAfter, &lastError, &task.CreatedAt,
		&task.UpdatedAt, &workerID,
	); err != nil {
		return nil, err
	}

	task.Payload = payload
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if retryAfter.Valid {
		task.RetryAfter = retryAfter.Time
	}
	task.LastError = lastError.String
	task.WorkerID = workerID.String
	return &task, nil
}

func (q *DBQueue) Enqueue(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	query := q.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, type, status, priority, payload, scheduled_at,
			attempts, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.tableName))

	_, err := q.db.ExecContext(ctx, query,
		task.ID, task.Type, task.Status, task.Priority, []byte(task.Payload),
		task.ScheduledAt, task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt,
	)
	if err == nil {
		TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	}
	return err
}

// isDeadlockError reports MySQL error 1213 and PostgreSQL 40P01.
func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 1213") || strings.Contains(msg, "Deadlock") ||
		strings.Contains(msg, "40P01") || strings.Contains(msg, "deadlock detected")
}

// withDeadlockRetry runs fn again with jittered backoff while it deadlocks.
func withDeadlockRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := range maxDeadlockRetries {
		err := fn()
		if !isDeadlockError(err) {
			return err
		}
		lastErr = err
		DeadlockRetries.Inc()
		if err := utils.Sleep(ctx, utils.JitterUp(utils.Backoff(baseDeadlockBackoff, 0, attempt), 1)); err != nil {
			return err
		}
	}
	return lastErr
}

func (q *DBQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	var task *Task
	err := withDeadlockRetry(ctx, func() error {
		var err error
		task, err = q.dequeueOnce(ctx, workerID, taskTypes...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (q *DBQueue) dequeueOnce(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stale := now.Add(-q.visibilityTimeout)

	typeFilter := ""
	args := []any{now, now, stale}
	if len(taskTypes) > 0 {
		typeFilter = " AND type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(taskTypes)), ",") + ")"
		for _, t := range taskTypes {
			args = append(args, string(t))
		}
	}

	// Running tasks without a recent heartbeat belong to a dead worker and are reclaimed.
	selectQuery := q.rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE (
			(status = 'pending' AND scheduled_at <= ? AND (retry_after IS NULL OR retry_after <= ?))
			OR
			(status = 'running' AND heartbeat_at < ?)
		)
		%s
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, taskColumns, q.tableName, typeFilter))

	task, err := scanTask(tx.QueryRowContext(ctx, selectQuery, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if task.Status == StatusRunning {
		task.Attempts++
	}

	updateQuery := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'running', started_at = ?, heartbeat_at = ?,
			worker_id = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))
	if _, err := tx.ExecContext(ctx, updateQuery, now, now, workerID, task.Attempts, now, task.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = StatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID
	task.UpdatedAt = now
	return task, nil
}

func (q *DBQueue) execOne(ctx context.Context, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, q.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *DBQueue) Complete(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return q.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName), now, now, taskID)
}

func (q *DBQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	task.Attempts++
	task.LastError = taskErr.Error()

	var retryAfter *time.Time
	if IsPermanent(taskErr) || task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
	} else {
		next := now.Add(retryDelay(task.Attempts))
		retryAfter = &next
		task.Status = StatusPending
		TaskRetries.WithLabelValues(string(task.Type)).Inc()
	}

	return q.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = ?, last_error = ?,
			retry_after = ?, worker_id = NULL, updated_at = ?
		WHERE id = ?
	`, q.tableName), task.Status, task.Attempts, task.LastError, retryAfter, now, taskID)
}

func (q *DBQueue) Cancel(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return q.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName), now, now, taskID)
}

func (q *DBQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	query := q.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, taskColumns, q.tableName))
	task, err := scanTask(q.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (q *DBQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", taskColumns, q.tableName)
	args := []any{}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *DBQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByType: make(map[TaskType]int64)}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT status, type, COUNT(*) FROM %s GROUP BY status, type`, q.tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, taskType string
		var count int64
		if err := rows.Scan(&status, &taskType, &count); err != nil {
			return nil, err
		}
		switch TaskStatus(status) {
		case StatusPending:
			stats.Pending += count
			stats.ByType[TaskType(taskType)] += count
		case StatusRunning:
			stats.Running += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusDeadLetter:
			stats.DeadLetter += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = q.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MIN(scheduled_at) FROM %s WHERE status = 'pending'`, q.tableName)).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}
	return stats, nil
}

func (q *DBQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	query := q.rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'cancelled')
		AND completed_at < ?
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Heartbeat extends the visibility timeout for a running task.
func (q *DBQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	return withDeadlockRetry(ctx, func() error {
		now := time.Now().UTC()
		return q.execOne(ctx, fmt.Sprintf(`
			UPDATE %s SET heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND status = 'running'
		`, q.tableName), now, now, taskID, workerID)
	})
}

// VisibilityTimeout returns the configured visibility timeout.
func (q *DBQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (q *DBQueue) Close() error {
	return nil
}
