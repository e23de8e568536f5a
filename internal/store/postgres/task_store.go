package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// TaskStore implements domain.TaskStore: durable checkpoints for the
// reconciliation tasks.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Get returns the checkpoint of (taskType, param).
func (s *TaskStore) Get(ctx context.Context, taskType, param string) (domain.Task, error) {
	task := domain.Task{Type: taskType, Param: param}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor_pos, status, last_error, run_id, started_at, updated_at
		 FROM tasks WHERE task_type = $1 AND param = $2`, taskType, param,
	).Scan(&task.Cursor, &status, &task.LastError, &task.RunID, &task.StartedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("postgres: get task %s/%s: %w", taskType, param, err)
	}
	task.Status = domain.TaskStatus(status)
	return task, nil
}

// Save upserts the checkpoint.
func (s *TaskStore) Save(ctx context.Context, task domain.Task) error {
	const query = `
		INSERT INTO tasks (task_type, param, cursor_pos, status, last_error, run_id, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (task_type, param) DO UPDATE
			SET cursor_pos = EXCLUDED.cursor_pos,
			    status = EXCLUDED.status,
			    last_error = EXCLUDED.last_error,
			    run_id = EXCLUDED.run_id,
			    started_at = EXCLUDED.started_at,
			    updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query,
		task.Type, task.Param, task.Cursor, string(task.Status),
		task.LastError, task.RunID, task.StartedAt,
	); err != nil {
		return fmt.Errorf("postgres: save task %s/%s: %w", task.Type, task.Param, err)
	}
	return nil
}

// List returns all checkpoints for monitoring.
func (s *TaskStore) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_type, param, cursor_pos, status, last_error, run_id, started_at, updated_at
		 FROM tasks ORDER BY task_type, param`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var (
			task   domain.Task
			status string
		)
		if err := rows.Scan(
			&task.Type, &task.Param, &task.Cursor, &status,
			&task.LastError, &task.RunID, &task.StartedAt, &task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		task.Status = domain.TaskStatus(status)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tasks: %w", err)
	}
	return tasks, nil
}
