package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/model"
)

// InsertTask stores a new open task. ID and TS are assigned when empty.
func (s *SQLiteStore) InsertTask(ctx context.Context, t model.Task) (*model.Task, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.TS.IsZero() {
		t.TS = s.now()
	}
	t.TS = t.TS.UTC()
	if t.Status == "" {
		t.Status = model.TaskOpen
	}
	t.DependsOn, t.Blocks = nil, nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, tenant_id, title, status, ts) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Title, string(t.Status), formatTime(t.TS))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return &t, nil
}

// GetTask returns a task of the tenant with its dependency edges.
func (s *SQLiteStore) GetTask(ctx context.Context, tenantID, id string) (*model.Task, error) {
	var t model.Task
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, tenant_id, title, status, ts FROM tasks WHERE tenant_id = ? AND task_id = ?`,
		tenantID, id).Scan(&t.ID, &t.TenantID, &t.Title, &t.Status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.TS = parseTime(ts)

	if t.DependsOn, err = queryIDs(ctx, s.db,
		`SELECT depends_on_id FROM task_deps WHERE tenant_id = ? AND task_id = ? ORDER BY depends_on_id`, tenantID, id); err != nil {
		return nil, err
	}
	if t.Blocks, err = queryIDs(ctx, s.db,
		`SELECT task_id FROM task_deps WHERE tenant_id = ? AND depends_on_id = ? ORDER BY task_id`, tenantID, id); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns the tenant's tasks oldest first, with dependency edges.
func (s *SQLiteStore) ListTasks(ctx context.Context, tenantID string, status model.TaskStatus) ([]model.Task, error) {
	query := `SELECT task_id, tenant_id, title, status, ts FROM tasks WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY ts, task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var ts string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Title, &t.Status, &ts); err != nil {
			rows.Close()
			return nil, err
		}
		t.TS = parseTime(ts)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edges, err := s.db.QueryContext(ctx,
		`SELECT task_id, depends_on_id FROM task_deps WHERE tenant_id = ? ORDER BY task_id, depends_on_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list task deps: %w", err)
	}
	defer edges.Close()

	dependsOn := make(map[string][]string)
	blocks := make(map[string][]string)
	for edges.Next() {
		var from, to string
		if err := edges.Scan(&from, &to); err != nil {
			return nil, err
		}
		dependsOn[from] = append(dependsOn[from], to)
		blocks[to] = append(blocks[to], from)
	}
	if err := edges.Err(); err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].DependsOn = dependsOn[tasks[i].ID]
		tasks[i].Blocks = blocks[tasks[i].ID]
	}
	return tasks, nil
}

// SetTaskStatus updates a task's status.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, tenantID, id string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE tenant_id = ? AND task_id = ?`, string(status), tenantID, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("task", id)
	}
	return nil
}

// DependsOnFunc returns the direct dependencies of a task.
type DependsOnFunc func(taskID string) ([]string, error)

// AddTaskDependency records that taskID depends on dependsOnID. Both tasks
// must exist in the tenant. check runs inside the transaction against the
// current edge set and may veto the edge; it sees a consistent graph because
// the store has a single writer.
func (s *SQLiteStore) AddTaskDependency(ctx context.Context, tenantID, taskID, dependsOnID string, check func(DependsOnFunc) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range []string{taskID, dependsOnID} {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE tenant_id = ? AND task_id = ?`, tenantID, id).Scan(&n); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("task", id)
		}
	}

	if check != nil {
		next := func(id string) ([]string, error) {
			return queryIDs(ctx, tx,
				`SELECT depends_on_id FROM task_deps WHERE tenant_id = ? AND task_id = ? ORDER BY depends_on_id`, tenantID, id)
		}
		if err := check(next); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_deps (tenant_id, task_id, depends_on_id, created_at) VALUES (?, ?, ?, ?)`,
		tenantID, taskID, dependsOnID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert task dep: %w", err)
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
