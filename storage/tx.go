package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"taskboard-api/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx so reads can be shared
// between transactional and plain paths.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Tx is one store transaction. All reads through it observe the
// transaction's own writes, which is what the WIP admission check relies on.
type Tx struct {
	tx *sql.Tx
}

// Commit makes the transaction durable.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback discards the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// GetProject fetches one project inside the transaction.
func (t *Tx) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return getProject(ctx, t.tx, projectID)
}

// GetBoard fetches one board inside the transaction.
func (t *Tx) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	return getBoard(ctx, t.tx, boardID)
}

// GetList fetches one list inside the transaction.
func (t *Tx) GetList(ctx context.Context, listID string) (domain.List, error) {
	return getList(ctx, t.tx, listID)
}

// GetTask fetches one task inside the transaction.
func (t *Tx) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return getTask(ctx, t.tx, taskID)
}

// ListWipSettings implements domain.WipQueries.
func (t *Tx) ListWipSettings(ctx context.Context, listID string) (bool, int, error) {
	var limited, limit int
	err := t.tx.QueryRowContext(ctx,
		`SELECT is_wip_limited, wip_limit FROM lists WHERE id = ?`, listID).Scan(&limited, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, domain.NotFoundError{Resource: "list"}
	}
	if err != nil {
		return false, 0, err
	}
	return limited != 0, limit, nil
}

// CountActiveTasks implements domain.WipQueries. Archived tasks do not count
// against the limit.
func (t *Tx) CountActiveTasks(ctx context.Context, listID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE list_id = ? AND status != ?`,
		listID, domain.StatusArchived).Scan(&n)
	return n, err
}

// LastTaskPosition returns the highest position key in a list, or "" for an
// empty list.
func (t *Tx) LastTaskPosition(ctx context.Context, listID string) (string, error) {
	var pos string
	err := t.tx.QueryRowContext(ctx,
		`SELECT position FROM tasks WHERE list_id = ? ORDER BY position DESC, id DESC LIMIT 1`,
		listID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return pos, err
}

// PositionBefore returns the highest position key in the list strictly below
// pos, or "" when none exists.
func (t *Tx) PositionBefore(ctx context.Context, listID, pos string) (string, error) {
	var p string
	err := t.tx.QueryRowContext(ctx,
		`SELECT position FROM tasks WHERE list_id = ? AND position < ? ORDER BY position DESC, id DESC LIMIT 1`,
		listID, pos).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return p, err
}

// PositionAfter returns the lowest position key in the list strictly above
// pos, or "" when none exists.
func (t *Tx) PositionAfter(ctx context.Context, listID, pos string) (string, error) {
	var p string
	err := t.tx.QueryRowContext(ctx,
		`SELECT position FROM tasks WHERE list_id = ? AND position > ? ORDER BY position, id LIMIT 1`,
		listID, pos).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return p, err
}

// InsertTask writes a task row and its assignee set.
func (t *Tx) InsertTask(ctx context.Context, task domain.Task) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, board_id, list_id, title, description, position, status, version, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.BoardID, task.ListID, task.Title, task.Description,
		task.Position, task.Status, task.Version, task.CreatedBy, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return err
	}
	for _, userID := range task.AssigneeIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO task_assignees (task_id, user_id) VALUES (?, ?)`, task.ID, userID); err != nil {
			return err
		}
	}
	return nil
}

// MoveTask relocates a task guarded by its version. A stale expectedVersion
// yields a ConflictError carrying the latest row.
func (t *Tx) MoveTask(ctx context.Context, taskID, toListID, toBoardID, position string, expectedVersion int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET list_id = ?, board_id = ?, position = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		toListID, toBoardID, position, now(), taskID, expectedVersion)
	if err != nil {
		return err
	}
	return t.requireOneRow(ctx, res, taskID)
}

// SetTaskStatus archives or restores a task, guarded by its version.
func (t *Tx) SetTaskStatus(ctx context.Context, taskID, status string, expectedVersion int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		status, now(), taskID, expectedVersion)
	if err != nil {
		return err
	}
	return t.requireOneRow(ctx, res, taskID)
}

func (t *Tx) requireOneRow(ctx context.Context, res sql.Result, taskID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	latest, err := getTask(ctx, t.tx, taskID)
	if err != nil {
		return err
	}
	return domain.ConflictError{Message: "task version conflict", Latest: latest}
}

// InsertComment writes a comment row.
func (t *Tx) InsertComment(ctx context.Context, c domain.Comment) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO comments (id, task_id, project_id, author_id, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.ProjectID, c.AuthorID, c.Body, c.CreatedAt)
	return err
}

// UpdateListWip rewrites a list's WIP settings.
func (t *Tx) UpdateListWip(ctx context.Context, listID string, limited bool, limit int) (domain.List, error) {
	flag := 0
	if limited {
		flag = 1
	}
	if !limited {
		limit = 0
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE lists SET is_wip_limited = ?, wip_limit = ?, version = version + 1 WHERE id = ?`,
		flag, limit, listID); err != nil {
		return domain.List{}, err
	}
	return getList(ctx, t.tx, listID)
}

// SetListStatus archives or restores a list.
func (t *Tx) SetListStatus(ctx context.Context, listID, status string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE lists SET status = ?, version = version + 1 WHERE id = ?`, status, listID)
	return err
}

// ArchiveTasksInList archives every active task in a list and returns how
// many rows changed.
func (t *Tx) ArchiveTasksInList(ctx context.Context, listID string) (int, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, version = version + 1, updated_at = ? WHERE list_id = ? AND status != ?`,
		domain.StatusArchived, now(), listID, domain.StatusArchived)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TaskOrder is one entry of a list's authoritative ordering.
type TaskOrder struct {
	TaskID   string `json:"taskId"`
	Position string `json:"position"`
}

// ListTaskOrder returns the authoritative (position, id) ordering of a list.
func (t *Tx) ListTaskOrder(ctx context.Context, listID string) ([]TaskOrder, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, position FROM tasks WHERE list_id = ? ORDER BY position, id`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	order := []TaskOrder{}
	for rows.Next() {
		var o TaskOrder
		if err := rows.Scan(&o.TaskID, &o.Position); err != nil {
			return nil, err
		}
		order = append(order, o)
	}
	return order, rows.Err()
}

// AppendActivity writes the audit row for the enclosing mutation. It must be
// called inside the same transaction as the mutation it documents.
func (t *Tx) AppendActivity(ctx context.Context, e domain.ActivityEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO activity_log (id, project_id, actor_id, entity_type, entity_id, action, metadata, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.ActorID, e.EntityType, e.EntityID, e.Action, string(data), e.Timestamp)
	return err
}

func getProject(ctx context.Context, q querier, projectID string) (domain.Project, error) {
	var p domain.Project
	err := q.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM projects WHERE id = ?`, projectID).
		Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, domain.NotFoundError{Resource: "project"}
	}
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func getBoard(ctx context.Context, q querier, boardID string) (domain.Board, error) {
	var b domain.Board
	err := q.QueryRowContext(ctx,
		`SELECT id, project_id, title, status FROM boards WHERE id = ?`, boardID).
		Scan(&b.ID, &b.ProjectID, &b.Title, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Board{}, domain.NotFoundError{Resource: "board"}
	}
	if err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

func getList(ctx context.Context, q querier, listID string) (domain.List, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, board_id, project_id, title, position, status, is_wip_limited, wip_limit, version
		 FROM lists WHERE id = ?`, listID)
	l, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.List{}, domain.NotFoundError{Resource: "list"}
	}
	return l, err
}

func getTask(ctx context.Context, q querier, taskID string) (domain.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, project_id, board_id, list_id, title, description, position, status, version, created_by, created_at, updated_at
		 FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFoundError{Resource: "task"}
	}
	if err != nil {
		return domain.Task{}, err
	}
	ids, err := taskAssignees(ctx, q, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	t.AssigneeIDs = ids
	return t, nil
}

func taskAssignees(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM task_assignees WHERE task_id = ? ORDER BY user_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanList(row rowScanner) (domain.List, error) {
	var l domain.List
	var limited int
	err := row.Scan(&l.ID, &l.BoardID, &l.ProjectID, &l.Title, &l.Position, &l.Status, &limited, &l.WipLimit, &l.Version)
	if err != nil {
		return domain.List{}, err
	}
	l.IsWipLimited = limited != 0
	return l, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.BoardID, &t.ListID, &t.Title, &t.Description,
		&t.Position, &t.Status, &t.Version, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func scanActivity(row rowScanner) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var meta string
	err := row.Scan(&e.ID, &e.ProjectID, &e.ActorID, &e.EntityType, &e.EntityID, &e.Action, &meta, &e.Timestamp)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return domain.ActivityEntry{}, err
	}
	return e, nil
}
