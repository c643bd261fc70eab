// Package storage is the transactional store behind the board. It treats
// SQLite as an opaque row store: every mutation runs inside a write
// transaction so the WIP admission read and the insert it guards are
// serialized against concurrent writers.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskboard-api/domain"
)

const driverName = "sqlite"

// Store provides access to the underlying persistence mechanism.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	// A named in-memory database is shared by every connection in this
	// store's pool but invisible to other stores in the same process.
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxIdleConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS lists (
			id TEXT PRIMARY KEY,
			board_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			is_wip_limited INTEGER NOT NULL DEFAULT 0,
			wip_limit INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY(board_id) REFERENCES boards(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			board_id TEXT NOT NULL,
			list_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			version INTEGER NOT NULL DEFAULT 1,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(list_id) REFERENCES lists(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_list_position ON tasks(list_id, position, id);`,
		`CREATE TABLE IF NOT EXISTS task_assignees (
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY(task_id, user_id),
			FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS memberships (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY(project_id, user_id),
			FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			ts TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_project_ts ON activity_log(project_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Begin starts a write transaction. The caller owns commit and rollback; the
// mutation coordinator relies on that to publish only after commit.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateProject inserts a project and an owner membership for the creator.
func (s *Store) CreateProject(ctx context.Context, name, creatorID string) (domain.Project, error) {
	p := domain.Project{ID: uuid.NewString(), Name: name, Status: domain.StatusActive, CreatedAt: now()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Status, p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (project_id, user_id, role) VALUES (?, ?, ?)`,
		p.ID, creatorID, domain.RoleOwner); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateBoard inserts a board into a project.
func (s *Store) CreateBoard(ctx context.Context, projectID, title string) (domain.Board, error) {
	b := domain.Board{ID: uuid.NewString(), ProjectID: projectID, Title: title, Status: domain.StatusActive}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (id, project_id, title, status) VALUES (?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Title, b.Status)
	if err != nil {
		return domain.Board{}, err
	}
	return b, nil
}

// CreateList appends a list to a board. WIP settings default to unlimited.
func (s *Store) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	var projectID string
	if err := s.db.QueryRowContext(ctx, `SELECT project_id FROM boards WHERE id = ?`, boardID).Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.List{}, domain.NotFoundError{Resource: "board"}
		}
		return domain.List{}, err
	}
	var pos int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM lists WHERE board_id = ?`, boardID).Scan(&pos); err != nil {
		return domain.List{}, err
	}
	l := domain.List{
		ID:        uuid.NewString(),
		BoardID:   boardID,
		ProjectID: projectID,
		Title:     title,
		Position:  pos + 1,
		Status:    domain.StatusActive,
		Version:   1,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lists (id, board_id, project_id, title, position, status, is_wip_limited, wip_limit, version)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, 1)`,
		l.ID, l.BoardID, l.ProjectID, l.Title, l.Position, l.Status)
	if err != nil {
		return domain.List{}, err
	}
	return l, nil
}

// AddMembership upserts a project membership.
func (s *Store) AddMembership(ctx context.Context, m domain.Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (project_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ProjectID, m.UserID, m.Role)
	return err
}

// GetMembership resolves the caller's role within a project. A missing
// membership is reported as project-not-found so non-members cannot probe for
// project existence.
func (s *Store) GetMembership(ctx context.Context, projectID, userID string) (domain.Membership, error) {
	m := domain.Membership{ProjectID: projectID, UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM memberships WHERE project_id = ? AND user_id = ?`,
		projectID, userID).Scan(&m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Membership{}, domain.NotFoundError{Resource: "project"}
	}
	if err != nil {
		return domain.Membership{}, err
	}
	return m, nil
}

// GetProject fetches one project.
func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return getProject(ctx, s.db, projectID)
}

// GetBoard fetches one board.
func (s *Store) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	return getBoard(ctx, s.db, boardID)
}

// GetList fetches one list.
func (s *Store) GetList(ctx context.Context, listID string) (domain.List, error) {
	return getList(ctx, s.db, listID)
}

// GetTask fetches one task with its assignee set.
func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return getTask(ctx, s.db, taskID)
}

// ListBoards returns a project's boards.
func (s *Store) ListBoards(ctx context.Context, projectID string) ([]domain.Board, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, status FROM boards WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	boards := []domain.Board{}
	for rows.Next() {
		var b domain.Board
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Title, &b.Status); err != nil {
			return nil, err
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

// ListLists returns lists in a project, optionally narrowed to one board,
// ordered by position.
func (s *Store) ListLists(ctx context.Context, projectID, boardID string) ([]domain.List, error) {
	query := `SELECT id, board_id, project_id, title, position, status, is_wip_limited, wip_limit, version
		FROM lists WHERE project_id = ?`
	args := []any{projectID}
	if boardID != "" {
		query += ` AND board_id = ?`
		args = append(args, boardID)
	}
	query += ` ORDER BY position, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lists := []domain.List{}
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// ListTasks returns tasks in a project (optionally one board) with assignee
// sets, ordered within each list by position.
func (s *Store) ListTasks(ctx context.Context, projectID, boardID string) ([]domain.Task, error) {
	query := `SELECT id, project_id, board_id, list_id, title, description, position, status, version, created_by, created_at, updated_at
		FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if boardID != "" {
		query += ` AND board_id = ?`
		args = append(args, boardID)
	}
	query += ` ORDER BY list_id, position, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range tasks {
		ids, err := taskAssignees(ctx, s.db, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].AssigneeIDs = ids
	}
	return tasks, nil
}

// ListMemberships returns all memberships of a project.
func (s *Store) ListMemberships(ctx context.Context, projectID string) ([]domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, user_id, role FROM memberships WHERE project_id = ? ORDER BY user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ms := []domain.Membership{}
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

// ListActivity returns the newest activity entries for a project.
func (s *Store) ListActivity(ctx context.Context, projectID string, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, actor_id, entity_type, entity_id, action, metadata, ts
		 FROM activity_log WHERE project_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []domain.ActivityEntry{}
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountActivity returns the number of activity rows for a project.
func (s *Store) CountActivity(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_log WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}
