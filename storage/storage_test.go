package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"taskboard-api/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBoard(t *testing.T, s *Store) (domain.Project, domain.Board, domain.List) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "Demo", "owner-1")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	b, err := s.CreateBoard(ctx, p.ID, "Main")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	l, err := s.CreateList(ctx, b.ID, "Todo")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	return p, b, l
}

func insertTask(t *testing.T, s *Store, p domain.Project, b domain.Board, l domain.List, title, position string) domain.Task {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	task := domain.Task{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		BoardID:   b.ID,
		ListID:    l.ID,
		Title:     title,
		Position:  position,
		Status:    domain.StatusActive,
		Version:   1,
		CreatedBy: "owner-1",
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return task
}

func TestMembershipLookup(t *testing.T) {
	s := testStore(t)
	p, _, _ := seedBoard(t, s)
	ctx := context.Background()

	m, err := s.GetMembership(ctx, p.ID, "owner-1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if m.Role != domain.RoleOwner {
		t.Fatalf("expected owner role, got %s", m.Role)
	}

	_, err = s.GetMembership(ctx, p.ID, "stranger")
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCountActiveTasksExcludesArchived(t *testing.T) {
	s := testStore(t)
	p, b, l := seedBoard(t, s)
	ctx := context.Background()

	t1 := insertTask(t, s, p, b, l, "T1", "i")
	insertTask(t, s, p, b, l, "T2", "r")

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if n, err := tx.CountActiveTasks(ctx, l.ID); err != nil || n != 2 {
		t.Fatalf("expected 2 active tasks, got %d (%v)", n, err)
	}
	if err := tx.SetTaskStatus(ctx, t1.ID, domain.StatusArchived, 1); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// The in-transaction count must observe the archive immediately.
	if n, err := tx.CountActiveTasks(ctx, l.ID); err != nil || n != 1 {
		t.Fatalf("expected 1 active task inside tx, got %d (%v)", n, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSetTaskStatusVersionConflict(t *testing.T) {
	s := testStore(t)
	p, b, l := seedBoard(t, s)
	ctx := context.Background()
	task := insertTask(t, s, p, b, l, "T1", "i")

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.SetTaskStatus(ctx, task.ID, domain.StatusArchived, 99)
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	latest, ok := conflict.Latest.(domain.Task)
	if !ok || latest.Version != 1 {
		t.Fatalf("conflict should carry latest row, got %#v", conflict.Latest)
	}
	_ = tx.Rollback()
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := testStore(t)
	p, b, l := seedBoard(t, s)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	task := domain.Task{
		ID: uuid.NewString(), ProjectID: p.ID, BoardID: b.ID, ListID: l.ID,
		Title: "Ghost", Position: "i", Status: domain.StatusActive, Version: 1,
		CreatedBy: "owner-1", CreatedAt: now(), UpdatedAt: now(),
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.AppendActivity(ctx, domain.ActivityEntry{
		ID: uuid.NewString(), ProjectID: p.ID, ActorID: "owner-1",
		EntityType: "task", EntityID: task.ID, Action: "create", Timestamp: now(),
	}); err != nil {
		t.Fatalf("append activity: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := s.GetTask(ctx, task.ID); err == nil {
		t.Fatal("rolled-back task still visible")
	}
	if n, _ := s.CountActivity(ctx, p.ID); n != 0 {
		t.Fatalf("rolled-back activity still visible: %d rows", n)
	}
}

func TestArchiveTasksInListCascade(t *testing.T) {
	s := testStore(t)
	p, b, l := seedBoard(t, s)
	ctx := context.Background()
	insertTask(t, s, p, b, l, "T1", "i")
	insertTask(t, s, p, b, l, "T2", "r")

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.SetListStatus(ctx, l.ID, domain.StatusArchived); err != nil {
		t.Fatalf("archive list: %v", err)
	}
	n, err := tx.ArchiveTasksInList(ctx, l.ID)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 archived tasks, got %d (%v)", n, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	list, err := s.GetList(ctx, l.ID)
	if err != nil || list.Status != domain.StatusArchived {
		t.Fatalf("list not archived: %+v (%v)", list, err)
	}
	tasks, err := s.ListTasks(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != domain.StatusArchived {
			t.Fatalf("task %s not archived", task.ID)
		}
	}
}

func TestListTaskOrderFollowsPositions(t *testing.T) {
	s := testStore(t)
	p, b, l := seedBoard(t, s)
	ctx := context.Background()
	insertTask(t, s, p, b, l, "B", "r")
	insertTask(t, s, p, b, l, "A", "i")

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	order, err := tx.ListTaskOrder(ctx, l.ID)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if len(order) != 2 || order[0].Position != "i" || order[1].Position != "r" {
		t.Fatalf("unexpected order: %+v", order)
	}
	last, err := tx.LastTaskPosition(ctx, l.ID)
	if err != nil || last != "r" {
		t.Fatalf("last position = %q (%v)", last, err)
	}
}

func TestUpdateListWip(t *testing.T) {
	s := testStore(t)
	_, _, l := seedBoard(t, s)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	updated, err := tx.UpdateListWip(ctx, l.ID, true, 3)
	if err != nil {
		t.Fatalf("update wip: %v", err)
	}
	if !updated.IsWipLimited || updated.WipLimit != 3 || updated.Version != 2 {
		t.Fatalf("unexpected list after update: %+v", updated)
	}
	limited, limit, err := tx.ListWipSettings(ctx, l.ID)
	if err != nil || !limited || limit != 3 {
		t.Fatalf("wip settings = %v/%d (%v)", limited, limit, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
