package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"prism-board/domain"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestCreateTaskAppliesDefaults(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acct-1", domain.TaskFields{Title: strPtr("Write docs")})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected generated id")
	}
	if task.Column != domain.ColumnTodo || task.Priority != domain.PriorityMedium || task.Category != domain.CategoryFeature {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if !task.CreatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("expected createdAt == updatedAt on create")
	}

	tasks, err := s.ListTasks(ctx, "acct-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID || tasks[0].Title != "Write docs" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if tasks[0].Attachments == nil {
		t.Fatalf("expected empty attachments slice")
	}
}

func TestCreateTaskRejectsMissingTitle(t *testing.T) {
	s := newSQLiteStore(t)
	if _, err := s.CreateTask(context.Background(), "acct-1", domain.TaskFields{}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTasksAreScopedByAccount(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "owner", domain.TaskFields{Title: strPtr("Private")})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	others, err := s.ListTasks(ctx, "intruder")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("expected no tasks for other account, got %d", len(others))
	}
	if _, err := s.UpdateTask(ctx, "intruder", task.ID, domain.TaskPatch{Title: strPtr("mine")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on foreign update, got %v", err)
	}
	if _, err := s.MoveTask(ctx, "intruder", task.ID, domain.ColumnDone, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on foreign move, got %v", err)
	}
	if _, err := s.DeleteTask(ctx, "intruder", task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on foreign delete, got %v", err)
	}

	tasks, _ := s.ListTasks(ctx, "owner")
	if len(tasks) != 1 || tasks[0].Title != "Private" || tasks[0].Column != domain.ColumnTodo {
		t.Fatalf("owner task changed: %+v", tasks)
	}
}

func TestUpdateTaskMergesFields(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "acct", domain.TaskFields{Title: strPtr("Title"), Description: strPtr("keep me")})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	time.Sleep(time.Millisecond)
	high := domain.PriorityHigh
	attachments := []domain.Attachment{{Filename: "f.png", OriginalName: "shot.png", URL: "http://x/uploads/f.png", MimeType: "image/png", Size: 12}}
	updated, err := s.UpdateTask(ctx, "acct", task.ID, domain.TaskPatch{Priority: &high, Attachments: &attachments})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Description != "keep me" || updated.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected merge: %+v", updated)
	}
	if !updated.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("expected updatedAt to advance")
	}
	if !updated.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("createdAt changed")
	}

	tasks, _ := s.ListTasks(ctx, "acct")
	if len(tasks[0].Attachments) != 1 || tasks[0].Attachments[0].OriginalName != "shot.png" {
		t.Fatalf("attachments not persisted: %+v", tasks[0].Attachments)
	}

	if _, err := s.UpdateTask(ctx, "acct", task.ID, domain.TaskPatch{Title: strPtr("  ")}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMoveTaskChangesColumnAndOrder(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	first, _ := s.CreateTask(ctx, "acct", domain.TaskFields{Title: strPtr("first")})
	second, _ := s.CreateTask(ctx, "acct", domain.TaskFields{Title: strPtr("second")})

	moved, err := s.MoveTask(ctx, "acct", second.ID, domain.ColumnInProgress, 0)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if moved.Column != domain.ColumnInProgress || moved.Title != "second" {
		t.Fatalf("unexpected moved task: %+v", moved)
	}

	tasks, _ := s.ListTasks(ctx, "acct")
	if len(tasks) != 2 || tasks[0].ID != first.ID || tasks[1].ID != second.ID {
		t.Fatalf("unexpected ordering: %+v", tasks)
	}

	if _, err := s.MoveTask(ctx, "acct", first.ID, domain.Column("archive"), 0); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for bad column, got %v", err)
	}
}

func TestDeleteTaskTwice(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "acct", domain.TaskFields{Title: strPtr("gone")})
	deleted, err := s.DeleteTask(ctx, "acct", task.ID)
	if err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if deleted.ID != task.ID {
		t.Fatalf("unexpected deleted task %+v", deleted)
	}
	if _, err := s.DeleteTask(ctx, "acct", task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestAccountsUniqueByEmailAndUsername(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, domain.Account{Username: "alice", Email: "Alice@Example.com", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if acct.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %s", acct.Email)
	}
	if _, err := s.CreateAccount(ctx, domain.Account{Username: "other", Email: "alice@example.com", PasswordHash: "h"}); !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected duplicate email to fail, got %v", err)
	}
	if _, err := s.CreateAccount(ctx, domain.Account{Username: "alice", Email: "new@example.com", PasswordHash: "h"}); !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected duplicate username to fail, got %v", err)
	}

	byEmail, err := s.AccountByEmail(ctx, " ALICE@example.com ")
	if err != nil || byEmail.ID != acct.ID || byEmail.PasswordHash != "hash" {
		t.Fatalf("lookup by email: %+v %v", byEmail, err)
	}
	now := time.Now().UTC()
	if err := s.TouchLogin(ctx, acct.ID, now); err != nil {
		t.Fatalf("touch login: %v", err)
	}
	byID, err := s.AccountByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if !byID.LastLogin.Equal(now) {
		t.Fatalf("expected last login %v, got %v", now, byID.LastLogin)
	}
	if _, err := s.AccountByID(ctx, "missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: dialectPostgres}
	got := s.rebind("UPDATE t SET a = ? WHERE id = ? AND user_id = ?")
	if got != "UPDATE t SET a = $1 WHERE id = $2 AND user_id = $3" {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := &SQLStore{dialect: dialectSQLite}
	if lite.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite query should be unchanged")
	}
}
