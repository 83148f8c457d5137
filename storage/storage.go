// Package storage persists tasks and accounts. Every task operation is scoped
// by the owning account id and is atomic per task row.
package storage

import (
	"context"
	"fmt"
	"time"

	"prism-board/domain"
)

// TaskStore is the account scoped task collection.
type TaskStore interface {
	ListTasks(ctx context.Context, accountID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, accountID string, fields domain.TaskFields) (domain.Task, error)
	UpdateTask(ctx context.Context, accountID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, accountID, taskID string, column domain.Column, order float64) (domain.Task, error)
	DeleteTask(ctx context.Context, accountID, taskID string) (domain.Task, error)
}

// AccountStore holds registered accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error)
	AccountByID(ctx context.Context, id string) (domain.Account, error)
	AccountByEmail(ctx context.Context, email string) (domain.Account, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

// Store is a complete backend.
type Store interface {
	TaskStore
	AccountStore
	// Init creates tables, indexes or queues the backend needs. It is safe to
	// call repeatedly.
	Init(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver           string
	SQLitePath       string
	DatabaseURL      string
	ConnectionString string
	TasksTable       string
	AccountsTable    string
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "postgres":
		return OpenPostgres(ctx, opts.DatabaseURL)
	case "tables":
		return NewTables(opts.ConnectionString, opts.TasksTable, opts.AccountsTable)
	}
	return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
}

func validateMove(column domain.Column) error {
	if !column.Valid() {
		return &domain.ValidationError{Field: "destinationColumn", Message: "Invalid column: " + string(column)}
	}
	return nil
}
