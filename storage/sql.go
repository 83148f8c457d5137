package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"prism-board/domain"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

const taskColumns = "id, user_id, title, description, priority, category, column_name, attachments, sort_order, created_at, updated_at"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		last_login BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		category TEXT NOT NULL,
		column_name TEXT NOT NULL,
		attachments TEXT NOT NULL DEFAULT '[]',
		sort_order DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_user_column ON tasks (user_id, column_name)`,
}

// OpenSQLite opens (creating if needed) an embedded database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; readers are short.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to a Postgres database.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("database url required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot connect to db: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init applies the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cannot initialize db schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for the active dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t           domain.Task
		priority    string
		category    string
		column      string
		attachments string
		created     int64
		updated     int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &priority, &category, &column,
		&attachments, &t.Order, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	t.Category = domain.Category(category)
	t.Column = domain.Column(column)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.Attachments = []domain.Attachment{}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &t.Attachments); err != nil {
			return domain.Task{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return t, nil
}

func encodeAttachments(a []domain.Attachment) (string, error) {
	if a == nil {
		a = []domain.Attachment{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ListTasks returns the account's tasks sorted by column then order.
func (s *SQLStore) ListTasks(ctx context.Context, accountID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+taskColumns+" FROM tasks WHERE user_id = ?"), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

func (s *SQLStore) CreateTask(ctx context.Context, accountID string, fields domain.TaskFields) (domain.Task, error) {
	t, err := domain.NewTask(accountID, fields)
	if err != nil {
		return domain.Task{}, err
	}
	ts := nextTimestamp()
	t.ID = uuid.NewString()
	t.CreatedAt = fromNanos(ts)
	t.UpdatedAt = t.CreatedAt
	attachments, err := encodeAttachments(t.Attachments)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.db.ExecContext(ctx, s.rebind("INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		t.ID, t.UserID, t.Title, t.Description, string(t.Priority), string(t.Category), string(t.Column),
		attachments, t.Order, ts, ts)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, accountID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	query := "SELECT " + taskColumns + " FROM tasks WHERE id = ? AND user_id = ?"
	if s.dialect == dialectPostgres {
		query += " FOR UPDATE"
	}
	current, err := scanTask(tx.QueryRowContext(ctx, s.rebind(query), taskID, accountID))
	if err != nil {
		return domain.Task{}, err
	}
	next, err := current.Apply(patch)
	if err != nil {
		return domain.Task{}, err
	}
	ts := nextTimestamp()
	next.UpdatedAt = fromNanos(ts)
	attachments, err := encodeAttachments(next.Attachments)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET title = ?, description = ?, priority = ?, category = ?,
		column_name = ?, attachments = ?, sort_order = ?, updated_at = ? WHERE id = ? AND user_id = ?`),
		next.Title, next.Description, string(next.Priority), string(next.Category), string(next.Column),
		attachments, next.Order, ts, taskID, accountID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

func (s *SQLStore) MoveTask(ctx context.Context, accountID, taskID string, column domain.Column, order float64) (domain.Task, error) {
	if err := validateMove(column); err != nil {
		return domain.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, s.rebind("UPDATE tasks SET column_name = ?, sort_order = ?, updated_at = ? WHERE id = ? AND user_id = ? RETURNING "+taskColumns),
		string(column), order, nextTimestamp(), taskID, accountID)
	return scanTask(row)
}

func (s *SQLStore) DeleteTask(ctx context.Context, accountID, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("DELETE FROM tasks WHERE id = ? AND user_id = ? RETURNING "+taskColumns), taskID, accountID)
	return scanTask(row)
}

const accountColumns = "id, username, email, password_hash, created_at, last_login"

func scanAccount(row rowScanner) (domain.Account, error) {
	var (
		a         domain.Account
		created   int64
		lastLogin int64
	)
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &created, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	a.CreatedAt = fromNanos(created)
	a.LastLogin = fromNanos(lastLogin)
	return a, nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	acct.Email = domain.NormalizeEmail(acct.Email)
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO accounts ("+accountColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
		acct.ID, acct.Username, acct.Email, acct.PasswordHash, toNanos(acct.CreatedAt), toNanos(acct.LastLogin))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Account{}, domain.ErrAccountExists
		}
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *SQLStore) AccountByID(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, s.rebind("SELECT "+accountColumns+" FROM accounts WHERE id = ?"), id))
}

func (s *SQLStore) AccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, s.rebind("SELECT "+accountColumns+" FROM accounts WHERE email = ?"), domain.NormalizeEmail(email)))
}

func (s *SQLStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE accounts SET last_login = ? WHERE id = ?"), toNanos(at), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
