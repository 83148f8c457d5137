package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	edmInt64  = "Edm.Int64"
	edmDouble = "Edm.Double"

	// Account rows share the accounts table with the email and username
	// uniqueness rows, separated by partition.
	accountPartition  = "account"
	emailPartition    = "email"
	usernamePartition = "username"

	maxConflictRetries = 5
)

// Tables implements Store on Azure Table Storage. Tasks are partitioned by
// account id and keyed by task id.
type Tables struct {
	svc      *aztables.ServiceClient
	tasks    *aztables.Client
	accounts *aztables.Client
	names    [2]string
}

// NewTables creates the table clients from a storage connection string.
func NewTables(connStr, tasksTable, accountsTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		svc:      svc,
		tasks:    svc.NewClient(tasksTable),
		accounts: svc.NewClient(accountsTable),
		names:    [2]string{tasksTable, accountsTable},
	}, nil
}

// Init creates both tables, ignoring ones that already exist.
func (s *Tables) Init(ctx context.Context) error {
	for _, name := range s.names {
		if _, err := s.svc.CreateTable(ctx, name, nil); err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
				log.WithField("table", name).Debug("table already exists")
				continue
			}
			return fmt.Errorf("create table %s: %w", name, err)
		}
		log.WithField("table", name).Info("created table")
	}
	return nil
}

func (s *Tables) Close() error { return nil }

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Title         string  `json:"Title"`
	Description   string  `json:"Description"`
	Priority      string  `json:"Priority"`
	Category      string  `json:"Category"`
	Column        string  `json:"Column"`
	Attachments   string  `json:"Attachments"`
	Order         float64 `json:"Order"`
	OrderType     string  `json:"Order@odata.type"`
	CreatedAt     int64   `json:"CreatedAt,string"`
	CreatedAtType string  `json:"CreatedAt@odata.type"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

func toTaskEntity(t domain.Task) (taskEntity, error) {
	attachments, err := encodeAttachments(t.Attachments)
	if err != nil {
		return taskEntity{}, err
	}
	return taskEntity{
		entityKeys:    entityKeys{PartitionKey: t.UserID, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Priority:      string(t.Priority),
		Category:      string(t.Category),
		Column:        string(t.Column),
		Attachments:   attachments,
		Order:         t.Order,
		OrderType:     edmDouble,
		CreatedAt:     toNanos(t.CreatedAt),
		CreatedAtType: edmInt64,
		UpdatedAt:     toNanos(t.UpdatedAt),
		UpdatedAtType: edmInt64,
	}, nil
}

func (e taskEntity) task() (domain.Task, error) {
	t := domain.Task{
		ID:          e.RowKey,
		UserID:      e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Priority:    domain.Priority(e.Priority),
		Category:    domain.Category(e.Category),
		Column:      domain.Column(e.Column),
		Order:       e.Order,
		CreatedAt:   fromNanos(e.CreatedAt),
		UpdatedAt:   fromNanos(e.UpdatedAt),
		Attachments: []domain.Attachment{},
	}
	if e.Attachments != "" {
		if err := json.Unmarshal([]byte(e.Attachments), &t.Attachments); err != nil {
			return domain.Task{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return t, nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func (s *Tables) ListTasks(ctx context.Context, accountID string) ([]domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(accountID))
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t, err := ent.task()
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

func (s *Tables) CreateTask(ctx context.Context, accountID string, fields domain.TaskFields) (domain.Task, error) {
	t, err := domain.NewTask(accountID, fields)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = uuid.NewString()
	t.CreatedAt = fromNanos(nextTimestamp())
	t.UpdatedAt = t.CreatedAt
	ent, err := toTaskEntity(t)
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// getTask returns the task with its current etag.
func (s *Tables) getTask(ctx context.Context, accountID, taskID string) (domain.Task, azcore.ETag, error) {
	resp, err := s.tasks.GetEntity(ctx, accountID, taskID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Task{}, "", domain.ErrNotFound
		}
		return domain.Task{}, "", err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, "", err
	}
	t, err := ent.task()
	return t, resp.ETag, err
}

// replaceTask reads the task, applies fn, and writes it back guarded by the
// etag. A concurrent writer makes it re-read and try again.
func (s *Tables) replaceTask(ctx context.Context, accountID, taskID string, fn func(domain.Task) (domain.Task, error)) (domain.Task, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		current, etag, err := s.getTask(ctx, accountID, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		next, err := fn(current)
		if err != nil {
			return domain.Task{}, err
		}
		next.UpdatedAt = fromNanos(nextTimestamp())
		ent, err := toTaskEntity(next)
		if err != nil {
			return domain.Task{}, err
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			return next, nil
		case isStatus(err, 412):
			log.WithFields(log.Fields{"task": taskID, "attempt": attempt + 1}).Debug("task changed concurrently, retrying")
			continue
		case isStatus(err, 404):
			return domain.Task{}, domain.ErrNotFound
		default:
			return domain.Task{}, err
		}
	}
	return domain.Task{}, domain.ErrConcurrencyConflict
}

func (s *Tables) UpdateTask(ctx context.Context, accountID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	return s.replaceTask(ctx, accountID, taskID, func(t domain.Task) (domain.Task, error) {
		return t.Apply(patch)
	})
}

func (s *Tables) MoveTask(ctx context.Context, accountID, taskID string, column domain.Column, order float64) (domain.Task, error) {
	if err := validateMove(column); err != nil {
		return domain.Task{}, err
	}
	return s.replaceTask(ctx, accountID, taskID, func(t domain.Task) (domain.Task, error) {
		t.Column = column
		t.Order = order
		return t, nil
	})
}

func (s *Tables) DeleteTask(ctx context.Context, accountID, taskID string) (domain.Task, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		current, etag, err := s.getTask(ctx, accountID, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.tasks.DeleteEntity(ctx, accountID, taskID, &aztables.DeleteEntityOptions{IfMatch: &etag})
		switch {
		case err == nil:
			return current, nil
		case isStatus(err, 412):
			continue
		case isStatus(err, 404):
			return domain.Task{}, domain.ErrNotFound
		default:
			return domain.Task{}, err
		}
	}
	return domain.Task{}, domain.ErrConcurrencyConflict
}

type accountEntity struct {
	entityKeys
	Username      string `json:"Username"`
	Email         string `json:"Email"`
	PasswordHash  string `json:"PasswordHash"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	LastLogin     int64  `json:"LastLogin,string"`
	LastLoginType string `json:"LastLogin@odata.type"`
}

// indexEntity claims a unique email or username for an account.
type indexEntity struct {
	entityKeys
	AccountID string `json:"AccountId"`
}

func (e accountEntity) account() domain.Account {
	return domain.Account{
		ID:           e.RowKey,
		Username:     e.Username,
		Email:        e.Email,
		PasswordHash: e.PasswordHash,
		CreatedAt:    fromNanos(e.CreatedAt),
		LastLogin:    fromNanos(e.LastLogin),
	}
}

// indexKey makes an arbitrary string safe for use as a row key.
func indexKey(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}

func (s *Tables) claim(ctx context.Context, partition, value, accountID string) error {
	payload, err := json.Marshal(indexEntity{
		entityKeys: entityKeys{PartitionKey: partition, RowKey: indexKey(value)},
		AccountID:  accountID,
	})
	if err != nil {
		return err
	}
	if _, err := s.accounts.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, 409) {
			return domain.ErrAccountExists
		}
		return err
	}
	return nil
}

func (s *Tables) release(ctx context.Context, partition, value string) {
	if _, err := s.accounts.DeleteEntity(ctx, partition, indexKey(value), nil); err != nil {
		log.WithError(err).WithField("partition", partition).Warn("failed to release account index row")
	}
}

func (s *Tables) CreateAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	acct.Email = domain.NormalizeEmail(acct.Email)
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	if err := s.claim(ctx, emailPartition, acct.Email, acct.ID); err != nil {
		return domain.Account{}, err
	}
	if err := s.claim(ctx, usernamePartition, acct.Username, acct.ID); err != nil {
		s.release(ctx, emailPartition, acct.Email)
		return domain.Account{}, err
	}
	payload, err := json.Marshal(accountEntity{
		entityKeys:    entityKeys{PartitionKey: accountPartition, RowKey: acct.ID},
		Username:      acct.Username,
		Email:         acct.Email,
		PasswordHash:  acct.PasswordHash,
		CreatedAt:     toNanos(acct.CreatedAt),
		CreatedAtType: edmInt64,
		LastLogin:     toNanos(acct.LastLogin),
		LastLoginType: edmInt64,
	})
	if err == nil {
		_, err = s.accounts.AddEntity(ctx, payload, nil)
	}
	if err != nil {
		s.release(ctx, emailPartition, acct.Email)
		s.release(ctx, usernamePartition, acct.Username)
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Tables) AccountByID(ctx context.Context, id string) (domain.Account, error) {
	resp, err := s.accounts.GetEntity(ctx, accountPartition, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	var ent accountEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Account{}, err
	}
	return ent.account(), nil
}

func (s *Tables) AccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	resp, err := s.accounts.GetEntity(ctx, emailPartition, indexKey(domain.NormalizeEmail(email)), nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	var idx indexEntity
	if err := json.Unmarshal(resp.Value, &idx); err != nil {
		return domain.Account{}, err
	}
	return s.AccountByID(ctx, idx.AccountID)
}

func (s *Tables) TouchLogin(ctx context.Context, id string, at time.Time) error {
	ts := toNanos(at)
	t := edmInt64
	payload, err := json.Marshal(struct {
		entityKeys
		LastLogin     *int64  `json:"LastLogin,omitempty,string"`
		LastLoginType *string `json:"LastLogin@odata.type,omitempty"`
	}{entityKeys{PartitionKey: accountPartition, RowKey: id}, &ts, &t})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.accounts.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isStatus(err, 404) {
		return domain.ErrAccountNotFound
	}
	return err
}

// escapeODataString doubles single quotes inside a filter literal.
func escapeODataString(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, v[i])
	}
	return string(out)
}
