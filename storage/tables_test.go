package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"prism-board/domain"
)

func TestTaskEntityWireFormat(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	task := domain.Task{
		ID:          "t1",
		UserID:      "acct-a",
		Title:       "Ship release",
		Priority:    domain.PriorityHigh,
		Category:    domain.CategoryBug,
		Column:      domain.ColumnInProgress,
		Attachments: []domain.Attachment{{Filename: "a.txt", URL: "http://x/uploads/a.txt", Size: 3}},
		Order:       2,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Second),
	}
	ent, err := toTaskEntity(task)
	if err != nil {
		t.Fatalf("to entity: %v", err)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Int64 properties must be strings tagged Edm.Int64 or the service
	// truncates them to 32 bits.
	for _, want := range []string{`"PartitionKey":"acct-a"`, `"CreatedAt@odata.type":"Edm.Int64"`, `"Order@odata.type":"Edm.Double"`} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("payload %s missing %s", payload, want)
		}
	}

	var back taskEntity
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := back.task()
	if err != nil {
		t.Fatalf("from entity: %v", err)
	}
	if got.ID != "t1" || got.UserID != "acct-a" || !got.CreatedAt.Equal(created) || len(got.Attachments) != 1 {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestEscapeODataString(t *testing.T) {
	if got := escapeODataString("o'brien@example.com"); got != "o''brien@example.com" {
		t.Fatalf("unexpected escape %q", got)
	}
}

func TestIndexKeyIsRowKeySafe(t *testing.T) {
	k := indexKey("a/b#c?d@example.com")
	if strings.ContainsAny(k, "/\\#?") {
		t.Fatalf("index key %q contains reserved characters", k)
	}
	if indexKey("a/b#c?d@example.com") != k {
		t.Fatal("index key not stable")
	}
}

func TestNextTimestampStrictlyIncreases(t *testing.T) {
	prev := nextTimestamp()
	for i := 0; i < 1000; i++ {
		next := nextTimestamp()
		if next <= prev {
			t.Fatalf("timestamp went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestNewTablesRejectsBadConnectionString(t *testing.T) {
	if _, err := NewTables("not a connection string", "Tasks", "Accounts"); err == nil {
		t.Fatal("expected error for malformed connection string")
	}
}
