package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

type staticSnapshots struct {
	tasks []domain.Task
	reads int
}

func (s *staticSnapshots) ListTasks(context.Context, string) ([]domain.Task, error) {
	s.reads++
	return s.tasks, nil
}

func testConn(accountID string, buffer int) *conn {
	logger, _ := test.NewNullLogger()
	c := newConn(accountID+"-conn", nil, buffer, 0, logger)
	c.accountID = accountID
	return c
}

func TestLeaveIsIdempotent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHub(&staticSnapshots{}, logger)
	c := testConn("acct", 4)

	if err := h.join(context.Background(), c); err != nil {
		t.Fatalf("join: %v", err)
	}
	if h.ConnectedClients() != 1 {
		t.Fatalf("expected 1 client")
	}
	h.leave(c)
	h.leave(c)
	if h.ConnectedClients() != 0 {
		t.Fatalf("expected 0 clients, got %d", h.ConnectedClients())
	}
	if _, ok := h.rooms["acct"]; ok {
		t.Fatalf("empty room should be dropped")
	}
}

func TestDeliverQueuesEventThenSnapshot(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &staticSnapshots{tasks: []domain.Task{{ID: "t1", Title: "one", Attachments: []domain.Attachment{}}}}
	h := NewHub(store, logger)
	member := testConn("acct", 8)
	other := testConn("other", 8)
	_ = h.join(context.Background(), member)
	_ = h.join(context.Background(), other)
	<-member.send
	<-other.send

	task := store.tasks[0]
	h.Deliver(context.Background(), domain.Change{AccountID: "acct", Event: domain.EventTaskCreated, Task: &task})

	if len(member.send) != 2 {
		t.Fatalf("expected 2 queued frames, got %d", len(member.send))
	}
	first, second := string(<-member.send), string(<-member.send)
	if !containsEvent(first, domain.EventTaskCreated) || !containsEvent(second, domain.EventSyncTasks) {
		t.Fatalf("unexpected frame order: %s / %s", first, second)
	}
	if len(other.send) != 0 {
		t.Fatalf("other account received %d frames", len(other.send))
	}
}

func TestDeliverSkipsSnapshotForEmptyRoom(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store := &staticSnapshots{}
	h := NewHub(store, logger)
	h.Deliver(context.Background(), domain.Change{AccountID: "nobody", Event: domain.EventTaskDeleted, Deleted: &domain.DeletedPayload{ID: "x"}})
	if store.reads != 0 {
		t.Fatalf("snapshot read for empty room")
	}
}

func TestFullBufferClosesOnlySlowMember(t *testing.T) {
	logger, _ := test.NewNullLogger()
	task := domain.Task{ID: "t1", Title: "one", Attachments: []domain.Attachment{}}
	h := NewHub(&staticSnapshots{tasks: []domain.Task{task}}, logger)
	slow := testConn("acct", 1)
	fast := testConn("acct", 8)
	_ = h.join(context.Background(), slow)
	_ = h.join(context.Background(), fast)

	h.Deliver(context.Background(), domain.Change{AccountID: "acct", Event: domain.EventTaskUpdated, Task: &task})

	if slow.State() != StateClosed {
		t.Fatalf("expected slow connection to be closed, got %s", slow.State())
	}
	if fast.State() == StateClosed {
		t.Fatalf("fast connection should stay open")
	}
	if len(fast.send) != 3 {
		t.Fatalf("expected snapshot, event and snapshot for fast member, got %d", len(fast.send))
	}
}

func containsEvent(frame, event string) bool {
	return strings.Contains(frame, `"event":"`+event+`"`)
}
