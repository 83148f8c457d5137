package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []domain.Change
	block    chan struct{}
	closed   bool
}

func (p *fakePublisher) Publish(_ context.Context, changes []domain.Change) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, changes...)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) published() []domain.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Change(nil), p.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func change(id string) domain.Change {
	return domain.Change{ID: id, AccountID: "acct", Event: domain.EventTaskDeleted, Deleted: &domain.DeletedPayload{ID: id}}
}

func TestDispatcherPublishesSubmittedChanges(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &fakePublisher{}
	d := NewDispatcher(pub, Config{Workers: 2, FlushInterval: 5 * time.Millisecond}, logger)

	for _, id := range []string{"a", "b", "c"} {
		d.Submit(change(id))
	}
	waitFor(t, func() bool { return len(pub.published()) == 3 })

	if err := d.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !pub.closed {
		t.Fatalf("publisher not closed")
	}
	if s := d.Stats(); s.Published != 3 || s.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestDispatcherRetriesFailedBatch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &fakePublisher{failures: 2}
	d := NewDispatcher(pub, Config{Workers: 1, FlushInterval: time.Millisecond, RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond}, logger)
	defer d.Shutdown()

	d.Submit(change("retry"))
	waitFor(t, func() bool { return len(pub.published()) == 1 })
	if got := pub.published()[0].ID; got != "retry" {
		t.Fatalf("unexpected change %s", got)
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &fakePublisher{failures: 100}
	d := NewDispatcher(pub, Config{Workers: 1, FlushInterval: time.Millisecond, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, MaxAttempts: 3}, logger)
	defer d.Shutdown()

	d.Submit(change("doomed"))
	waitFor(t, func() bool { return d.Stats().Failed == 1 })
	if hook.LastEntry() == nil {
		t.Fatalf("expected give-up to be logged")
	}
}

func TestSubmitDropsWhenSaturated(t *testing.T) {
	logger, _ := test.NewNullLogger()
	pub := &fakePublisher{block: make(chan struct{})}
	d := NewDispatcher(pub, Config{Workers: 1, Buffer: 1, BatchSize: 1, FlushInterval: time.Millisecond}, logger)

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Submit(change("x"))
	}
	if time.Since(start) > time.Second {
		t.Fatalf("submit blocked on a saturated journal")
	}
	if d.Stats().Dropped == 0 {
		t.Fatalf("expected drops when saturated")
	}
	close(pub.block)
	_ = d.Shutdown()
}

func TestSubmitAfterShutdownIsDropped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(&fakePublisher{}, Config{}, logger)
	_ = d.Shutdown()
	d.Submit(change("late"))
	if d.Stats().Dropped != 1 {
		t.Fatalf("expected late change to be dropped")
	}
}

func TestExponentialBackoffIsCapped(t *testing.T) {
	for attempt := 1; attempt < 20; attempt++ {
		if got := exponentialBackoff(attempt, 100*time.Millisecond, time.Second); got > 1200*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v exceeds cap", attempt, got)
		}
	}
}

func TestKafkaMessagesKeyedByAccount(t *testing.T) {
	msgs, err := kafkaMessages([]domain.Change{change("k1")})
	if err != nil {
		t.Fatalf("build messages: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Key) != "acct" || string(msgs[0].Headers[0].Value) != domain.EventTaskDeleted {
		t.Fatalf("unexpected message %+v", msgs)
	}
}
