package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
	"prism-board/storage"
	"prism-board/stream"
)

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if acct, ok := v[token]; ok {
		return acct, nil
	}
	return "", domain.NewAuthError(domain.AuthInvalid, "Invalid token", nil)
}

func startServer(t *testing.T) (string, *storage.SQLStore) {
	t.Helper()
	return startServerWith(t, stream.Options{})
}

func startServerWith(t *testing.T, opts stream.Options) (string, *storage.SQLStore) {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	opts.Logger, _ = test.NewNullLogger()
	srv := stream.NewServer(store, tokenVerifier{"token-a": "acct-a"}, opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http"), store
}

func runClient(t *testing.T, url, token string) (*Client, chan error) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := New(Options{URL: url, Token: token, MaxReconnects: 1, ReconnectDelay: 10 * time.Millisecond, Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, done
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSynced(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive a snapshot")
	}
}

func TestClientsConvergeOnCreate(t *testing.T) {
	url, _ := startServer(t)
	a, _ := runClient(t, url, "token-a")
	b, _ := runClient(t, url, "token-a")
	waitSynced(t, a)
	waitSynced(t, b)

	title := "Ship release"
	if err := a.Create(context.Background(), domain.TaskFields{Title: &title}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, c := range []*Client{a, b} {
		waitUntil(t, "task to appear", func() bool { return c.Cache().Counts().Todo == 1 })
	}
	got := b.Cache().Tasks()[0]
	if got.Title != "Ship release" || got.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestRejectedMoveIsRolledBackBySnapshot(t *testing.T) {
	url, store := startServer(t)
	title := "stay"
	seeded, err := store.CreateTask(context.Background(), "acct-a", domain.TaskFields{Title: &title})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, _ := runClient(t, url, "token-a")
	waitSynced(t, c)

	// An invalid column is rejected by the server after the optimistic move.
	if err := c.Move(context.Background(), seeded.ID, domain.Column("archive"), 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	waitUntil(t, "error frame", func() bool { return c.Cache().LastError() != "" })
	if got, _ := c.Cache().Task(seeded.ID); got.Column != domain.Column("archive") {
		t.Fatalf("expected optimistic state to remain until next snapshot, got %s", got.Column)
	}

	// Any later change brings a snapshot that restores the authoritative column.
	other := "other"
	if err := c.Create(context.Background(), domain.TaskFields{Title: &other}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitUntil(t, "snapshot to restore the column", func() bool {
		got, _ := c.Cache().Task(seeded.ID)
		return c.Cache().Counts().Total == 2 && got.Column == domain.ColumnTodo
	})
}

func TestClientStopsOnRejectedToken(t *testing.T) {
	url, _ := startServer(t)
	logger, _ := test.NewNullLogger()
	c := New(Options{URL: url, Token: "forged", ReconnectDelay: 10 * time.Millisecond, Logger: logger})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if !domain.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if c.Cache().LastError() != "Invalid token" {
		t.Fatalf("unexpected last error %q", c.Cache().LastError())
	}
}

func TestClientWithoutTokenStopsAtHandshakeTimeout(t *testing.T) {
	url, _ := startServerWith(t, stream.Options{HandshakeTimeout: 100 * time.Millisecond})
	logger, _ := test.NewNullLogger()
	c := New(Options{URL: url, MaxReconnects: 5, ReconnectDelay: 10 * time.Millisecond, Logger: logger})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); !domain.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if c.Cache().LastError() != "Authentication required" {
		t.Fatalf("unexpected last error %q", c.Cache().LastError())
	}
}

func TestClientGivesUpAfterReconnects(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := New(Options{URL: "ws://127.0.0.1:1/ws", MaxReconnects: 2, ReconnectDelay: time.Millisecond, Logger: logger})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected give-up error, got %v", err)
	}
	if !strings.Contains(err.Error(), "2 reconnect attempts") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	if err := c.Delete(context.Background(), "t1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
