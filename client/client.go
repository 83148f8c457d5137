package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// ErrNotConnected is returned by intents sent while no connection is open.
var ErrNotConnected = errors.New("not connected")

// Options configures a Client.
type Options struct {
	// URL is the sync channel endpoint, e.g. ws://localhost:5000/ws.
	URL   string
	Token string
	// MaxReconnects bounds consecutive failed attempts; zero means 5 and a
	// negative value retries forever.
	MaxReconnects  int
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Logger         *log.Logger
}

// Client keeps a Cache in sync with the server and sends intents. Intents are
// fire-and-forget: their outcome arrives as a broadcast or an error frame.
type Client struct {
	opts  Options
	cache *Cache
	log   *log.Logger

	mu sync.Mutex
	ws *websocket.Conn

	syncOnce sync.Once
	synced   chan struct{}
}

func New(opts Options) *Client {
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Client{opts: opts, cache: NewCache(), log: opts.Logger, synced: make(chan struct{})}
}

func (c *Client) Cache() *Cache { return c.cache }

// Synced is closed once the first snapshot has been applied.
func (c *Client) Synced() <-chan struct{} { return c.synced }

// Run connects and applies frames until ctx is done, reconnecting after a
// dropped connection. It gives up after MaxReconnects consecutive failed
// attempts or when the server rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domain.IsAuth(err) {
			return err
		}
		if connected {
			failures = 0
		}
		failures++
		if c.opts.MaxReconnects >= 0 && failures > c.opts.MaxReconnects {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", failures-1, err)
		}
		c.log.WithError(err).WithField("attempt", failures).Warn("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// session runs one connection. connected reports whether the server accepted
// it before it ended.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPClient: c.opts.HTTPClient, HTTPHeader: header})
	if err != nil {
		return false, err
	}
	ws.SetReadLimit(8 << 20)
	defer ws.CloseNow()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return connected, domain.NewAuthError(domain.AuthInvalid, c.cache.LastError(), err)
			}
			return connected, err
		}
		var f domain.Frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			c.log.WithError(err).Warn("malformed frame")
			continue
		}
		if err := c.cache.Apply(f); err != nil {
			c.log.WithError(err).WithField("event", f.Event).Warn("cannot apply frame")
			continue
		}
		if f.Event == domain.EventSyncTasks {
			connected = true
			c.syncOnce.Do(func() { close(c.synced) })
		}
	}
}

// Close ends the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) send(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	f, err := domain.NewFrame(event, data)
	if err != nil {
		return err
	}
	f.RequestID = uuid.NewString()
	payload, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, payload)
}

func (c *Client) Create(ctx context.Context, fields domain.TaskFields) error {
	return c.send(ctx, domain.EventTaskCreate, fields)
}

func (c *Client) Update(ctx context.Context, id string, patch domain.TaskPatch) error {
	return c.send(ctx, domain.EventTaskUpdate, domain.UpdateIntent{ID: id, TaskPatch: patch})
}

// Move applies the column change locally, then asks the server to commit it.
func (c *Client) Move(ctx context.Context, id string, to domain.Column, toIndex int) error {
	intent := domain.MoveIntent{TaskID: id, DestinationColumn: to, DestinationIndex: toIndex}
	if t, ok := c.cache.Task(id); ok {
		intent.SourceColumn = t.Column
	}
	c.cache.MoveOptimistic(id, to)
	return c.send(ctx, domain.EventTaskMove, intent)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.send(ctx, domain.EventTaskDelete, domain.DeleteIntent{TaskID: id})
}
