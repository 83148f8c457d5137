// Package stream is the sync channel server: it authenticates WebSocket
// connections, groups them into per-account rooms, applies task intents to the
// store and broadcasts every committed change to the room.
package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// TaskStore is the subset of the task store the server mutates.
type TaskStore interface {
	Snapshotter
	CreateTask(ctx context.Context, accountID string, fields domain.TaskFields) (domain.Task, error)
	UpdateTask(ctx context.Context, accountID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, accountID, taskID string, column domain.Column, order float64) (domain.Task, error)
	DeleteTask(ctx context.Context, accountID, taskID string) (domain.Task, error)
}

// Verifier resolves a bearer token to an account id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Journal receives every committed change. Submit must not block.
type Journal interface {
	Submit(change domain.Change)
}

// Options tunes the server. Zero values take defaults.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	StoreTimeout     time.Duration
	SendBuffer       int
	ReadLimit        int64
	OriginPatterns   []string

	Logger  *log.Logger
	Deduper Deduper
	Limiter Limiter
	Journal Journal
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 15 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
}

// Server accepts sync channel connections.
type Server struct {
	store  TaskStore
	auth   Verifier
	hub    *Hub
	fanout Fanout
	opts   Options
	log    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server delivering changes through a LocalFanout until
// SetFanout replaces it.
func NewServer(store TaskStore, auth Verifier, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  store,
		auth:   auth,
		hub:    NewHub(store, opts.Logger),
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.fanout = LocalFanout{Hub: s.hub}
	return s
}

// Hub exposes the room registry so a cross-instance relay can deliver into it.
func (s *Server) Hub() *Hub { return s.hub }

// SetFanout must be called before the server accepts connections.
func (s *Server) SetFanout(f Fanout) { s.fanout = f }

// ConnectedClients returns the number of active connections.
func (s *Server) ConnectedClients() int { return s.hub.ConnectedClients() }

// Shutdown closes every connection with "going away".
func (s *Server) Shutdown() {
	s.cancel()
	s.hub.closeAll("server shutting down")
}

// errRejected means the connection was already rejected and closed.
var errRejected = errors.New("connection rejected")

var errAuthRequired = domain.NewAuthError(domain.AuthMissing, "Authentication required", nil)

// tokenFromRequest prefers the Authorization header over the token query
// parameter. A header that is present but not a bearer token is an error.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return domain.BearerToken(h)
	}
	return r.URL.Query().Get("token"), nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, tokenErr := tokenFromRequest(r)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.log.WithError(err).Debug("websocket accept failed")
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	c := newConn(uuid.NewString(), ws, s.opts.SendBuffer, s.opts.WriteTimeout, s.log)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if tokenErr != nil {
		s.reject(ctx, c, tokenErr)
		return
	}
	accountID, err := s.authenticate(ctx, c, token)
	if err != nil {
		if !errors.Is(err, errRejected) {
			s.reject(ctx, c, err)
		}
		return
	}
	c.accountID = accountID
	c.log = c.log.WithField("account", accountID)
	c.setState(StateAuthenticated)

	go c.writeLoop()
	if err := s.hub.join(ctx, c); err != nil {
		c.log.WithError(err).Error("initial snapshot failed")
		s.hub.leave(c)
		c.close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}
	c.setState(StateActive)
	c.log.Debug("connection active")

	s.readLoop(ctx, c)

	s.hub.leave(c)
	c.close(websocket.StatusNormalClosure, "")
	c.log.Debug("connection closed")
}

// authenticate verifies the token from the upgrade request or, when absent,
// waits for an auth frame. An expired Read context closes the socket, so the
// handshake deadline is a timer that rejects the connection instead.
func (s *Server) authenticate(ctx context.Context, c *conn, token string) (string, error) {
	if token == "" {
		rejected := make(chan struct{})
		timer := time.AfterFunc(s.opts.HandshakeTimeout, func() {
			defer close(rejected)
			s.reject(ctx, c, domain.NewAuthError(domain.AuthMissing, "Authentication required", context.DeadlineExceeded))
		})
		_, data, err := c.ws.Read(ctx)
		if !timer.Stop() {
			<-rejected
			return "", errRejected
		}
		if err != nil {
			return "", domain.NewAuthError(domain.AuthMissing, "Authentication required", err)
		}
		var f domain.Frame
		if err := sonic.Unmarshal(data, &f); err != nil || f.Event != domain.EventAuth {
			return "", errAuthRequired
		}
		var p domain.AuthPayload
		if err := sonic.Unmarshal(f.Data, &p); err != nil || p.Token == "" {
			return "", errAuthRequired
		}
		token = p.Token
	}
	return s.auth.Verify(ctx, token)
}

func (s *Server) reject(ctx context.Context, c *conn, err error) {
	msg := "Authentication error"
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		msg = ae.Error()
	}
	c.log.WithError(err).Info("connection rejected")
	if frame, ferr := encodeFrame(domain.EventError, domain.ErrorPayload{Message: msg}); ferr == nil {
		wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
		_ = c.ws.Write(wctx, websocket.MessageText, frame)
		cancel()
	}
	c.state.Store(int32(StateClosed))
	_ = c.ws.Close(websocket.StatusPolicyViolation, "authentication failed")
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendError("Invalid payload")
			continue
		}
		var f domain.Frame
		if err := sonic.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.sendError("Invalid payload")
			continue
		}
		s.handleIntent(ctx, c, f)
	}
}

func encodeFrame(event string, data any) ([]byte, error) {
	f, err := domain.NewFrame(event, data)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(f)
}

func (c *conn) sendError(message string) {
	if frame, err := encodeFrame(domain.EventError, domain.ErrorPayload{Message: message}); err == nil {
		c.queue(frame)
	}
}
