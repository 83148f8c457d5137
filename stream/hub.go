package stream

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Snapshotter reads the authoritative task list of an account.
type Snapshotter interface {
	ListTasks(ctx context.Context, accountID string) ([]domain.Task, error)
}

// Fanout carries a committed change to every connection of its account,
// on this instance and any other instance sharing the channel.
type Fanout interface {
	Publish(ctx context.Context, change domain.Change) error
}

const deliveryStripes = 64

// Hub is the room registry. A room holds the live connections of one account.
type Hub struct {
	store Snapshotter
	log   *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[*conn]struct{}
	count int

	// delivery serializes snapshot reads and queueing per account so the
	// snapshots each member receives are in commit order.
	delivery [deliveryStripes]sync.Mutex
}

// NewHub creates an empty registry reading snapshots from store.
func NewHub(store Snapshotter, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{store: store, log: logger, rooms: make(map[string]map[*conn]struct{})}
}

func (h *Hub) stripe(accountID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(accountID))
	return &h.delivery[f.Sum32()%deliveryStripes]
}

// join adds c to its account room and queues the initial snapshot.
func (h *Hub) join(ctx context.Context, c *conn) error {
	lock := h.stripe(c.accountID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	room, ok := h.rooms[c.accountID]
	if !ok {
		room = make(map[*conn]struct{})
		h.rooms[c.accountID] = room
	}
	room[c] = struct{}{}
	h.count++
	h.mu.Unlock()

	snapshot, err := h.snapshotFrame(ctx, c.accountID)
	if err != nil {
		return err
	}
	c.queue(snapshot)
	return nil
}

// leave removes c from its room. It is safe to call more than once.
func (h *Hub) leave(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.accountID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	h.count--
	if len(room) == 0 {
		delete(h.rooms, c.accountID)
	}
}

func (h *Hub) members(accountID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[accountID]
	out := make([]*conn, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// ConnectedClients returns the number of joined connections.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Deliver sends the change event followed by a fresh snapshot to every
// connection in the account's room. Each frame is encoded once.
func (h *Hub) Deliver(ctx context.Context, change domain.Change) {
	if len(h.members(change.AccountID)) == 0 {
		return
	}
	frame, err := change.Frame()
	if err != nil {
		h.log.WithError(err).WithField("event", change.Event).Error("cannot build change frame")
		return
	}
	event, err := sonic.Marshal(frame)
	if err != nil {
		h.log.WithError(err).Error("cannot encode change frame")
		return
	}

	lock := h.stripe(change.AccountID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := h.snapshotFrame(ctx, change.AccountID)
	if err != nil {
		h.log.WithError(err).WithField("account", change.AccountID).Error("cannot read snapshot for broadcast")
	}
	for _, c := range h.members(change.AccountID) {
		if !c.queue(event) {
			continue
		}
		if snapshot != nil {
			c.queue(snapshot)
		}
	}
}

func (h *Hub) snapshotFrame(ctx context.Context, accountID string) ([]byte, error) {
	tasks, err := h.store.ListTasks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	frame, err := domain.NewFrame(domain.EventSyncTasks, tasks)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(frame)
}

// closeAll closes every connection, used on shutdown.
func (h *Hub) closeAll(reason string) {
	h.mu.RLock()
	var all []*conn
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close(statusGoingAway, reason)
	}
}

// LocalFanout delivers changes to this instance's rooms only.
type LocalFanout struct {
	Hub *Hub
}

func (f LocalFanout) Publish(ctx context.Context, change domain.Change) error {
	f.Hub.Deliver(ctx, change)
	return nil
}
