// Package client mirrors an account's board from the sync channel. The server
// stays authoritative: every snapshot replaces the local state.
package client

import (
	"sync"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// Counts is the number of tasks per column.
type Counts struct {
	Todo       int `json:"todo"`
	InProgress int `json:"inprogress"`
	Done       int `json:"done"`
	Total      int `json:"total"`
}

// Cache is the local task list. It is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	tasks    []domain.Task
	lastErr  string
	onChange func()
}

func NewCache() *Cache {
	return &Cache{tasks: []domain.Task{}}
}

// OnChange registers fn to run after every state change. fn runs without the
// cache lock held.
func (c *Cache) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Cache) changed() {
	c.mu.RLock()
	fn := c.onChange
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Cache) indexOf(id string) int {
	for i := range c.tasks {
		if c.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplySnapshot replaces the whole state.
func (c *Cache) ApplySnapshot(tasks []domain.Task) {
	c.mu.Lock()
	c.tasks = append([]domain.Task{}, tasks...)
	c.mu.Unlock()
	c.changed()
}

// ApplyCreated inserts the task unless one with the same id is present.
func (c *Cache) ApplyCreated(t domain.Task) {
	c.mu.Lock()
	if c.indexOf(t.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	c.changed()
}

// ApplyUpdated replaces the task with the same id. Unknown ids are ignored.
func (c *Cache) ApplyUpdated(t domain.Task) {
	c.mu.Lock()
	i := c.indexOf(t.ID)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.tasks[i] = t
	c.mu.Unlock()
	c.changed()
}

// ApplyDeleted removes the task if present.
func (c *Cache) ApplyDeleted(id string) {
	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
	c.mu.Unlock()
	c.changed()
}

// MoveOptimistic changes the local column before the server confirms. The
// next snapshot wins either way.
func (c *Cache) MoveOptimistic(id string, column domain.Column) bool {
	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.tasks[i].Column = column
	c.mu.Unlock()
	c.changed()
	return true
}

func (c *Cache) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
	c.changed()
}

// LastError is the message of the most recent error frame.
func (c *Cache) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Tasks returns a copy of the state.
func (c *Cache) Tasks() []domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Task{}, c.tasks...)
}

// Task looks a task up by id.
func (c *Cache) Task(id string) (domain.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.tasks[i], true
	}
	return domain.Task{}, false
}

// TasksByColumn returns the tasks of one column in board order.
func (c *Cache) TasksByColumn(column domain.Column) []domain.Task {
	c.mu.RLock()
	out := []domain.Task{}
	for _, t := range c.tasks {
		if t.Column == column {
			out = append(out, t)
		}
	}
	c.mu.RUnlock()
	domain.SortTasks(out)
	return out
}

func (c *Cache) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n Counts
	for _, t := range c.tasks {
		switch t.Column {
		case domain.ColumnTodo:
			n.Todo++
		case domain.ColumnInProgress:
			n.InProgress++
		case domain.ColumnDone:
			n.Done++
		}
	}
	n.Total = len(c.tasks)
	return n
}

// Apply folds one server frame into the cache.
func (c *Cache) Apply(f domain.Frame) error {
	switch f.Event {
	case domain.EventSyncTasks:
		var tasks []domain.Task
		if err := sonic.Unmarshal(f.Data, &tasks); err != nil {
			return err
		}
		c.ApplySnapshot(tasks)
	case domain.EventTaskCreated:
		var t domain.Task
		if err := sonic.Unmarshal(f.Data, &t); err != nil {
			return err
		}
		c.ApplyCreated(t)
	case domain.EventTaskUpdated:
		var t domain.Task
		if err := sonic.Unmarshal(f.Data, &t); err != nil {
			return err
		}
		c.ApplyUpdated(t)
	case domain.EventTaskMoved:
		var p domain.MovedPayload
		if err := sonic.Unmarshal(f.Data, &p); err != nil {
			return err
		}
		c.ApplyUpdated(p.Task)
	case domain.EventTaskDeleted:
		var p domain.DeletedPayload
		if err := sonic.Unmarshal(f.Data, &p); err != nil {
			return err
		}
		c.ApplyDeleted(p.ID)
	case domain.EventError:
		var p domain.ErrorPayload
		if err := sonic.Unmarshal(f.Data, &p); err != nil {
			return err
		}
		c.setError(p.Message)
	}
	return nil
}
