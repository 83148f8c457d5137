package stream

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"prism-board/domain"
)

var errInvalidPayload = &domain.ValidationError{Field: "data", Message: "Invalid payload"}

// handleIntent applies one client intent and broadcasts its effect. Failures
// go to the sender only.
func (s *Server) handleIntent(ctx context.Context, c *conn, f domain.Frame) {
	switch f.Event {
	case domain.EventTaskCreate, domain.EventTaskUpdate, domain.EventTaskMove, domain.EventTaskDelete:
	case domain.EventAuth:
		return
	default:
		c.sendError("Unknown event: " + f.Event)
		return
	}

	m, ctx := newIntentMetrics(ctx, s.log, f.Event, c.accountID, f.RequestID)

	if s.opts.Limiter != nil {
		ok, err := s.opts.Limiter.Allow(ctx, c.accountID)
		if err != nil {
			c.log.WithError(err).Warn("rate limiter unavailable")
		} else if !ok {
			c.sendError("Rate limit exceeded")
			m.Finish(outcomeLimited, nil)
			return
		}
	}

	recorded := false
	if f.RequestID != "" && s.opts.Deduper != nil {
		added, err := s.opts.Deduper.Add(ctx, c.accountID, f.RequestID)
		switch {
		case err != nil:
			c.log.WithError(err).Warn("deduper unavailable")
		case !added:
			m.Finish(outcomeDuplicate, nil)
			return
		default:
			recorded = true
		}
	}

	// The mutation outlives the originating connection so its effect is
	// still broadcast when the sender drops mid-intent.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	change, err := s.apply(storeCtx, c.accountID, f)
	m.ObserveStore(time.Since(start))
	if err != nil {
		if recorded {
			if rerr := s.opts.Deduper.Remove(storeCtx, c.accountID, f.RequestID); rerr != nil {
				c.log.WithError(rerr).Warn("failed to release request id")
			}
		}
		msg, internal := errorMessage(err)
		c.sendError(msg)
		if internal {
			m.Finish(outcomeFailed, err)
		} else {
			m.Finish(outcomeRejected, err)
		}
		return
	}

	start = time.Now()
	if err := s.fanout.Publish(storeCtx, change); err != nil {
		c.log.WithError(err).WithField("event", change.Event).Error("fanout publish failed")
	}
	m.ObserveFanout(time.Since(start))
	if s.opts.Journal != nil {
		s.opts.Journal.Submit(change)
	}
	m.Finish(outcomeApplied, nil)
}

// apply resolves the intent to a store call scoped to accountID. Any account
// id in the payload is ignored.
func (s *Server) apply(ctx context.Context, accountID string, f domain.Frame) (domain.Change, error) {
	change := domain.Change{ID: uuid.NewString(), AccountID: accountID}
	if len(f.Data) == 0 {
		return change, errInvalidPayload
	}
	switch f.Event {
	case domain.EventTaskCreate:
		var fields domain.TaskFields
		if err := sonic.Unmarshal(f.Data, &fields); err != nil {
			return change, errInvalidPayload
		}
		task, err := s.store.CreateTask(ctx, accountID, fields)
		if err != nil {
			return change, err
		}
		change.Event = domain.EventTaskCreated
		change.Task = &task

	case domain.EventTaskUpdate:
		var in domain.UpdateIntent
		if err := sonic.Unmarshal(f.Data, &in); err != nil {
			return change, errInvalidPayload
		}
		if in.ID == "" {
			return change, &domain.ValidationError{Field: "id", Message: "Task id is required"}
		}
		task, err := s.store.UpdateTask(ctx, accountID, in.ID, in.TaskPatch)
		if err != nil {
			return change, err
		}
		change.Event = domain.EventTaskUpdated
		change.Task = &task

	case domain.EventTaskMove:
		var in domain.MoveIntent
		if err := sonic.Unmarshal(f.Data, &in); err != nil {
			return change, errInvalidPayload
		}
		if in.TaskID == "" {
			return change, &domain.ValidationError{Field: "taskId", Message: "Task id is required"}
		}
		task, err := s.store.MoveTask(ctx, accountID, in.TaskID, in.DestinationColumn, float64(in.DestinationIndex))
		if err != nil {
			return change, err
		}
		source := in.SourceColumn
		if source == "" {
			source = in.DestinationColumn
		}
		change.Event = domain.EventTaskMoved
		change.Moved = &domain.MovedPayload{
			Task:              task,
			SourceColumn:      source,
			DestinationColumn: in.DestinationColumn,
			SourceIndex:       in.SourceIndex,
			DestinationIndex:  in.DestinationIndex,
		}

	case domain.EventTaskDelete:
		var in domain.DeleteIntent
		if err := sonic.Unmarshal(f.Data, &in); err != nil {
			return change, errInvalidPayload
		}
		if in.TaskID == "" {
			return change, &domain.ValidationError{Field: "taskId", Message: "Task id is required"}
		}
		task, err := s.store.DeleteTask(ctx, accountID, in.TaskID)
		if err != nil {
			return change, err
		}
		change.Event = domain.EventTaskDeleted
		change.Deleted = &domain.DeletedPayload{ID: task.ID}
	}
	change.Time = time.Now().UTC()
	return change, nil
}

// errorMessage maps an intent failure to the message shown to the sender.
// internal is true for failures that are not the client's fault.
func errorMessage(err error) (msg string, internal bool) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Message, false
	case errors.Is(err, domain.ErrNotFound):
		return domain.ErrNotFound.Error(), false
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "Task was modified concurrently, please retry", false
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out", true
	}
	return "Internal server error", true
}
