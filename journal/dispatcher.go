// Package journal ships committed task changes to an external event log
// without ever blocking the mutation that produced them.
package journal

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Publisher writes a batch of changes to the journal backend.
type Publisher interface {
	Publish(ctx context.Context, changes []domain.Change) error
	Close() error
}

// Config tunes the dispatcher. Zero values take defaults.
type Config struct {
	Workers        int
	Buffer         int
	BatchSize      int
	FlushInterval  time.Duration
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
}

type record struct {
	change  domain.Change
	attempt int
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

// Dispatcher batches changes onto a bounded channel drained by a worker pool.
// Failed batches are retried with exponential backoff and jitter.
type Dispatcher struct {
	cfg    Config
	pub    Publisher
	logger *log.Logger

	workCh   chan *record
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu      sync.RWMutex
	closing bool

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

var errSaturated = errors.New("journal is saturated")

// NewDispatcher starts the workers.
func NewDispatcher(pub Publisher, cfg Config, logger *log.Logger) *Dispatcher {
	if pub == nil {
		panic("journal: publisher is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.setDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		pub:    pub,
		logger: logger,
		workCh: make(chan *record, cfg.Buffer),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	logger.Infof("journal started, workers: %d, buffer: %d, batch: %d, handoff: %v", cfg.Workers, cfg.Buffer, cfg.BatchSize, cfg.HandoffTimeout)
	return d
}

// Submit hands the change to the workers. A saturated journal drops the
// change and logs it; the caller is never failed.
func (d *Dispatcher) Submit(change domain.Change) {
	if err := d.dispatch(&record{change: change}); err != nil {
		d.dropped.Add(1)
		d.logger.WithError(err).WithFields(log.Fields{"change": change.ID, "account": change.AccountID, "event": change.Event}).Warn("journal dropped change")
	}
}

func (d *Dispatcher) dispatch(rec *record) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return errors.New("journal shutting down")
	}

	select {
	case d.workCh <- rec:
		return nil
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		return errSaturated
	}

	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.workCh <- rec:
		return nil
	case <-timer.C:
		return errSaturated
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWG.Done()

	batch := make([]*record, 0, d.cfg.BatchSize)
	timer := time.NewTimer(d.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			rec, ok := <-d.workCh
			if !ok {
				return
			}
			batch = append(batch, rec)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.cfg.FlushInterval)
		}

		open := true
	gather:
		for len(batch) < d.cfg.BatchSize {
			select {
			case rec, ok := <-d.workCh:
				if !ok {
					open = false
					break gather
				}
				batch = append(batch, rec)
			case <-timer.C:
				break gather
			}
		}

		d.flush(batch, id)
		batch = batch[:0]
		if !open {
			return
		}
	}
}

func (d *Dispatcher) flush(batch []*record, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
	defer cancel()

	changes := make([]domain.Change, len(batch))
	for i, rec := range batch {
		changes[i] = rec.change
	}
	if err := d.pub.Publish(ctx, changes); err != nil {
		d.logger.WithError(err).Errorf("journal publish failed, worker=%d, changes=%d", workerID, len(batch))
		for _, rec := range batch {
			rec.attempt++
			d.scheduleRetry(rec)
		}
		return
	}
	d.published.Add(uint64(len(batch)))
}

func (d *Dispatcher) scheduleRetry(rec *record) {
	if rec.attempt >= d.cfg.MaxAttempts {
		d.failed.Add(1)
		d.logger.WithFields(log.Fields{"change": rec.change.ID, "attempts": rec.attempt}).Error("journal gave up on change")
		return
	}
	delay := exponentialBackoff(rec.attempt, d.cfg.RetryInitial, d.cfg.RetryMax)
	d.retryWG.Add(1)
	go func() {
		defer d.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case d.workCh <- rec:
			case <-d.stopCh:
				d.failed.Add(1)
			}
		case <-d.stopCh:
			d.failed.Add(1)
		}
	}()
}

// Shutdown stops accepting changes, abandons pending retries and flushes what
// is already queued.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	close(d.stopCh)
	d.retryWG.Wait()
	close(d.workCh)
	d.workerWG.Wait()
	return d.pub.Close()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Published: d.published.Load(), Dropped: d.dropped.Load(), Failed: d.failed.Load()}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
