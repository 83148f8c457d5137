// Package subscription relays committed task changes between server instances
// over Redis pub/sub.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Deliverer hands a change to the local rooms of its account.
type Deliverer interface {
	Deliver(ctx context.Context, change domain.Change)
}

// Relay publishes changes to a Redis channel and delivers every change it
// receives on that channel, including its own, to the local hub. Each
// instance reads the snapshot it broadcasts itself.
type Relay struct {
	rc      *redis.Client
	channel string
	hub     Deliverer
	log     *log.Logger

	subscribed atomic.Bool
	readyOnce  sync.Once
	ready      chan struct{}
}

func NewRelay(rc *redis.Client, channel string, hub Deliverer, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{rc: rc, channel: channel, hub: hub, log: logger, ready: make(chan struct{})}
}

// Publish sends the change to every instance. When Redis is unreachable, or
// nothing received the message while this relay is not subscribed, the change
// is delivered locally so the sender's own rooms still see it.
func (r *Relay) Publish(ctx context.Context, change domain.Change) error {
	data, err := sonic.Marshal(change)
	if err != nil {
		return err
	}
	receivers, err := r.rc.Publish(ctx, r.channel, data).Result()
	if err != nil {
		r.hub.Deliver(ctx, change)
		return err
	}
	if receivers == 0 && !r.subscribed.Load() {
		r.log.WithField("change", change.ID).Warn("no live subscription, delivering locally")
		r.hub.Deliver(ctx, change)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run listens for changes until ctx is done, resubscribing after the
// subscription is lost.
func (r *Relay) Run(ctx context.Context) {
	for {
		r.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		r.log.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) listen(ctx context.Context) {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Error("subscribe failed")
		}
		return
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	r.readyOnce.Do(func() { close(r.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change domain.Change
			if err := sonic.UnmarshalString(msg.Payload, &change); err != nil {
				r.log.WithError(err).Error("unable to parse change")
				continue
			}
			if change.AccountID == "" {
				r.log.WithField("change", change.ID).Warn("change without account")
				continue
			}
			r.hub.Deliver(ctx, change)
		}
	}
}
