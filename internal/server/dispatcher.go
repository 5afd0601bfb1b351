package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// RosterSource resolves the members of a group.
type RosterSource interface {
	Members(ctx context.Context, group chat.GroupID) ([]chat.UserID, error)
}

// ConnectionLookup finds the live sender of a user.
type ConnectionLookup interface {
	Lookup(user chat.UserID) (*Sender, bool)
}

// Dispatcher owns the submission queue and its single consumer. Messages are
// stored and fanned out one at a time in submission order. Delivery is
// best-effort: recipients that are offline or whose buffer is full miss the
// push and are not retried.
type Dispatcher struct {
	queue          chan chat.Message
	store          chat.MessageStore
	rosters        RosterSource
	conns          ConnectionLookup
	persistTimeout time.Duration
	log            *slog.Logger
	metrics        *Metrics

	// mu orders Submit against shutdown: Submit enqueues under the read
	// lock, Run flips stopped under the write lock before draining.
	mu      sync.RWMutex
	stopped bool
	running bool
}

// NewDispatcher creates a dispatcher whose queue holds at most queueSize
// pending messages.
func NewDispatcher(
	store chat.MessageStore,
	rosters RosterSource,
	conns ConnectionLookup,
	queueSize int,
	persistTimeout time.Duration,
	log *slog.Logger,
	metrics *Metrics,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		queue:          make(chan chat.Message, queueSize),
		store:          store,
		rosters:        rosters,
		conns:          conns,
		persistTimeout: persistTimeout,
		log:            log.With("component", "dispatcher"),
		metrics:        metrics,
	}
}

// Submit enqueues msg without blocking. It returns chat.ErrServerBusy when
// the queue is full and chat.ErrDispatcherStopped after shutdown.
func (d *Dispatcher) Submit(msg chat.Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.metrics.rejected.WithLabelValues(reasonStopped).Inc()
		return chat.ErrDispatcherStopped
	}

	select {
	case d.queue <- msg:
		d.metrics.submitted.Inc()
		return nil
	default:
		d.metrics.rejected.WithLabelValues(reasonQueueFull).Inc()
		return chat.ErrServerBusy
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run consumes the queue until ctx is cancelled. Messages still queued at
// that point were already acknowledged, so they are processed before Run
// returns. Run must be called at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running || d.stopped {
		d.mu.Unlock()
		return errors.New("dispatcher: already started")
	}
	d.running = true
	d.mu.Unlock()

	d.log.Info("dispatcher started", "queue_capacity", cap(d.queue))

	for {
		select {
		case msg := <-d.queue:
			// An acknowledged message is finished even if shutdown begins
			// mid-write; PersistTimeout still bounds the store call.
			d.dispatch(context.WithoutCancel(ctx), msg)
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	n := len(d.queue)
	for i := 0; i < n; i++ {
		d.dispatch(ctx, <-d.queue)
	}
	d.log.Info("dispatcher stopped", "drained", n)
}

// dispatch handles one message. Failures are logged and contained here so
// the next message is always processed.
func (d *Dispatcher) dispatch(ctx context.Context, msg chat.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.dispatchErrors.Inc()
			d.log.Error("recovered from panic while dispatching",
				"panic", r, "kind", msg.Kind, "sender", msg.SenderID, "receiver", msg.ReceiverID)
		}
	}()

	if err := d.persist(ctx, msg); err != nil {
		d.metrics.persistFailures.Inc()
		d.log.Error("dropping message: persistence failed",
			"error", err, "kind", msg.Kind, "sender", msg.SenderID, "receiver", msg.ReceiverID)
		return
	}
	d.metrics.persisted.Inc()

	recipients, err := d.recipients(ctx, msg)
	if err != nil {
		d.metrics.dispatchErrors.Inc()
		d.log.Error("cannot resolve recipients", "error", err, "kind", msg.Kind, "receiver", msg.ReceiverID)
		return
	}

	env, err := chat.NewEnvelope(msg)
	if err != nil {
		d.metrics.dispatchErrors.Inc()
		d.log.Error("cannot build envelope", "error", err)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.metrics.dispatchErrors.Inc()
		d.log.Error("cannot encode envelope", "error", err)
		return
	}

	for _, user := range recipients {
		d.deliver(user, payload)
	}
}

func (d *Dispatcher) persist(ctx context.Context, msg chat.Message) error {
	if d.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.persistTimeout)
		defer cancel()
	}
	return d.store.StoreMessage(ctx, msg)
}

// recipients resolves who should receive msg. Group messages go to every
// member, the sender included when they are a member.
func (d *Dispatcher) recipients(ctx context.Context, msg chat.Message) ([]chat.UserID, error) {
	switch msg.Kind {
	case chat.KindPrivate:
		return []chat.UserID{chat.UserID(msg.ReceiverID)}, nil
	case chat.KindGroup:
		return d.rosters.Members(ctx, chat.GroupID(msg.ReceiverID))
	default:
		return nil, fmt.Errorf("%w: %s", chat.ErrUnknownKind, msg.Kind)
	}
}

func (d *Dispatcher) deliver(user chat.UserID, payload []byte) {
	sender, ok := d.conns.Lookup(user)
	if !ok {
		d.metrics.skipped.WithLabelValues(reasonOffline).Inc()
		d.log.Debug("recipient offline", "user", user)
		return
	}
	if !sender.TryPush(payload) {
		d.metrics.skipped.WithLabelValues(reasonUnavailable).Inc()
		d.log.Debug("recipient channel full or closed", "user", user)
		return
	}
	d.metrics.delivered.Inc()
}
