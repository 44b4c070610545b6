package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const publishQueueDepth = 1024

// Handler receives a value copy of each matching event.
type Handler func(Event)

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	ID string
}

type subscriber struct {
	id      string
	kinds   map[Kind]struct{} // nil means all kinds
	handler Handler
}

// Bus is a topic-less in-process publish/subscribe bus. Delivery runs on a
// single goroutine, which preserves emission order per producer. A panic in
// one subscriber is isolated from the others.
type Bus struct {
	logger *slog.Logger
	clock  clock.PassiveClock
	log    *Log // optional durable log

	mu   sync.RWMutex
	subs []subscriber

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithDurableLog attaches an append-only log; every published event is
// recorded before subscriber delivery.
func WithDurableLog(log *Log) Option {
	return func(b *Bus) { b.log = log }
}

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Bus) { b.clock = c }
}

// NewBus starts a bus. Call Close to stop delivery.
func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger: logger,
		clock:  clock.RealClock{},
		queue:  make(chan Event, publishQueueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.deliverLoop()
	return b
}

// Subscribe registers a handler for the given kinds. An empty kind list
// subscribes to everything. Only events published after registration are
// delivered.
func (b *Bus) Subscribe(kinds []Kind, handler Handler) Subscription {
	sub := subscriber{id: uuid.NewString(), handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return Subscription{ID: sub.id}
}

// Unsubscribe removes a handler. Unknown subscriptions are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].id == sub.ID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event for delivery. The timestamp is stamped here if
// unset. Publish blocks only when the delivery queue is full.
func (b *Bus) Publish(ev Event) {
	if ev.Kind == "" && ev.Payload != nil {
		ev.Kind = ev.Payload.EventKind()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now().UTC()
	}
	select {
	case b.queue <- ev:
	case <-b.stop:
	}
}

// Close stops delivery after draining queued events and flushes the durable
// log. Safe to call more than once.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	if b.log != nil {
		b.log.Close()
	}
}

func (b *Bus) deliverLoop() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.stop:
			// Drain whatever was queued before the stop.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	if b.log != nil {
		if err := b.log.Append(ev); err != nil {
			b.logger.Error("event log append failed", "kind", ev.Kind, "error", err)
		}
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "subscription", sub.id, "kind", ev.Kind, "panic", r)
		}
	}()
	sub.handler(ev)
}
