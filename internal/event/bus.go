package event

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the per-subscriber buffer when none is configured.
	DefaultQueueSize = 256
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Overflow selects what happens when a subscriber's queue is full.
type Overflow string

const (
	// DropOldest evicts the oldest queued event; producers never wait.
	DropOldest Overflow = "drop_oldest"
	// BlockProducer makes Publish wait until the subscriber frees a slot.
	BlockProducer Overflow = "block"
)

// Filter selects which kinds a subscription receives.
type Filter func(Kind) bool

// All matches every kind.
func All() Filter { return func(Kind) bool { return true } }

// Kinds matches exactly the listed kinds.
func Kinds(kinds ...Kind) Filter {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(k Kind) bool {
		_, ok := set[k]
		return ok
	}
}

// HandlerFunc processes one event for a callback subscriber.
type HandlerFunc func(ctx context.Context, e Event) error

// Observer receives delivery accounting. Implemented by the metrics package.
type Observer interface {
	EventPublished(kind Kind)
	EventDropped(subscriber string, kind Kind)
}

// Config tunes per-subscriber queues.
type Config struct {
	QueueSize int
	Overflow  Overflow
}

// Bus is an in-process publish/subscribe transport. Publish only enqueues,
// so a slow subscriber never stalls a producer under DropOldest.
type Bus struct {
	cfg      Config
	mu       sync.Mutex
	subs     atomic.Pointer[[]*Subscription]
	counter  atomic.Uint64
	observer Observer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	logger   *zap.Logger
}

// NewBus creates a bus. Zero config values fall back to defaults.
func NewBus(cfg Config, logger *zap.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{cfg: cfg, ctx: ctx, cancel: cancel, logger: logger}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

// SetObserver installs delivery accounting. Call before publishing.
func (b *Bus) SetObserver(o Observer) { b.observer = o }

// Publish delivers e to every subscriber whose filter matches e.Kind.
func (b *Bus) Publish(e Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if e.Kind == "" || e.Payload == nil {
		return fmt.Errorf("publish: incomplete event %q", e.ID)
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("publish: kind %s carries %s payload", e.Kind, e.Payload.Kind())
	}
	if b.observer != nil {
		b.observer.EventPublished(e.Kind)
	}
	for _, s := range *b.subs.Load() {
		if !s.filter(e.Kind) {
			continue
		}
		if dropped := s.enqueue(b.ctx, e); dropped && b.observer != nil {
			b.observer.EventDropped(s.name, e.Kind)
		}
	}
	return nil
}

// Subscribe registers a pull-style subscription. Consume it with Events or Next.
func (b *Bus) Subscribe(name string, filter Filter) *Subscription {
	if filter == nil {
		filter = All()
	}
	s := &Subscription{
		id:       b.counter.Add(1),
		name:     name,
		filter:   filter,
		capacity: b.cfg.QueueSize,
		overflow: b.cfg.Overflow,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if b.closed.Load() {
		s.close()
		return s
	}

	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	b.subs.Store(&next)
	b.mu.Unlock()

	b.logger.Debug("subscribed", zap.String("subscriber", name), zap.Uint64("id", s.id))
	return s
}

// SubscribeFunc runs handler for each matching event on a dedicated
// goroutine. A handler error or panic is reported as system.subscriber_error
// and never reaches the publisher or other subscribers.
func (b *Bus) SubscribeFunc(name string, filter Filter, handler HandlerFunc) *Subscription {
	s := b.Subscribe(name, filter)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range s.Events(b.ctx) {
			if err := b.invoke(handler, e); err != nil {
				b.reportError(name, e, err)
			}
		}
	}()
	return s
}

func (b *Bus) invoke(handler HandlerFunc, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(b.ctx, e)
}

func (b *Bus) reportError(subscriber string, e Event, err error) {
	b.logger.Error("subscriber failed",
		zap.String("subscriber", subscriber),
		zap.String("event_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.Error(err))
	if e.Kind == KindSubscriberError {
		return
	}
	report := Must(KindSubscriberError, e.CorrelationID, SubscriberError{
		Subscriber: subscriber,
		EventID:    e.ID,
		EventKind:  e.Kind,
		Error:      err.Error(),
	})
	report.Source = "event_bus"
	_ = b.Publish(report)
}

// Unsubscribe ends a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, other := range cur {
		if other != s {
			next = append(next, other)
		}
	}
	b.subs.Store(&next)
	b.mu.Unlock()
	s.close()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	return len(*b.subs.Load())
}

// Close stops delivery, ends every subscription and waits for callback
// subscribers to return.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	b.cancel()
	b.mu.Lock()
	subs := *b.subs.Load()
	empty := []*Subscription{}
	b.subs.Store(&empty)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
	return nil
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	id       uint64
	name     string
	filter   Filter
	capacity int
	overflow Overflow

	mu     sync.Mutex
	queue  []Event
	closed bool
	once   sync.Once

	notify  chan struct{}
	space   chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

// Name returns the subscriber name given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// Dropped counts events evicted by the DropOldest policy.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// enqueue appends e, applying the overflow policy. It reports whether an
// older event was dropped to make room.
func (s *Subscription) enqueue(busCtx context.Context, e Event) bool {
	dropped := false
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return dropped
		}
		if len(s.queue) < s.capacity {
			s.queue = append(s.queue, e)
			room := len(s.queue) < s.capacity
			s.mu.Unlock()
			signal(s.notify)
			if room {
				// pass the wakeup on to any other blocked producer
				signal(s.space)
			}
			return dropped
		}
		if s.overflow == DropOldest {
			s.queue[0] = Event{}
			s.queue = append(s.queue[1:], e)
			s.mu.Unlock()
			s.dropped.Add(1)
			signal(s.notify)
			return true
		}
		s.mu.Unlock()

		select {
		case <-s.space:
		case <-s.done:
			return dropped
		case <-busCtx.Done():
			return dropped
		}
	}
}

// Next blocks until an event is available, the subscription ends or ctx is
// done.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			signal(s.space)
			return e, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return Event{}, false
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Events returns a lazy sequence over the subscription. Breaking out of a
// range loop leaves undelivered events queued; ranging again resumes there.
func (s *Subscription) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, ok := s.Next(ctx)
			if !ok {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
