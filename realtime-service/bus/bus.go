// Package bus fans committed domain events out to in-process subscribers.
//
// Every subscriber owns an unbounded FIFO drained by its own goroutine, so a
// slow or failing subscriber never delays the others and Publish never blocks
// on subscriber work. There is no persisted log: events published while a
// subscriber is not registered are never seen by it.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wiki-realtime/realtime-service/domain"
)

// Handler consumes events delivered by the bus.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev domain.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Bus is an in-process publish/subscribe dispatcher for domain events.
type Bus struct {
	logger  *log.Logger
	timeout time.Duration

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus. handlerTimeout bounds each Handle call; zero disables it.
func New(logger *log.Logger, handlerTimeout time.Duration) *Bus {
	if logger == nil {
		panic("bus: logger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:  logger,
		timeout: handlerTimeout,
		subs:    make(map[uint64]*Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers h under name. The subscription receives every event
// published from now on, in publish order, until Unsubscribe or Close.
func (b *Bus) Subscribe(name string, h Handler) *Subscription {
	s := &Subscription{
		name:   name,
		bus:    b,
		h:      h,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.stopped = true
		close(s.done)
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	b.wg.Add(1)
	go s.run()
	b.logger.WithFields(log.Fields{"subscriber": name, "total_subscribers": len(b.subs)}).Debug("bus subscriber registered")
	return s
}

// Publish hands ev to every subscriber. It returns immediately.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		s.push(ev)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events and waits for subscribers to drain their
// queues. When ctx expires first, in-flight handlers see their context
// cancelled and ctx.Err() is returned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.drain()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	defer b.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a registered handler and its pending events.
type Subscription struct {
	id   uint64
	name string
	bus  *Bus
	h    Handler

	mu       sync.Mutex
	queue    []domain.Event
	stopped  bool
	draining bool

	signal chan struct{}
	done   chan struct{}
}

// Unsubscribe stops delivery. Pending events are discarded; a handler call in
// progress finishes normally.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
	s.bus.remove(s.id)
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) push(ev domain.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			<-s.signal
			continue
		}
		ev := s.queue[0]
		s.queue[0] = domain.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *Subscription) deliver(ev domain.Event) {
	ctx, cancel := s.handlerContext()
	defer cancel()

	entry := s.bus.logger.WithFields(log.Fields{
		"subscriber": s.name,
		"event":      ev.Name,
		"event_id":   ev.ID,
	})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("subscriber panicked: %v", r)
		}
	}()

	if err := s.h.Handle(ctx, ev); err != nil {
		entry.WithError(err).Error("subscriber failed to handle event")
	}
}

func (s *Subscription) handlerContext() (context.Context, context.CancelFunc) {
	if s.bus.timeout > 0 {
		return context.WithTimeout(s.bus.ctx, s.bus.timeout)
	}
	return context.WithCancel(s.bus.ctx)
}
