// Package eventbus fans session events out to attached observers.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/otomanus/internal/idgen"
	"github.com/flitsinc/otomanus/internal/logging"
)

const (
	DefaultQueueSize       = 64
	DefaultDeliveryTimeout = 10 * time.Second
)

// Observer receives events for one session. A returned error (or a panic)
// detaches the observer; other observers are unaffected.
type Observer interface {
	Deliver(ctx context.Context, evt Event) error
}

type ObserverFunc func(ctx context.Context, evt Event) error

func (f ObserverFunc) Deliver(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

type Bus struct {
	queueSize       int
	deliveryTimeout time.Duration
	log             zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	mu    sync.Mutex
	seq   uint64
	slots map[string]*slot
}

// slot is one attached observer: a bounded FIFO drained by its own goroutine.
type slot struct {
	id        string
	sessionID string
	obs       Observer
	queue     chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
}

type Option func(*Bus)

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.deliveryTimeout = d
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		queueSize:       DefaultQueueSize,
		deliveryTimeout: DefaultDeliveryTimeout,
		log:             logging.For("eventbus"),
		topics:          map[string]*topic{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Attach registers obs for sessionID and returns its id plus a detach func.
// Detach never blocks and may be called more than once, from any goroutine.
func (b *Bus) Attach(sessionID string, obs Observer) (string, func()) {
	s := b.attach(sessionID, obs)
	if s == nil {
		return "", func() {}
	}
	return s.id, func() { b.Detach(sessionID, s.id) }
}

func (b *Bus) attach(sessionID string, obs Observer) *slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	t := b.topics[sessionID]
	if t == nil {
		t = &topic{slots: map[string]*slot{}}
		b.topics[sessionID] = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &slot{
		id:        idgen.NewULID(),
		sessionID: sessionID,
		obs:       obs,
		queue:     make(chan Event, b.queueSize),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	t.mu.Lock()
	t.slots[s.id] = s
	t.mu.Unlock()

	go b.pump(s)
	return s
}

// Detach removes an observer. Unknown ids are ignored.
func (b *Bus) Detach(sessionID, observerID string) {
	b.mu.Lock()
	t := b.topics[sessionID]
	if t == nil {
		b.mu.Unlock()
		return
	}
	t.mu.Lock()
	s := t.slots[observerID]
	delete(t.slots, observerID)
	if len(t.slots) == 0 {
		delete(b.topics, sessionID)
	}
	t.mu.Unlock()
	b.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// DropSession detaches every observer of sessionID.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	t := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	slots := t.slots
	t.slots = map[string]*slot{}
	t.mu.Unlock()
	for _, s := range slots {
		s.cancel()
	}
}

// Publish enqueues evt for every observer of sessionID and returns how many
// accepted it. It never blocks: an observer whose queue is full misses evt.
func (b *Bus) Publish(sessionID string, evt Event) int {
	b.mu.RLock()
	t := b.topics[sessionID]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	evt.SessionID = sessionID
	evt.Seq = t.seq
	delivered := 0
	for _, s := range t.slots {
		select {
		case s.queue <- evt:
			delivered++
		default:
			b.log.Warn().Str("session_id", sessionID).Str("observer", s.id).Str("type", string(evt.Type)).Msg("observer queue full, dropping event")
		}
	}
	return delivered
}

// Subscribe attaches a channel observer that lives until ctx is done. The
// channel is closed after the observer has been detached.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) <-chan Event {
	out := make(chan Event, b.queueSize)
	s := b.attach(sessionID, ObserverFunc(func(dctx context.Context, evt Event) error {
		select {
		case out <- evt:
			return nil
		case <-dctx.Done():
			return dctx.Err()
		}
	}))
	if s == nil {
		close(out)
		return out
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		b.Detach(sessionID, s.id)
		<-s.stopped
		close(out)
	}()
	return out
}

func (b *Bus) ObserverCount(sessionID string) int {
	b.mu.RLock()
	t := b.topics[sessionID]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Stats reports the number of sessions with observers and the total number
// of observers.
func (b *Bus) Stats() (sessions, observers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.topics {
		t.mu.Lock()
		observers += len(t.slots)
		t.mu.Unlock()
	}
	return len(b.topics), observers
}

// Close detaches every observer and refuses new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	topics := b.topics
	b.topics = map[string]*topic{}
	b.mu.Unlock()
	for _, t := range topics {
		t.mu.Lock()
		for _, s := range t.slots {
			s.cancel()
		}
		t.slots = map[string]*slot{}
		t.mu.Unlock()
	}
}

func (b *Bus) pump(s *slot) {
	defer close(s.stopped)
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.queue:
			if err := b.deliver(s, evt); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				b.log.Warn().Err(err).Str("session_id", s.sessionID).Str("observer", s.id).Msg("observer failed, detaching")
				b.Detach(s.sessionID, s.id)
				return
			}
		}
	}
}

func (b *Bus) deliver(s *slot, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(s.ctx, b.deliveryTimeout)
	defer cancel()
	return s.obs.Deliver(ctx, evt)
}
