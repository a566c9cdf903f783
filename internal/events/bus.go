package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/common/logger"
)

// DefaultQueueSize is the bound on the pending-event queue.
const DefaultQueueSize = 1024

// Handler receives one event. Handlers for an event run synchronously in
// registration order on the delivery goroutine; a panicking handler does
// not prevent delivery to later handlers.
type Handler func(Event)

// Subscription identifies a registered handler for removal.
type Subscription int64

type registration struct {
	id        Subscription
	eventType Type
	handler   Handler
}

// Bus is a bounded in-process event dispatcher. Publish never blocks:
// when the queue is full the oldest pending event is dropped and the
// drop is reported through an events:dropped stat event ahead of the
// next delivery.
type Bus struct {
	logger *logger.Logger

	mu         sync.Mutex
	queue      []Event // ring buffer
	head       int
	count      int
	seq        int64
	nextSub    Subscription
	handlers   []registration
	dropped    int64
	delivering bool
	closed     bool
	wake       chan struct{}
	done       chan struct{}
	idle       *sync.Cond
}

// NewBus creates a bus with the given queue bound (DefaultQueueSize when
// size <= 0) and starts its delivery goroutine.
func NewBus(size int, log *logger.Logger) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = logger.Default()
	}
	b := &Bus{
		logger: log.WithFields(zap.String("component", "event-bus")),
		queue:  make([]Event, size),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.idle = sync.NewCond(&b.mu)
	go b.deliverLoop()
	return b
}

// Subscribe registers a handler for the given event type. A handler
// registered during delivery of event N observes events from N+1 on.
func (b *Bus) Subscribe(t Type, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.handlers = append(b.handlers, registration{id: id, eventType: t, handler: h})
	return id
}

// Unsubscribe removes a previously registered handler; unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.handlers {
		if r.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish stamps the event with the next sequence number and current
// time (when unset) and enqueues it. Never blocks; overflow drops the
// oldest pending event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if b.count == len(b.queue) {
		// Drop-oldest: overwrite the head slot.
		b.head = (b.head + 1) % len(b.queue)
		b.count--
		b.dropped++
	}
	b.queue[(b.head+b.count)%len(b.queue)] = ev
	b.count++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Drain blocks until every published event has been delivered. Intended
// for tests and shutdown.
func (b *Bus) Drain() {
	b.mu.Lock()
	for (b.count > 0 || b.dropped > 0 || b.delivering) && !b.closed {
		b.idle.Wait()
	}
	b.mu.Unlock()
}

// Close stops delivery after the queue empties; idempotent.
func (b *Bus) Close() {
	b.Drain()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.idle.Broadcast()
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) deliverLoop() {
	for {
		b.mu.Lock()
		for b.count == 0 && b.dropped == 0 && !b.closed {
			b.idle.Broadcast()
			b.mu.Unlock()
			select {
			case <-b.wake:
			case <-b.done:
				return
			}
			b.mu.Lock()
		}
		if b.closed && b.count == 0 && b.dropped == 0 {
			b.idle.Broadcast()
			b.mu.Unlock()
			return
		}

		// Report accumulated drops before the next regular delivery so
		// consumers learn about the gap as early as possible.
		if b.dropped > 0 {
			n := b.dropped
			b.dropped = 0
			b.seq++
			statEv := Event{
				Seq:       b.seq,
				Type:      EventsDropped,
				Timestamp: time.Now().UTC(),
				Payload:   DroppedPayload{Dropped: n},
			}
			b.delivering = true
			handlers := b.snapshotLocked(EventsDropped)
			b.mu.Unlock()
			b.logger.Warn("event queue overflow", zap.Int64("dropped", n))
			b.deliver(statEv, handlers)
			b.finishDelivery()
			continue
		}

		ev := b.queue[b.head]
		b.head = (b.head + 1) % len(b.queue)
		b.count--
		b.delivering = true
		handlers := b.snapshotLocked(ev.Type)
		b.mu.Unlock()

		b.deliver(ev, handlers)
		b.finishDelivery()
	}
}

func (b *Bus) finishDelivery() {
	b.mu.Lock()
	b.delivering = false
	b.idle.Broadcast()
	b.mu.Unlock()
}

func (b *Bus) snapshotLocked(t Type) []Handler {
	var out []Handler
	for _, r := range b.handlers {
		if r.eventType == t {
			out = append(out, r.handler)
		}
	}
	return out
}

func (b *Bus) deliver(ev Event, handlers []Handler) {
	for _, h := range handlers {
		b.safeCall(ev, h)
	}
}

func (b *Bus) safeCall(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}
