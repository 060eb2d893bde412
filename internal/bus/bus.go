// Package bus implements the publish-subscribe fabric that carries
// lifecycle notifications between the core and its collaborators.
package bus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrQueueFull is returned by Publish when the bounded event queue is at
// capacity. Publishing never blocks.
var ErrQueueFull = errors.New("event queue full")

// DefaultCapacity bounds the event queue when no capacity is configured.
const DefaultCapacity = 1000

// Callback receives a delivered event. Callbacks run synchronously on
// the consumer goroutine; a slow callback delays subsequent deliveries.
type Callback func(models.Event)

// Bus delivers events to subscribers of their type in FIFO publish
// order. The priority field on an event is advisory metadata only.
// Start must be called before published events are delivered.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uintptr]Callback

	queue chan models.Event
	done  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	log *zap.Logger
}

// New creates a Bus with the given queue capacity. A capacity of zero or
// less falls back to DefaultCapacity.
func New(capacity int, log *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string]map[uintptr]Callback),
		queue:       make(chan models.Event, capacity),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Start launches the single consumer goroutine. Calling Start more than
// once has no effect.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.consume()
	})
}

// Stop shuts the consumer down and waits for it to drain the event it is
// currently delivering. Events still queued are discarded.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

// Subscribe registers a callback for an event type. Subscribing the same
// callback twice for the same type has no additional effect.
func (b *Bus) Subscribe(eventType string, cb Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[eventType]
	if !ok {
		subs = make(map[uintptr]Callback)
		b.subscribers[eventType] = subs
	}
	subs[callbackKey(cb)] = cb
}

// Unsubscribe removes a callback from an event type. Removing a callback
// that is not subscribed is a no-op.
func (b *Bus) Unsubscribe(eventType string, cb Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[eventType]; ok {
		delete(subs, callbackKey(cb))
		if len(subs) == 0 {
			delete(b.subscribers, eventType)
		}
	}
}

// Publish enqueues an event for delivery, assigning an ID and timestamp
// if absent. Returns ErrQueueFull when the queue is at capacity.
func (b *Bus) Publish(e models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case b.queue <- e:
		return nil
	default:
		return fmt.Errorf("%w: dropping event %s", ErrQueueFull, e.Type)
	}
}

// QueueDepth reports the number of events awaiting delivery.
func (b *Bus) QueueDepth() int {
	return len(b.queue)
}

// SubscriberCount reports the number of callbacks subscribed to the
// given event type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Clear drains queued events without delivering them.
func (b *Bus) Clear() int {
	cleared := 0
	for {
		select {
		case <-b.queue:
			cleared++
		default:
			return cleared
		}
	}
}

// consume is the single delivery loop.
func (b *Bus) consume() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case e := <-b.queue:
			b.deliver(e)
		}
	}
}

// deliver invokes every subscriber of the event's type. A panicking
// callback is logged and does not block delivery to the rest.
func (b *Bus) deliver(e models.Event) {
	b.mu.RLock()
	callbacks := make([]Callback, 0, len(b.subscribers[e.Type]))
	for _, cb := range b.subscribers[e.Type] {
		callbacks = append(callbacks, cb)
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		b.invoke(e, cb)
	}
}

func (b *Bus) invoke(e models.Event, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked",
				zap.String("event_type", e.Type),
				zap.String("event_id", e.ID),
				zap.Any("panic", r))
		}
	}()
	cb(e)
}

// callbackKey derives the identity used for idempotent subscription.
// Two references to the same function value share a key.
func callbackKey(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}
