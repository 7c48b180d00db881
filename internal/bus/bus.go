// Package bus provides message dispatch between the scheduler, the handlers
// and downstream consumers. The Bus interface is the injected capability;
// InProcessBus is the single-process implementation used by the worker and
// in tests. Delivery is at-least-once: a handler that returns an error is
// redelivered per the retry policy and finally dead-lettered.
package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// ErrNoHandler is returned when a command has no registered handler.
var ErrNoHandler = errors.New("no handler registered for message type")

// HandlerFunc processes one message. Returning an error requests
// redelivery.
type HandlerFunc func(ctx context.Context, msg any) error

// Bus is the messaging contract the core depends on.
type Bus interface {
	// Send routes a command to its registered handler and returns the
	// terminal outcome after the retry policy is exhausted. Returning nil
	// is the acknowledgment.
	Send(ctx context.Context, msg any) error

	// Publish delivers an event to every subscriber of its type. A
	// subscriber error propagates so the caller can rethrow to its own
	// redelivery.
	Publish(ctx context.Context, msg any) error

	// Handle registers the command handler for the concrete type of
	// prototype. One handler per type.
	Handle(prototype any, fn HandlerFunc)

	// Subscribe registers an event subscriber for the concrete type of
	// prototype. Many subscribers per type.
	Subscribe(prototype any, fn HandlerFunc)
}

// RetryPolicy is the redelivery schedule applied by Send: ImmediateRetries
// back-to-back redeliveries, then one per DelayedIntervals entry, then
// dead-letter.
type RetryPolicy struct {
	ImmediateRetries int
	DelayedIntervals []time.Duration
}

// DefaultRetryPolicy is 3 immediate retries, then 2 delayed retries at
// increasing intervals.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ImmediateRetries: 3,
		DelayedIntervals: []time.Duration{5 * time.Second, 30 * time.Second},
	}
}

// DeadLetter is a message whose retries were exhausted.
type DeadLetter struct {
	MessageType string
	Message     any
	LastError   string
	FailedAt    time.Time
}

// InProcessBus routes by concrete message type.
type InProcessBus struct {
	policy RetryPolicy

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	subscribers map[string][]HandlerFunc
	deadLetters []DeadLetter
}

// NewInProcessBus creates a bus with the given retry policy.
func NewInProcessBus(policy RetryPolicy) *InProcessBus {
	return &InProcessBus{
		policy:      policy,
		handlers:    make(map[string]HandlerFunc),
		subscribers: make(map[string][]HandlerFunc),
	}
}

// TypeNameOf returns the routing key for a message: its concrete type name.
func TypeNameOf(msg any) string {
	t := reflect.TypeOf(msg)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}

// Handle implements Bus.
func (b *InProcessBus) Handle(prototype any, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[TypeNameOf(prototype)] = fn
}

// Subscribe implements Bus.
func (b *InProcessBus) Subscribe(prototype any, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := TypeNameOf(prototype)
	b.subscribers[key] = append(b.subscribers[key], fn)
}

// Send implements Bus. Each failed delivery is retried per the policy; on
// exhaustion the message is dead-lettered and the last error returned.
func (b *InProcessBus) Send(ctx context.Context, msg any) error {
	key := TypeNameOf(msg)
	b.mu.RLock()
	handler, ok := b.handlers[key]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, key)
	}

	var lastErr error
	attempts := 1 + b.policy.ImmediateRetries
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if lastErr = handler(ctx, msg); lastErr == nil {
			return nil
		}
	}

	for _, delay := range b.policy.DelayedIntervals {
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(delay):
			lastErr = handler(ctx, msg)
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
	}
	if lastErr == nil {
		return nil
	}

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		MessageType: key,
		Message:     msg,
		LastError:   lastErr.Error(),
		FailedAt:    time.Now().UTC(),
	})
	b.mu.Unlock()

	return fmt.Errorf("message %s dead-lettered: %w", key, lastErr)
}

// Publish implements Bus. Subscribers run in registration order; the first
// error stops delivery and propagates.
func (b *InProcessBus) Publish(ctx context.Context, msg any) error {
	key := TypeNameOf(msg)
	b.mu.RLock()
	subs := append([]HandlerFunc(nil), b.subscribers[key]...)
	b.mu.RUnlock()

	for _, fn := range subs {
		if err := fn(ctx, msg); err != nil {
			return fmt.Errorf("subscriber for %s failed: %w", key, err)
		}
	}
	return nil
}

// DeadLetters returns a copy of the dead-letter queue for operators and
// tests.
func (b *InProcessBus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

// DrainDeadLetters returns and clears the dead-letter queue.
func (b *InProcessBus) DrainDeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.deadLetters
	b.deadLetters = nil
	return out
}

// Recorder captures every event published to the types it is attached to.
// Tests use it to assert emission counts.
type Recorder struct {
	mu     sync.Mutex
	events []any
}

// NewRecorder attaches a recorder to the given prototypes on b.
func NewRecorder(b Bus, prototypes ...any) *Recorder {
	r := &Recorder{}
	for _, p := range prototypes {
		b.Subscribe(p, func(_ context.Context, msg any) error {
			r.mu.Lock()
			r.events = append(r.events, msg)
			r.mu.Unlock()
			return nil
		})
	}
	return r
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

// CountOf returns how many recorded events have the given type name.
func (r *Recorder) CountOf(prototype any) int {
	key := TypeNameOf(prototype)
	n := 0
	for _, e := range r.Events() {
		if TypeNameOf(e) == key {
			n++
		}
	}
	return n
}
