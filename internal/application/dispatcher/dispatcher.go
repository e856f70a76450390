package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kingsway/backoffice-workflow/internal/domain/event"
)

// Handler reacts to one workflow event. Errors are logged by the dispatcher
// and never reach the engine that published the event.
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo describes a subscription. ListHandlers returns it without Handler.
type HandlerInfo struct {
	Name        string
	EventType   event.Type
	Handler     Handler
	Description string
}

// Dispatcher routes domain events to registered handlers
type Dispatcher interface {
	// Subscribe registers a handler for an event type
	Subscribe(eventType event.Type, handler Handler)

	// SubscribeNamed registers a handler with a name for debugging
	SubscribeNamed(eventType event.Type, name string, handler Handler)

	// SubscribeAll registers a handler that observes every event type
	SubscribeAll(name string, handler Handler)

	// Unsubscribe removes a handler by name
	Unsubscribe(eventType event.Type, name string)

	// Dispatch runs every matching handler in registration order and
	// returns the joined handler errors
	Dispatch(ctx context.Context, evt *event.Event) error

	// DispatchAsync runs matching handlers in the background. Handlers keep
	// the context's values but not its cancellation.
	DispatchAsync(ctx context.Context, evt *event.Event)

	// ListHandlers returns registered handlers for an event type
	ListHandlers(eventType event.Type) []HandlerInfo

	// Close shuts down the dispatcher and waits for async handlers
	Close() error
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// subscription is a registered handler; an empty eventType observes every event
type subscription struct {
	HandlerInfo
	all bool
}

type eventDispatcher struct {
	mu     sync.RWMutex
	subs   []subscription
	counts map[event.Type]int
	logger Logger

	// life guards closed against in-flight DispatchAsync calls so that
	// Close never races a pending wg.Add
	life     sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures the dispatcher
type Option func(*eventDispatcher)

// WithLogger sets a logger for the dispatcher
func WithLogger(logger Logger) Option {
	return func(d *eventDispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(opts ...Option) Dispatcher {
	d := &eventDispatcher{counts: make(map[event.Type]int)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *eventDispatcher) Subscribe(eventType event.Type, handler Handler) {
	d.mu.Lock()
	name := fmt.Sprintf("%s-handler-%d", eventType, d.counts[eventType])
	d.mu.Unlock()
	d.SubscribeNamed(eventType, name, handler)
}

func (d *eventDispatcher) SubscribeNamed(eventType event.Type, name string, handler Handler) {
	d.add(subscription{HandlerInfo: HandlerInfo{Name: name, EventType: eventType, Handler: handler}})
	d.logInfo("Handler registered", "event_type", eventType, "handler_name", name)
}

func (d *eventDispatcher) SubscribeAll(name string, handler Handler) {
	d.add(subscription{HandlerInfo: HandlerInfo{Name: name, Handler: handler}, all: true})
	d.logInfo("Observer registered", "handler_name", name)
}

func (d *eventDispatcher) add(s subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, s)
	if !s.all {
		d.counts[s.EventType]++
	}
}

func (d *eventDispatcher) Unsubscribe(eventType event.Type, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.subs[:0]
	for _, s := range d.subs {
		if !s.all && s.EventType == eventType && s.Name == name {
			d.counts[eventType]--
			continue
		}
		kept = append(kept, s)
	}
	d.subs = kept
}

// matching snapshots the handlers for an event: observers first, then typed
// handlers, each group in registration order
func (d *eventDispatcher) matching(eventType event.Type) []HandlerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var observers, typed []HandlerInfo
	for _, s := range d.subs {
		switch {
		case s.all:
			observers = append(observers, s.HandlerInfo)
		case s.EventType == eventType:
			typed = append(typed, s.HandlerInfo)
		}
	}
	return append(observers, typed...)
}

func (d *eventDispatcher) isClosed() bool {
	d.life.RLock()
	defer d.life.RUnlock()
	return d.closed
}

func (d *eventDispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	if d.isClosed() {
		return errors.New("dispatcher is closed")
	}

	var errs []error
	for _, info := range d.matching(evt.Type) {
		if err := d.run(ctx, evt, info); err != nil {
			errs = append(errs, fmt.Errorf("handler %s failed: %w", info.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *eventDispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	d.life.RLock()
	defer d.life.RUnlock()
	if d.closed {
		d.logError("Cannot dispatch async event, dispatcher is closed",
			"event_type", evt.Type,
			"event_id", evt.ID,
		)
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, info := range d.matching(evt.Type) {
		d.inflight.Add(1)
		go func(h HandlerInfo) {
			defer d.inflight.Done()
			_ = d.run(detached, evt, h)
		}(info)
	}
}

func (d *eventDispatcher) ListHandlers(eventType event.Type) []HandlerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []HandlerInfo
	for _, s := range d.subs {
		if s.all || s.EventType != eventType {
			continue
		}
		out = append(out, HandlerInfo{Name: s.Name, EventType: s.EventType, Description: s.Description})
	}
	return out
}

func (d *eventDispatcher) Close() error {
	d.life.Lock()
	if d.closed {
		d.life.Unlock()
		return errors.New("dispatcher already closed")
	}
	d.closed = true
	d.life.Unlock()

	d.logInfo("Closing dispatcher, waiting for async handlers")
	d.inflight.Wait()
	d.logInfo("Dispatcher closed")
	return nil
}

// run executes one handler, turning a panic into an error, and logs failures
func (d *eventDispatcher) run(ctx context.Context, evt *event.Event, info HandlerInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			d.logError("Handler error",
				"event_type", evt.Type,
				"event_id", evt.ID,
				"handler_name", info.Name,
				"error", err,
			)
		}
	}()
	return info.Handler(ctx, evt)
}

func (d *eventDispatcher) logInfo(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Info(msg, kv...)
	}
}

func (d *eventDispatcher) logError(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Error(msg, kv...)
	}
}
