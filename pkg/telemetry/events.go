package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// EventSubscriber handles one timeline event.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher fans the run timeline out to subscribers. It implements
// engine.EventPublisher. Subscribers see events in publish order; in async mode
// a single goroutine delivers them so a slow subscriber never reorders the log.
type EventPublisher struct {
	config      EventsConfig
	logger      zerolog.Logger
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup

	// sendMu guards closed and the buffer close against in-flight sends.
	sendMu    sync.RWMutex
	closeOnce sync.Once
	closed    bool
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{
		config: cfg,
		logger: zerolog.Nop(),
	}
	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish implements engine.EventPublisher.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher stopped")
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(ev)
		return nil
	}

	select {
	case ep.buffer <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer until Shutdown closes it.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls every matching subscriber in registration order.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		ep.safeCall(entry.subscriber, event)
	}
}

func (ep *EventPublisher) safeCall(sub EventSubscriber, event engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("Event subscriber panicked")
		}
	}()
	sub(event)
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.closeOnce.Do(func() {
		ep.sendMu.Lock()
		ep.closed = true
		if ep.buffer != nil {
			close(ep.buffer)
		}
		ep.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		"debug":   0,
		"info":    1,
		"warning": 2,
		"error":   3,
	}
	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}
