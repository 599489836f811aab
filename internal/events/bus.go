package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/database"
	"github.com/watzon/funcbox/internal/metrics"
)

// ErrInvalidEvent is returned by Publish for events without an object or
// action.
var ErrInvalidEvent = errors.New("invalid event")

// Handler handles a delivered event.
type Handler func(ctx context.Context, event *Event) error

// BusConfig holds configuration for Bus.
type BusConfig struct {
	// Retention is how long to keep processed events (default: 7 days).
	Retention time.Duration
	// ProcessInterval is how often to poll for pending events (default: 1 second).
	ProcessInterval time.Duration
	// CleanupInterval is how often to delete old events (default: 1 hour).
	CleanupInterval time.Duration
	// BatchSize caps the events handled per round (default: 100).
	BatchSize int
}

func (c *BusConfig) withDefaults() BusConfig {
	var out BusConfig
	if c != nil {
		out = *c
	}
	if out.Retention == 0 {
		out.Retention = 7 * 24 * time.Hour
	}
	if out.ProcessInterval == 0 {
		out.ProcessInterval = time.Second
	}
	if out.CleanupInterval == 0 {
		out.CleanupInterval = time.Hour
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	return out
}

// Bus is a persisted event queue. Published events are delivered to
// subscribers by a background loop, in publication order.
type Bus struct {
	store       *Store
	config      BusConfig
	subscribers map[string][]Handler // key: "object:action"
	mu          sync.RWMutex
	processMu   sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBus creates an event bus over db.
func NewBus(db *database.DB, cfg *BusConfig) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		store:       NewStore(db),
		config:      cfg.withDefaults(),
		subscribers: make(map[string][]Handler),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Store returns the underlying event store.
func (bus *Bus) Store() *Store {
	return bus.store
}

// Start requeues events left in processing by a previous run and begins
// background processing.
func (bus *Bus) Start() {
	if n, err := bus.store.Requeue(bus.ctx); err != nil {
		log.Error().Err(err).Msg("Failed to requeue interrupted events")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("Requeued interrupted events")
	}

	bus.wg.Add(2)
	go bus.processLoop(bus.config.ProcessInterval)
	go bus.cleanupLoop(bus.config.CleanupInterval)
}

// Stop gracefully shuts down the bus. An in-flight round finishes first.
func (bus *Bus) Stop() {
	bus.cancel()
	bus.wg.Wait()
}

// Publish validates event and appends it to the queue.
func (bus *Bus) Publish(ctx context.Context, event *Event) error {
	event.Object = strings.TrimSpace(event.Object)
	event.Action = strings.TrimSpace(event.Action)
	if event.Object == "" || event.Action == "" {
		return fmt.Errorf("%w: object and action are required", ErrInvalidEvent)
	}
	if strings.ContainsAny(event.Object+event.Action, "*?") {
		return fmt.Errorf("%w: %s contains wildcard characters", ErrInvalidEvent, event.Name())
	}

	if err := bus.store.Create(ctx, event); err != nil {
		return fmt.Errorf("creating event: %w", err)
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("event", event.Name()).
		Str("source", event.Source).
		Msg("Event published")

	return nil
}

// Subscribe registers a handler for events matching object and action.
// Use "*" for either to match all.
func (bus *Bus) Subscribe(object, action string, handler Handler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	key := makeKey(object, action)
	bus.subscribers[key] = append(bus.subscribers[key], handler)

	log.Debug().
		Str("object", object).
		Str("action", action).
		Msg("Handler subscribed")
}

// ProcessPending delivers up to one batch of pending events and returns how
// many were processed.
func (bus *Bus) ProcessPending(ctx context.Context) (int, error) {
	bus.processMu.Lock()
	defer bus.processMu.Unlock()

	events, err := bus.store.GetPending(ctx, bus.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("getting pending events: %w", err)
	}

	processed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		ok, err := bus.processEvent(ctx, event)
		if err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID).
				Msg("Failed to process event")
		}
		if ok {
			processed++
		}
	}

	return processed, nil
}

// processEvent claims and delivers a single event. It reports whether the
// event was claimed.
func (bus *Bus) processEvent(ctx context.Context, event *Event) (bool, error) {
	claimed, err := bus.store.Claim(ctx, event.ID)
	if err != nil || !claimed {
		return false, err
	}
	event.Status = StatusProcessing

	handlers := bus.findHandlers(event)

	var errs []error
	for _, handler := range handlers {
		if err := bus.invoke(ctx, handler, event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("event", event.Name()).
				Msg("Handler failed")
			errs = append(errs, err)
		}
	}
	handlerErr := errors.Join(errs...)

	status, msg := StatusCompleted, ""
	if handlerErr != nil {
		status, msg = StatusFailed, handlerErr.Error()
	}

	if err := bus.store.Finish(context.WithoutCancel(ctx), event.ID, status, msg); err != nil {
		return true, fmt.Errorf("updating event status to %s: %w", status, err)
	}
	event.Status, event.Error = status, msg
	metrics.RecordEventProcessed(string(status))

	log.Debug().
		Str("event_id", event.ID).
		Str("event", event.Name()).
		Str("status", string(status)).
		Int("handlers", len(handlers)).
		Msg("Event processed")

	return true, nil
}

func (bus *Bus) invoke(ctx context.Context, handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}

// findHandlers finds all handlers matching the event.
func (bus *Bus) findHandlers(event *Event) []Handler {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	var handlers []Handler
	for _, key := range []string{
		makeKey(event.Object, event.Action),
		makeKey("*", event.Action),
		makeKey(event.Object, "*"),
		makeKey("*", "*"),
	} {
		handlers = append(handlers, bus.subscribers[key]...)
	}
	return handlers
}

func makeKey(object, action string) string {
	return object + ":" + action
}

// Cleanup deletes processed events older than the retention period.
func (bus *Bus) Cleanup(ctx context.Context) (int64, error) {
	return bus.store.DeleteOlderThan(ctx, time.Now().Add(-bus.config.Retention))
}

func (bus *Bus) processLoop(interval time.Duration) {
	defer bus.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-bus.ctx.Done():
			return
		case <-ticker.C:
			if _, err := bus.ProcessPending(bus.ctx); err != nil && bus.ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to process pending events")
			}
		}
	}
}

func (bus *Bus) cleanupLoop(interval time.Duration) {
	defer bus.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-bus.ctx.Done():
			return
		case <-ticker.C:
			n, err := bus.Cleanup(bus.ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old events")
			} else if n > 0 {
				log.Debug().Int64("deleted", n).Msg("Old events cleaned up")
			}
		}
	}
}
