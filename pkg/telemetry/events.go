package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jiocloud/nodeconverge/pkg/engine"
	"github.com/rs/zerolog"
)

var (
	// ErrBufferFull is returned when the bus queue cannot take an event.
	ErrBufferFull = errors.New("event buffer full, event dropped")

	// ErrBusClosed is returned when publishing after Close.
	ErrBusClosed = errors.New("event bus closed")
)

// EventBus fans run events out to sinks and subscribers. Publish never
// blocks the converger: events are queued and delivered by one goroutine in
// publication order.
type EventBus struct {
	logger zerolog.Logger
	queue  chan *engine.Event
	done   chan struct{}

	mu          sync.RWMutex
	closed      bool
	sinks       []engine.EventPublisher
	subscribers map[*Subscription]struct{}
	bufferSize  int
}

var _ engine.EventPublisher = (*EventBus)(nil)

// Subscription receives the events matching its filter on C. Events are
// dropped when C is not drained fast enough.
type Subscription struct {
	C <-chan *engine.Event

	ch      chan *engine.Event
	filter  engine.EventFilter
	bus     *EventBus
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewEventBus creates a bus and starts its delivery goroutine.
func NewEventBus(cfg EventsConfig, logger zerolog.Logger) *EventBus {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	b := &EventBus{
		logger:      logger.With().Str("component", "event-bus").Logger(),
		queue:       make(chan *engine.Event, size),
		done:        make(chan struct{}),
		subscribers: make(map[*Subscription]struct{}),
		bufferSize:  size,
	}
	go b.run()
	return b
}

// AddSink registers a publisher every event is forwarded to, such as the
// run history store. Sink errors are logged.
func (b *EventBus) AddSink(sink engine.EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe returns a subscription for events matching filter.
func (b *EventBus) Subscribe(filter engine.EventFilter) *Subscription {
	ch := make(chan *engine.Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Publish implements engine.EventPublisher.
func (b *EventBus) Publish(_ context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

func (b *EventBus) run() {
	defer close(b.done)

	for event := range b.queue {
		b.mu.RLock()
		sinks := b.sinks
		subs := make([]*Subscription, 0, len(b.subscribers))
		for sub := range b.subscribers {
			subs = append(subs, sub)
		}
		b.mu.RUnlock()

		for _, sink := range sinks {
			if err := sink.Publish(context.Background(), event); err != nil {
				b.logger.Warn().Err(err).Str("event", event.ID).Msg("Event sink failed")
			}
		}
		for _, sub := range subs {
			sub.deliver(event)
		}
	}

	b.mu.Lock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		sub.close()
	}
	b.mu.Unlock()
}

// Close stops accepting events and waits until queued events have been
// delivered or ctx is done. Subscription channels are closed afterwards.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) deliver(event *engine.Event) {
	if !s.filter.Matches(event) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Dropped returns how many matching events did not fit into C.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe stops delivery and closes C.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
	s.close()
}

// LogSink writes events to a logger at their level.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements engine.EventPublisher.
func (s *LogSink) Publish(_ context.Context, event *engine.Event) error {
	var e *zerolog.Event
	switch event.Level {
	case "error":
		e = s.logger.Error()
	case "warning":
		e = s.logger.Warn()
	default:
		e = s.logger.Info()
	}
	e = e.Str("run_id", event.RunID).Str("event", string(event.Type))
	if event.Resource != "" {
		e = e.Str("resource", event.Resource)
	}
	if len(event.Details) > 0 {
		e = e.Fields(event.Details)
	}
	e.Msg(event.Message)
	return nil
}
