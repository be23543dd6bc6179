package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/auramesh/choreo/core"
)

// Subscription is one subscriber's registration: a service name, the set of
// event types it wants, and the bounded queue the dispatcher feeds.
type subscription struct {
	id       string
	service  string
	types    map[EventType]struct{}
	handlers []Handler
	queue    chan Event
	dropped  int64
}

func (s *subscription) matches(event Event) bool {
	if event.TargetService != "" && event.TargetService != s.service {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[event.Type]
	return ok
}

// Bus is the in-process publish/subscribe dispatcher. Each subscriber owns
// a bounded channel; a full channel drops its oldest queued event rather
// than blocking the publisher, trading delivery guarantees for publisher
// throughput the way a telemetry pipeline's async span queue does.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	sink          Sink
	logger        core.Logger
	queueCapacity int

	published         int64
	totalDropped      int64
	handlerLatencySum int64
	handlerCount      int64
}

// Option configures a Bus at construction time.
type Option func(*Bus)

func WithSink(sink Sink) Option {
	return func(b *Bus) { b.sink = sink }
}

func WithLogger(logger core.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCapacity = n
		}
	}
}

// NewBus creates a Bus. With no sink configured, published events are
// stored in an in-memory RingSink holding queueCapacity events.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[string]*subscription),
		logger:        &core.NoOpLogger{},
		queueCapacity: core.DefaultEventQueueCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.sink = NewRingSink(b.queueCapacity)
	}
	return b
}

// Subscribe registers service's interest in the given event types (empty
// types means everything), starts its dispatch goroutine, and returns a
// subscription id usable with Unsubscribe. Each queued event is passed to
// every handler in turn; a handler panic is recovered and logged, and does
// not stop the remaining handlers or affect other subscribers.
func (b *Bus) Subscribe(ctx context.Context, service string, types []EventType, handlers ...Handler) string {
	typeSet := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	sub := &subscription{
		id:       uuid.New().String(),
		service:  service,
		types:    typeSet,
		handlers: handlers,
		queue:    make(chan Event, b.queueCapacity),
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	go b.dispatch(ctx, sub)
	return sub.id
}

// Unsubscribe removes a subscription. Events already queued for it are
// still passed to its handlers; its dispatch goroutine exits once the
// queue drains.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, exists := b.subscriptions[subscriptionID]
	if exists {
		delete(b.subscriptions, subscriptionID)
	}
	b.mu.Unlock()
	if exists {
		close(sub.queue)
	}
}

// Publish assigns an EventID and CreatedAt if unset, persists the event to
// the durable sink, and enqueues a copy for every matching subscriber,
// dropping the oldest queued event for a subscriber whose queue is full.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	atomic.AddInt64(&b.published, 1)

	if err := b.sink.Store(event); err != nil {
		b.logger.WarnWithContext(ctx, "failed to persist event to durable sink", map[string]interface{}{
			"event_id": event.EventID,
			"error":    err.Error(),
		})
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscriptions {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			// Queue full: drop the oldest queued event for this
			// subscriber and make room, rather than block the publisher.
			select {
			case <-sub.queue:
				atomic.AddInt64(&sub.dropped, 1)
				atomic.AddInt64(&b.totalDropped, 1)
			default:
			}
			select {
			case sub.queue <- event:
			default:
			}
		}
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.queue:
			if !ok {
				return
			}
			for _, h := range sub.handlers {
				b.runHandler(ctx, sub, h, event)
			}
		}
	}
}

func (b *Bus) runHandler(ctx context.Context, sub *subscription, h Handler, event Event) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&b.handlerLatencySum, int64(time.Since(start)))
		atomic.AddInt64(&b.handlerCount, 1)
		if r := recover(); r != nil {
			b.logger.ErrorWithContext(ctx, "event handler panicked", map[string]interface{}{
				"service":     sub.service,
				"event_id":    event.EventID,
				"event_type":  string(event.Type),
				"panic":       fmt.Sprintf("%v", r),
				"stack_trace": string(debug.Stack()),
			})
		}
	}()

	if err := h(event); err != nil {
		b.logger.WarnWithContext(ctx, "event handler returned an error", map[string]interface{}{
			"service":     sub.service,
			"event_id":    event.EventID,
			"event_type":  string(event.Type),
			"error":       err.Error(),
			"latency_ms":  time.Since(start).Milliseconds(),
		})
	}
}

// DroppedCount returns how many events have been dropped for subscriptionID
// due to a full queue.
func (b *Bus) DroppedCount(subscriptionID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, exists := b.subscriptions[subscriptionID]; exists {
		return atomic.LoadInt64(&sub.dropped)
	}
	return 0
}

// PublishedCount returns the total number of events published through this
// bus since construction.
func (b *Bus) PublishedCount() int64 {
	return atomic.LoadInt64(&b.published)
}

// Stats is a point-in-time summary consumed by the metrics aggregator.
type Stats struct {
	Published           int64
	TotalDropped         int64
	AverageHandlerLatency time.Duration
}

// Stats returns published/dropped counters and the average handler
// latency observed across every subscriber since construction.
func (b *Bus) Stats() Stats {
	published := atomic.LoadInt64(&b.published)
	dropped := atomic.LoadInt64(&b.totalDropped)
	count := atomic.LoadInt64(&b.handlerCount)
	sum := atomic.LoadInt64(&b.handlerLatencySum)

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(sum / count)
	}
	return Stats{Published: published, TotalDropped: dropped, AverageHandlerLatency: avg}
}
