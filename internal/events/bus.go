// internal/events/bus.go
package events

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/events"

// DefaultHistorySize is the ring buffer capacity when none is given.
const DefaultHistorySize = 256

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Bus is an in-process publish/subscribe event bus with bounded history.
type Bus struct {
	logger *logging.Logger

	publishCounter metric.Int64Counter
	dropCounter    metric.Int64Counter

	mu      sync.RWMutex
	ring    []Event
	next    int
	full    bool
	subs    map[int]*subscriber
	subSeq  int
	closed  bool
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all types
}

// NewBus creates a bus with the given history capacity.
// historySize <= 0 uses DefaultHistorySize.
func NewBus(historySize int, logger *logging.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = logging.Nop()
	}

	b := &Bus{
		logger: logger,
		ring:   make([]Event, historySize),
		subs:   make(map[int]*subscriber),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	b.publishCounter, err = meter.Int64Counter(
		"taskd.events.published_total",
		metric.WithDescription("Total number of events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create publish counter", zap.Error(err))
	}
	b.dropCounter, err = meter.Int64Counter(
		"taskd.events.dropped_total",
		metric.WithDescription("Events dropped due to slow subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create drop counter", zap.Error(err))
	}

	return b
}

// Publish records the event in history and delivers it to matching
// subscribers. Never blocks: a full subscriber channel drops its oldest
// queued event to make room.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.ring[b.next] = ev
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}

	// Delivery stays under the lock so Subscribe's cancel never closes
	// a channel with a send in flight. Sends are non-blocking.
	dropped := 0
	for _, s := range b.subs {
		if s.types == nil || s.types[ev.Type] {
			dropped += deliver(s.ch, ev)
		}
	}
	b.mu.Unlock()

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(ev.Type)),
		))
	}
	if dropped > 0 && b.dropCounter != nil {
		b.dropCounter.Add(ctx, int64(dropped))
	}
}

// deliver queues ev without blocking, dropping the subscriber's oldest
// queued event when the buffer is full. Returns the number of drops.
func deliver(ch chan Event, ev Event) int {
	dropped := 0
	for {
		select {
		case ch <- ev:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped++
		default:
		}
	}
}

// Subscribe returns a channel receiving events of the given types
// (all types when none are given) and a cancel function. The channel is
// closed on cancel or bus close.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}

	id := b.subSeq
	b.subSeq++
	b.subs[id] = s

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return s.ch, cancel
}

// History returns up to limit recent events, oldest first.
// limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ordered []Event
	if b.full {
		ordered = make([]Event, 0, len(b.ring))
		ordered = append(ordered, b.ring[b.next:]...)
		ordered = append(ordered, b.ring[:b.next]...)
	} else {
		ordered = append(ordered, b.ring[:b.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Close stops delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
