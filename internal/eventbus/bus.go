package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/metrics"
)

var ErrClosed = errors.New("event bus closed")

type Event struct {
	ID         uuid.UUID `json:"id"`
	Topic      Topic     `json:"topic"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

type Handler func(ctx context.Context, evt Event)

// Publisher is the only dependency producers take on the bus.
type Publisher interface {
	Publish(topic Topic, payload any) error
}

// Bus is an in-process dispatcher. Each topic has its own queue and goroutine,
// so delivery is ordered per topic and publishing never blocks on a subscriber.
type Bus struct {
	log *zap.Logger

	mu       sync.Mutex
	topics   map[Topic]*topicQueue
	wildcard []Handler
	closed   bool
	wg       sync.WaitGroup
}

type topicQueue struct {
	topic    Topic
	mu       sync.Mutex
	items    []Event
	handlers []Handler
	notify   chan struct{}
	done     chan struct{}
}

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:    log,
		topics: make(map[Topic]*topicQueue),
	}
}

// Subscribe registers h for one topic. Handlers should be registered at startup.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(topic)
	q.mu.Lock()
	q.handlers = append(q.handlers, h)
	q.mu.Unlock()
}

// SubscribeAll registers h for every topic, present and future. h is invoked
// concurrently from different topic goroutines and must be safe for that.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
	for _, q := range b.topics {
		q.mu.Lock()
		q.handlers = append(q.handlers, h)
		q.mu.Unlock()
	}
}

func (b *Bus) Publish(topic Topic, payload any) error {
	evt := Event{
		ID:         uuid.New(),
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, ErrClosed)
	}
	q := b.queueLocked(topic)
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	b.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	metrics.BusEventsPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

// Close stops accepting events and waits until every queued event is delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.topics {
		close(q.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) queueLocked(topic Topic) *topicQueue {
	if q, ok := b.topics[topic]; ok {
		return q
	}
	q := &topicQueue{
		topic:    topic,
		handlers: append([]Handler(nil), b.wildcard...),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.topics[topic] = q
	b.wg.Add(1)
	go b.run(q)
	return q
}

func (b *Bus) run(q *topicQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-q.notify:
			b.drain(q)
		case <-q.done:
			b.drain(q)
			return
		}
	}
}

func (b *Bus) drain(q *topicQueue) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.items
		q.items = nil
		handlers := append([]Handler(nil), q.handlers...)
		q.mu.Unlock()

		for _, evt := range batch {
			for _, h := range handlers {
				b.dispatch(h, evt)
			}
		}
	}
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusHandlerPanics.WithLabelValues(string(evt.Topic)).Inc()
			b.log.Error("event handler panicked",
				zap.String("topic", string(evt.Topic)),
				zap.String("event_id", evt.ID.String()),
				zap.Any("panic", r),
			)
		}
	}()
	h(context.Background(), evt)
}
