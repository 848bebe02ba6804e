// Package events is a small typed pub/sub used for store change notifications
// and coordinator lifecycle events.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
	emitTimeout  time.Duration
	logger       *slog.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets a structured logger for handler errors
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// WithSyncDelivery runs handlers inline on the event loop goroutine, so every
// subscriber sees events in emit order and never concurrently.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// WithEmitTimeout bounds how long Emit waits for buffer space.
func WithEmitTimeout(d time.Duration) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.emitTimeout = d
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

// Subject fans events out to topic subscribers from a single loop goroutine.
type Subject struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscription
	nextSubID   atomic.Int64

	events   chan event
	shutdown chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	config subjectConfig
}

// NewSubject creates a new Subject and starts its loop.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		bufferSize:  256,
		emitTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subscribers: make(map[string]map[string]Subscription),
		events:      make(chan event, cfg.bufferSize),
		shutdown:    make(chan struct{}),
		config:      cfg,
	}
	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit emits an event to the given topic.
func Emit[T any](s *Subject, topic string, value T) error {
	if s.closed.Load() {
		return fmt.Errorf("emit %s: subject completed", topic)
	}
	select {
	case s.events <- event{topic: topic, message: value}:
		return nil
	case <-s.shutdown:
		return fmt.Errorf("emit %s: subject completed", topic)
	case <-time.After(s.config.emitTimeout):
		return fmt.Errorf("emit %s: buffer full", topic)
	}
}

// Subscribe subscribes a typed handler to the given topic.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
		}
		return handler(ctx, typed)
	})

	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, s.nextSubID.Add(1)),
		Handler: wrapped,
	}
	sub.Unsubscribe = func() { s.remove(sub.Topic, sub.ID) }

	s.mu.Lock()
	if s.subscribers[topic] == nil {
		s.subscribers[topic] = make(map[string]Subscription)
	}
	s.subscribers[topic][sub.ID] = sub
	s.mu.Unlock()
	return sub
}

// Complete stops the loop. Idempotent.
func Complete(s *Subject) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Subject) remove(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subscribers[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.subscribers, topic)
	}
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.mu.RLock()
			subs := make([]Subscription, 0, len(s.subscribers[evt.topic]))
			for _, sub := range s.subscribers[evt.topic] {
				subs = append(subs, sub)
			}
			s.mu.RUnlock()

			for _, sub := range subs {
				s.deliver(sub, evt)
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil && s.config.logger != nil {
			s.config.logger.Debug("event handler error",
				"topic", evt.topic,
				"error", err,
				"subscription_id", sub.ID)
		}
	}
	if s.config.syncDelivery {
		run()
	} else {
		go run()
	}
}
