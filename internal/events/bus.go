package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// subBuffer bounds the per-subscription queue. Publishers never block; when
// a subscriber falls this far behind, events are dropped and logged.
const subBuffer = 256

type subscription struct {
	pattern string
	handler Handler
	ch      chan Envelope
	done    chan struct{}
}

// InProcBus is the in-process fan-out transport. Each subscription owns a
// FIFO queue drained by a single goroutine, which preserves per-topic
// publish order per subscriber while letting subscriptions run in parallel.
type InProcBus struct {
	mu     sync.RWMutex
	source string
	log    zerolog.Logger
	subs   []*subscription
	closed bool
}

// NewBus creates an in-process bus. source is stamped onto emitted events.
func NewBus(source string, log zerolog.Logger) *InProcBus {
	return &InProcBus{
		source: source,
		log:    log.With().Str("component", "bus").Logger(),
	}
}

func (b *InProcBus) Subscribe(pattern string, h Handler) func() {
	sub := &subscription{
		pattern: pattern,
		handler: h,
		ch:      make(chan Envelope, subBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.drain(sub)

	return func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.done)
				break
			}
		}
		b.mu.Unlock()
	}
}

// drain runs the subscription's handler serially over its queue. A handler
// panic is logged and swallowed; it must not take down other subscribers.
func (b *InProcBus) drain(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case env := <-sub.ch:
			b.invoke(sub, env)
		}
	}
}

func (b *InProcBus) invoke(sub *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("pattern", sub.pattern).
				Str("topic", env.Type).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	sub.handler(env)
}

func (b *InProcBus) Publish(topic string, env Envelope) {
	if env.Type == "" {
		env.Type = topic
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !Matches(topic, sub.pattern) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.log.Warn().
				Str("pattern", sub.pattern).
				Str("topic", topic).
				Msg("slow subscriber, event dropped")
		}
	}
}

func (b *InProcBus) Emit(topic string, data any, correlationID string) {
	b.Publish(topic, Envelope{
		EventID:       uuid.NewString(),
		Type:          topic,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Source:        b.source,
		CorrelationID: correlationID,
	})
}

func (b *InProcBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.done)
	}
	b.subs = nil
}
