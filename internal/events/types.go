package events

import (
	"time"

	json "github.com/goccy/go-json"
)

// Topic names are stable; external collaborators subscribe by these.
const (
	TopicMarketTick      = "market.tick"
	TopicMarketOrderbook = "market.orderbook"
	TopicMarketTrade     = "market.trade"
	TopicMarketKline     = "market.kline"
	TopicMarketReset     = "market.reset"

	TopicBotCreated = "bot.created"
	TopicBotStarted = "bot.started"
	TopicBotStopped = "bot.stopped"
	TopicBotError   = "bot.error"
	TopicBotSignal  = "bot.signal"

	TopicOrderCreated   = "order.created"
	TopicOrderSubmitted = "order.submitted"
	TopicOrderFilled    = "order.filled"
	TopicOrderPartial   = "order.partial"
	TopicOrderCancelled = "order.cancelled"
	TopicOrderRejected  = "order.rejected"
	TopicOrderError     = "order.error"

	TopicPositionOpened          = "position.opened"
	TopicPositionClosed          = "position.closed"
	TopicPositionUpdated         = "position.updated"
	TopicPositionLiquidationRisk = "position.liquidation_risk"

	TopicRiskAlert         = "risk.alert"
	TopicRiskLimitExceeded = "risk.limit_exceeded"
	TopicRiskKillSwitch    = "risk.kill_switch"

	TopicSystemHealth = "system.health"
	TopicSystemError  = "system.error"
)

// MarketReset is published when a stream reconnects after losing data;
// strategies on the symbol reinitialize instead of trusting stale state.
type MarketReset struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Stream   string `json:"stream"`
}

// Envelope is the fixed wire format for every event on the bus.
type Envelope struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	Data          any       `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// DecodeData extracts a typed payload from an envelope. In-process delivery
// carries the concrete value; an envelope that crossed a broker carries the
// payload as raw JSON instead, decoded here on demand. Subscribers must use
// this rather than asserting on Data directly, or broker-delivered events
// would be dropped.
func DecodeData[T any](env Envelope) (T, bool) {
	if v, ok := env.Data.(T); ok {
		return v, true
	}
	if raw, ok := env.Data.(json.RawMessage); ok {
		var out T
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, true
		}
	}
	var zero T
	return zero, false
}

// Handler consumes events delivered to a subscription. Handlers for the same
// subscription run serially in publish order; handlers across subscriptions
// run concurrently.
type Handler func(Envelope)

// Bus is a topic pub/sub fabric. Patterns are exact topic names or a prefix
// with a single trailing "*" after the dot (e.g. "order.*").
type Bus interface {
	// Publish delivers an already-built envelope to all matching
	// subscriptions. It returns after enqueueing, not after handlers run.
	Publish(topic string, env Envelope)
	// Emit builds an envelope around data, stamping event id, source and
	// timestamp, then publishes it. correlationID may be empty.
	Emit(topic string, data any, correlationID string)
	// Subscribe registers a handler for a pattern and returns an
	// unsubscribe function.
	Subscribe(pattern string, h Handler) (unsubscribe func())
	Close()
}

// Matches reports whether topic matches pattern. A pattern either names a
// topic exactly or ends in "*", which matches any suffix.
func Matches(topic, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return topic == pattern
}
