package events

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus is the broker-backed transport, used when multiple engine replicas
// must observe the same events. Topic names map directly to NATS subjects;
// a trailing "*" pattern maps to the ">" multi-token wildcard.
type NATSBus struct {
	conn   *nats.Conn
	source string
	log    zerolog.Logger
}

// NewNATSBus connects to a NATS server at url.
func NewNATSBus(url, source string, log zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{
		conn:   conn,
		source: source,
		log:    log.With().Str("component", "nats-bus").Logger(),
	}, nil
}

// wireEnvelope mirrors Envelope with the payload kept raw. Only the
// subscriber knows the concrete payload type, so decoding is deferred to
// DecodeData inside the handler.
type wireEnvelope struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       w.EventID,
		Type:          w.Type,
		Data:          w.Data,
		Timestamp:     w.Timestamp,
		Source:        w.Source,
		CorrelationID: w.CorrelationID,
	}, nil
}

func (b *NATSBus) Publish(topic string, env Envelope) {
	if env.Type == "" {
		env.Type = topic
	}
	payload, err := encodeEnvelope(env)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("marshal event")
		return
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("publish event")
	}
}

func (b *NATSBus) Emit(topic string, data any, correlationID string) {
	b.Publish(topic, Envelope{
		EventID:       uuid.NewString(),
		Type:          topic,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Source:        b.source,
		CorrelationID: correlationID,
	})
}

func (b *NATSBus) Subscribe(pattern string, h Handler) func() {
	subject := pattern
	if strings.HasSuffix(pattern, "*") {
		// NATS "*" matches one token only; ">" matches any suffix, which
		// is the contract our patterns promise.
		subject = strings.TrimSuffix(pattern, "*") + ">"
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("decode event")
			return
		}
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().
					Str("subject", msg.Subject).
					Any("panic", r).
					Msg("event handler panicked")
			}
		}()
		h(env)
	})
	if err != nil {
		b.log.Error().Err(err).Str("pattern", pattern).Msg("subscribe failed")
		return func() {}
	}
	return func() { _ = sub.Unsubscribe() }
}

func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
