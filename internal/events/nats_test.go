package events

import (
	"testing"
	"time"
)

type tickPayload struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func TestEnvelopeWireRoundTripKeepsTypedPayload(t *testing.T) {
	env := Envelope{
		EventID:       "e1",
		Type:          TopicMarketTick,
		Data:          tickPayload{Symbol: "BTCUSDT", Price: 50000},
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Source:        "engine-1",
		CorrelationID: "corr-1",
	}

	payload, err := encodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventID != env.EventID || decoded.Type != env.Type ||
		decoded.Source != env.Source || decoded.CorrelationID != env.CorrelationID {
		t.Fatalf("metadata lost: %+v", decoded)
	}

	tick, ok := DecodeData[tickPayload](decoded)
	if !ok {
		t.Fatalf("payload not decodable after wire round trip: %T", decoded.Data)
	}
	if tick.Symbol != "BTCUSDT" || tick.Price != 50000 {
		t.Fatalf("payload = %+v", tick)
	}
}

func TestDecodeDataPassesThroughConcreteValue(t *testing.T) {
	env := Envelope{Data: tickPayload{Symbol: "ETHUSDT", Price: 3000}}
	tick, ok := DecodeData[tickPayload](env)
	if !ok || tick.Symbol != "ETHUSDT" {
		t.Fatalf("got %+v, %v", tick, ok)
	}
}

func TestDecodeDataRejectsMismatchedPayload(t *testing.T) {
	if _, ok := DecodeData[tickPayload](Envelope{Data: 42}); ok {
		t.Fatal("decoded an int as a tick")
	}
	if _, ok := DecodeData[tickPayload](Envelope{Data: nil}); ok {
		t.Fatal("decoded a nil payload")
	}
}

func TestDecodeDataDecodesRawJSON(t *testing.T) {
	payload, err := encodeEnvelope(Envelope{Data: tickPayload{Symbol: "SOLUSDT", Price: 150}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, isRaw := env.Data.([]byte); isRaw {
		t.Fatal("wire decoder should keep RawMessage, not []byte")
	}
	tick, ok := DecodeData[tickPayload](env)
	if !ok || tick.Price != 150 {
		t.Fatalf("got %+v, %v", tick, ok)
	}
}
