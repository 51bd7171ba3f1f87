package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
	"xor-core/internal/order"
	"xor-core/internal/risk"
)

const gaugeInterval = 15 * time.Second

// PoolSource reports gauge values sampled on an interval.
type PoolSource interface {
	Size() int
}

// UserSource reports how many users have live risk state.
type UserSource interface {
	UserCount() int
}

// Collector feeds SystemMetrics from bus traffic and surfaces risk alerts
// through the logger.
type Collector struct {
	Metrics  *SystemMetrics
	Bus      events.Bus
	Gateways PoolSource
	Users    UserSource
	Log      zerolog.Logger

	unsubs []func()
}

// Start subscribes the collector; Stop tears the subscriptions down.
func (c *Collector) Start(ctx context.Context) {
	log := c.Log.With().Str("component", "monitor").Logger()

	c.unsubs = append(c.unsubs,
		c.Bus.Subscribe(events.TopicMarketTick, func(events.Envelope) {
			c.Metrics.IncrementTicks()
		}),
		c.Bus.Subscribe(events.TopicBotSignal, func(events.Envelope) {
			c.Metrics.IncrementSignals()
		}),
		c.Bus.Subscribe(events.TopicOrderSubmitted, func(env events.Envelope) {
			c.Metrics.IncrementOrdersSubmitted()
			if o, ok := events.DecodeData[order.Order](env); ok && o.LatencyMS > 0 {
				c.Metrics.OrderLatency.Record(float64(o.LatencyMS))
			}
		}),
		c.Bus.Subscribe(events.TopicOrderFilled, func(events.Envelope) {
			c.Metrics.IncrementOrdersFilled()
		}),
		c.Bus.Subscribe(events.TopicOrderError, func(events.Envelope) {
			c.Metrics.IncrementErrors()
		}),
		c.Bus.Subscribe(events.TopicOrderRejected, func(events.Envelope) {
			c.Metrics.IncrementErrors()
		}),
		c.Bus.Subscribe(events.TopicBotError, func(events.Envelope) {
			c.Metrics.IncrementErrors()
		}),
		c.Bus.Subscribe(events.TopicSystemError, func(events.Envelope) {
			c.Metrics.IncrementErrors()
		}),
		c.Bus.Subscribe(events.TopicRiskKillSwitch, func(env events.Envelope) {
			if ev, ok := events.DecodeData[risk.Event](env); ok {
				log.Error().
					Str("trigger", string(ev.Trigger)).
					Str("reason", ev.Reason).
					Strs("affected_bots", ev.AffectedBots).
					Msg("kill switch event")
			}
		}),
		c.Bus.Subscribe(events.TopicRiskAlert, func(env events.Envelope) {
			log.Warn().Interface("alert", env.Data).Msg("risk alert")
		}),
	)

	go c.pollGauges(ctx)
}

func (c *Collector) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var adapters, users int
			if c.Gateways != nil {
				adapters = c.Gateways.Size()
			}
			if c.Users != nil {
				users = c.Users.UserCount()
			}
			c.Metrics.SetPoolCounts(adapters, users)
		}
	}
}

// Stop unsubscribes from the bus.
func (c *Collector) Stop() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}
