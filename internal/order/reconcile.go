package order

import (
	"context"
	"time"

	"github.com/google/uuid"

	"xor-core/internal/events"
	"xor-core/pkg/exchanges/common"
)

// Reconciler periodically diffs local order and position state against the
// exchange so the pipeline converges after restarts and missed stream
// events. Running it twice with no exchange change mutates nothing.
type Reconciler struct {
	pipeline *Pipeline
	interval time.Duration
}

// NewReconciler creates a reconciler over the pipeline's state.
func NewReconciler(p *Pipeline, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{pipeline: p, interval: interval}
}

// Run reconciles on the configured interval until ctx is cancelled.
// Call Reconcile directly from adapter reconnect hooks.
func (r *Reconciler) Run(ctx context.Context, adapters map[string]common.Adapter) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, a := range adapters {
				if err := r.Reconcile(ctx, name, a); err != nil {
					r.pipeline.log.Error().Err(err).Str("exchange", name).Msg("reconciliation failed")
				}
			}
		}
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	Adopted         int `json:"adopted"`
	CancelledLocal  int `json:"cancelled_local"`
	ClosedPositions int `json:"closed_positions"`
}

// Reconcile diffs one adapter's open orders and positions against local
// state and repairs the differences.
func (r *Reconciler) Reconcile(ctx context.Context, exchange string, adapter common.Adapter) error {
	p := r.pipeline

	remote, err := adapter.GetOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	remoteByClientID := make(map[string]common.OrderResult, len(remote))
	for _, res := range remote {
		if res.ClientOrderID != "" {
			remoteByClientID[res.ClientOrderID] = res
		}
	}

	var report Report

	// Remote-only orders: adopt and attribute via client order id.
	for clientID, res := range remoteByClientID {
		if _, tracked := p.GetOrder(clientID); tracked {
			continue
		}
		if adopted := r.adopt(ctx, exchange, clientID, res); adopted {
			report.Adopted++
		}
	}

	// Local non-terminal orders the exchange no longer knows: cancelled.
	now := time.Now().UTC()
	for _, o := range p.Orders() {
		if o.Exchange != exchange || o.Status.Terminal() || o.Status == StatusPending {
			continue
		}
		if _, open := remoteByClientID[o.ClientOrderID]; open {
			continue
		}
		p.mu.Lock()
		tracked := p.orders[o.ClientOrderID]
		if tracked != nil && CanTransition(tracked.Status, StatusCancelled) {
			tracked.Status = StatusCancelled
			tracked.CancelledAt = &now
			tracked.Reason = "reconciliation: not found on exchange"
			snapshot := *tracked
			p.mu.Unlock()
			p.updateOrder(ctx, snapshot)
			p.bus.Emit(events.TopicOrderCancelled, snapshot, "")
			report.CancelledLocal++
		} else {
			p.mu.Unlock()
		}
	}

	// Local positions the venue no longer reports: close at last mark.
	report.ClosedPositions = r.reconcilePositions(ctx, exchange, adapter)

	if report.Adopted > 0 || report.CancelledLocal > 0 || report.ClosedPositions > 0 {
		p.log.Info().Str("exchange", exchange).Int("adopted", report.Adopted).
			Int("cancelled", report.CancelledLocal).Int("closed_positions", report.ClosedPositions).
			Msg("reconciliation repaired state")
	}
	return nil
}

// adopt creates a local open order row for a remote order we did not track.
func (r *Reconciler) adopt(ctx context.Context, exchange, clientID string, res common.OrderResult) bool {
	p := r.pipeline

	botID, counter, ok := parseClientOrderID(clientID)
	if !ok {
		return false
	}
	b, ok := p.bots.Get(botID)
	if !ok {
		p.log.Warn().Str("client_order_id", clientID).Msg("remote order for unknown bot, leaving untouched")
		return false
	}

	now := time.Now().UTC()
	o := &Order{
		ID:              uuid.NewString(),
		UserID:          b.UserID,
		BotID:           botID,
		Exchange:        exchange,
		ExchangeOrderID: res.ExchangeOrderID,
		ClientOrderID:   clientID,
		Symbol:          res.Symbol,
		Type:            res.Type,
		Side:            res.Side,
		Status:          StatusOpen,
		Quantity:        res.Quantity,
		FilledQuantity:  res.FilledQuantity,
		Price:           res.Price,
		AveragePrice:    res.AveragePrice,
		TimeInForce:     common.TIFGTC,
		Reason:          "adopted by reconciliation",
		CreatedAt:       now,
		SubmittedAt:     &now,
	}

	p.mu.Lock()
	p.orders[clientID] = o
	p.byExchangeID[res.ExchangeOrderID] = clientID
	// Keep the counter ahead of adopted ids so new orders stay unique.
	if counter > p.counters[botID] {
		p.counters[botID] = counter
	}
	snapshot := *o
	p.mu.Unlock()

	p.log.Info().Str("client_order_id", clientID).Str("bot_id", botID).Msg("adopted remote order")
	p.saveOrder(ctx, snapshot)
	p.bus.Emit(events.TopicOrderCreated, snapshot, "")
	return true
}

// reconcilePositions closes local positions the venue no longer reports.
// Spot venues report no positions, so the check only runs on futures.
func (r *Reconciler) reconcilePositions(ctx context.Context, exchange string, adapter common.Adapter) int {
	p := r.pipeline

	if adapter.Market() != common.MarketFutures {
		return 0
	}
	remote, err := adapter.GetPositions(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("exchange", exchange).Msg("position fetch failed during reconciliation")
		return 0
	}
	held := make(map[string]bool, len(remote))
	for _, pos := range remote {
		if pos.Qty != 0 {
			held[pos.Symbol] = true
		}
	}

	closed := 0
	for _, pos := range p.positions.Open() {
		b, ok := p.bots.Get(pos.BotID)
		if !ok || b.Exchange != exchange {
			continue
		}
		if held[pos.Symbol] {
			continue
		}
		realized, ok := p.positions.CloseAt(pos.BotID, pos.Symbol, pos.CurrentPrice, "reconciliation: not held on exchange")
		if !ok {
			continue
		}
		engine := p.risk.GetOrCreate(b.UserID)
		engine.UpdatePosition(pos.Symbol, pos.Side, 0, 0, 0, 1)
		if realized != 0 {
			engine.RecordRealizedPnL(realized)
			p.bots.RecordTrade(pos.BotID, realized)
		}
		closed++
	}
	return closed
}
