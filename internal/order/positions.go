package order

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"xor-core/internal/events"
	"xor-core/pkg/exchanges/common"
)

// qtyEpsilon absorbs float residue when a position is fully reduced.
const qtyEpsilon = 1e-9

// lot is one FIFO entry-price tranche of a position.
type lot struct {
	qty   float64
	price float64
}

type bookEntry struct {
	pos  Position
	lots []lot
}

// PositionBook tracks one position per (bot, symbol). Adds in the same
// direction move the weighted-average entry; reductions realize PnL against
// entry lots in FIFO order.
type PositionBook struct {
	mu      sync.Mutex
	entries map[string]*bookEntry
	bus     events.Bus
	log     zerolog.Logger
}

// NewPositionBook creates an empty book. bus may be nil in tests.
func NewPositionBook(bus events.Bus, log zerolog.Logger) *PositionBook {
	return &PositionBook{
		entries: make(map[string]*bookEntry),
		bus:     bus,
		log:     log.With().Str("component", "position-book").Logger(),
	}
}

func posKey(botID, symbol string) string { return botID + "|" + symbol }

func fillDirection(side common.Side) string {
	if side == common.SideBuy {
		return "long"
	}
	return "short"
}

// ApplyFill folds one fill into the book and returns the updated position
// and the PnL realized by the fill. A fill against the position's direction
// reduces it FIFO; excess quantity flips the position.
func (b *PositionBook) ApplyFill(botID, symbol string, side common.Side, qty, price, fee float64, leverage int) (Position, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := posKey(botID, symbol)
	e := b.entries[key]
	dir := fillDirection(side)

	if e == nil || e.pos.Status != PositionOpen {
		e = b.open(key, botID, symbol, dir, qty, price, fee, leverage)
		return e.pos, 0
	}

	if e.pos.Side == dir {
		b.add(e, qty, price, fee)
		b.emit(events.TopicPositionUpdated, e.pos)
		return e.pos, 0
	}

	realized, remainder := b.reduce(e, qty, price, fee)
	if e.pos.Quantity <= qtyEpsilon {
		b.close(key, e, price, "reduced to zero")
		if remainder > qtyEpsilon {
			e = b.open(key, botID, symbol, dir, remainder, price, 0, leverage)
			return e.pos, realized
		}
	} else {
		b.emit(events.TopicPositionUpdated, e.pos)
	}
	return e.pos, realized
}

func (b *PositionBook) open(key, botID, symbol, dir string, qty, price, fee float64, leverage int) *bookEntry {
	e := &bookEntry{
		pos: Position{
			ID:                uuid.NewString(),
			BotID:             botID,
			Symbol:            symbol,
			Side:              dir,
			Status:            PositionOpen,
			Quantity:          qty,
			AverageEntryPrice: price,
			EntryValue:        qty * price,
			CurrentPrice:      price,
			RealizedPnL:       -fee,
			Leverage:          leverage,
			OpenedAt:          time.Now().UTC(),
		},
		lots: []lot{{qty: qty, price: price}},
	}
	b.entries[key] = e
	b.log.Info().Str("bot_id", botID).Str("symbol", symbol).Str("side", dir).
		Float64("qty", qty).Float64("price", price).Msg("position opened")
	b.emit(events.TopicPositionOpened, e.pos)
	return e
}

func (b *PositionBook) add(e *bookEntry, qty, price, fee float64) {
	e.lots = append(e.lots, lot{qty: qty, price: price})
	e.pos.EntryValue += qty * price
	e.pos.Quantity += qty
	e.pos.AverageEntryPrice = e.pos.EntryValue / e.pos.Quantity
	e.pos.RealizedPnL -= fee
	e.pos.CurrentPrice = price
}

// reduce consumes entry lots FIFO and returns the realized PnL plus any
// quantity left over beyond the position size.
func (b *PositionBook) reduce(e *bookEntry, qty, price, fee float64) (realized, remainder float64) {
	remaining := qty
	for remaining > qtyEpsilon && len(e.lots) > 0 {
		l := &e.lots[0]
		take := l.qty
		if take > remaining {
			take = remaining
		}
		if e.pos.Side == "long" {
			realized += (price - l.price) * take
		} else {
			realized += (l.price - price) * take
		}
		l.qty -= take
		remaining -= take
		e.pos.Quantity -= take
		e.pos.EntryValue -= take * l.price
		if l.qty <= qtyEpsilon {
			e.lots = e.lots[1:]
		}
	}
	realized -= fee
	e.pos.RealizedPnL += realized
	e.pos.CurrentPrice = price
	if e.pos.Quantity > qtyEpsilon {
		e.pos.AverageEntryPrice = e.pos.EntryValue / e.pos.Quantity
	}
	return realized, remaining
}

func (b *PositionBook) close(key string, e *bookEntry, price float64, reason string) {
	now := time.Now().UTC()
	e.pos.Quantity = 0
	e.pos.EntryValue = 0
	e.pos.UnrealizedPnL = 0
	e.pos.CurrentPrice = price
	e.pos.Status = PositionClosed
	e.pos.ClosedAt = &now
	e.pos.CloseReason = reason
	e.lots = nil
	b.log.Info().Str("bot_id", e.pos.BotID).Str("symbol", e.pos.Symbol).
		Float64("realized_pnl", e.pos.RealizedPnL).Str("reason", reason).Msg("position closed")
	b.emit(events.TopicPositionClosed, e.pos)
	delete(b.entries, key)
}

// MarkPrice refreshes a position's unrealized PnL at the given mark.
func (b *PositionBook) MarkPrice(botID, symbol string, mark float64) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[posKey(botID, symbol)]
	if e == nil {
		return Position{}, false
	}
	e.pos.CurrentPrice = mark
	if e.pos.Side == "long" {
		e.pos.UnrealizedPnL = (mark - e.pos.AverageEntryPrice) * e.pos.Quantity
	} else {
		e.pos.UnrealizedPnL = (e.pos.AverageEntryPrice - mark) * e.pos.Quantity
	}
	return e.pos, true
}

// CloseAt force-closes a position at the given price, realizing the
// remaining PnL. Used by reconciliation when the venue reports no position.
func (b *PositionBook) CloseAt(botID, symbol string, price float64, reason string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := posKey(botID, symbol)
	e := b.entries[key]
	if e == nil {
		return 0, false
	}
	realized, _ := b.reduce(e, e.pos.Quantity, price, 0)
	b.close(key, e, price, reason)
	return realized, true
}

// Get returns the open position for (bot, symbol), if any.
func (b *PositionBook) Get(botID, symbol string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[posKey(botID, symbol)]
	if e == nil {
		return Position{}, false
	}
	return e.pos, true
}

// Open returns all open positions.
func (b *PositionBook) Open() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.pos)
	}
	return out
}

// OpenByBot returns the bot's open positions.
func (b *PositionBook) OpenByBot(botID string) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Position
	for _, e := range b.entries {
		if e.pos.BotID == botID {
			out = append(out, e.pos)
		}
	}
	return out
}

func (b *PositionBook) emit(topic string, pos Position) {
	if b.bus != nil {
		b.bus.Emit(topic, pos, "")
	}
}
