package bot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
)

// Registry is the in-memory bot store. Bots are soft-deleted so their
// history stays resolvable after removal.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*Bot
	bus  events.Bus
	log  zerolog.Logger
}

// NewRegistry creates an empty registry. bus may be nil in tests.
func NewRegistry(bus events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		bots: make(map[string]*Bot),
		bus:  bus,
		log:  log.With().Str("component", "bot-registry").Logger(),
	}
}

// Create validates and stores a new bot in status created.
func (r *Registry) Create(b *Bot) error {
	if err := b.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.bots[b.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("bot %s already exists", b.ID)
	}
	now := time.Now().UTC()
	b.Status = StatusCreated
	b.CreatedAt = now
	b.UpdatedAt = now
	r.bots[b.ID] = b
	r.mu.Unlock()

	r.log.Info().Str("bot_id", b.ID).Str("user_id", b.UserID).
		Str("strategy", b.StrategyID).Str("symbol", b.Symbol).Msg("bot created")
	if r.bus != nil {
		r.bus.Emit(events.TopicBotCreated, *b, "")
	}
	return nil
}

// Get returns a copy of the bot, including soft-deleted ones.
func (r *Registry) Get(id string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[id]
	if !ok {
		return Bot{}, false
	}
	return *b, true
}

// List returns copies of all live bots, ordered by id.
func (r *Registry) List() []Bot {
	r.mu.RLock()
	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		if !b.Deleted {
			out = append(out, *b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByUser returns copies of the user's live bots, ordered by id.
func (r *Registry) ListByUser(userID string) []Bot {
	r.mu.RLock()
	var out []Bot
	for _, b := range r.bots {
		if !b.Deleted && b.UserID == userID {
			out = append(out, *b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus moves a bot through its lifecycle, rejecting invalid moves.
func (r *Registry) SetStatus(id string, to Status) error {
	r.mu.Lock()
	b, ok := r.bots[id]
	if !ok || b.Deleted {
		r.mu.Unlock()
		return fmt.Errorf("bot %s not found", id)
	}
	from := b.Status
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("bot %s: invalid transition %s -> %s", id, from, to)
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	snapshot := *b
	r.mu.Unlock()

	r.log.Info().Str("bot_id", id).Str("from", string(from)).Str("to", string(to)).Msg("bot status changed")
	if r.bus != nil {
		switch to {
		case StatusRunning:
			r.bus.Emit(events.TopicBotStarted, snapshot, "")
		case StatusStopped, StatusKilled:
			r.bus.Emit(events.TopicBotStopped, snapshot, "")
		}
	}
	return nil
}

// UpdateConfig replaces a bot's mutable configuration. Rejected while the
// bot is active; stop it first.
func (r *Registry) UpdateConfig(id string, apply func(*Bot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok || b.Deleted {
		return fmt.Errorf("bot %s not found", id)
	}
	switch b.Status {
	case StatusCreated, StatusStopped, StatusError, StatusKilled:
	default:
		return fmt.Errorf("bot %s: cannot reconfigure while %s", id, b.Status)
	}

	updated := *b
	apply(&updated)
	updated.ID = b.ID
	updated.UserID = b.UserID
	updated.Status = b.Status
	updated.Stats = b.Stats
	updated.CreatedAt = b.CreatedAt
	if err := updated.Validate(); err != nil {
		return err
	}
	updated.UpdatedAt = time.Now().UTC()
	*b = updated
	return nil
}

// RecordTrade folds a closed trade into the bot's performance counters.
func (r *Registry) RecordTrade(id string, pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return
	}
	b.Stats.Trades++
	if pnl > 0 {
		b.Stats.Wins++
	}
	b.Stats.TotalPnL += pnl
	b.UpdatedAt = time.Now().UTC()
}

// ObserveBalance refreshes a bot's peak balance and drawdown counters.
func (r *Registry) ObserveBalance(id string, balance float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok {
		return
	}
	if balance > b.Stats.PeakBalance {
		b.Stats.PeakBalance = balance
	}
	if b.Stats.PeakBalance > 0 {
		dd := (b.Stats.PeakBalance - balance) / b.Stats.PeakBalance * 100
		if dd > b.Stats.Drawdown {
			b.Stats.Drawdown = dd
		}
	}
}

// Delete soft-deletes a bot. Active bots must be stopped first.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[id]
	if !ok || b.Deleted {
		return fmt.Errorf("bot %s not found", id)
	}
	switch b.Status {
	case StatusRunning, StatusStarting, StatusPaused, StatusStopping:
		return fmt.Errorf("bot %s: cannot delete while %s", id, b.Status)
	}
	b.Deleted = true
	b.UpdatedAt = time.Now().UTC()
	return nil
}
