package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
)

// MultiUserEngine segments risk state by user: one Engine per user_id,
// created on first use with default limits.
type MultiUserEngine struct {
	mu       sync.RWMutex
	engines  map[string]*Engine
	lastSeen map[string]time.Time
	bus      events.Bus
	log      zerolog.Logger
}

func NewMultiUserEngine(bus events.Bus, log zerolog.Logger) *MultiUserEngine {
	return &MultiUserEngine{
		engines:  make(map[string]*Engine),
		lastSeen: make(map[string]time.Time),
		bus:      bus,
		log:      log,
	}
}

// GetOrCreate returns the user's engine, creating one with default limits.
func (m *MultiUserEngine) GetOrCreate(userID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return e
	}
	e := NewEngine(userID, DefaultLimits(), m.bus, m.log)
	m.engines[userID] = e
	m.lastSeen[userID] = time.Now()
	return e
}

// Get returns the user's engine or nil. It never creates one.
func (m *MultiUserEngine) Get(userID string) *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[userID]
}

// Remove drops a user's engine.
func (m *MultiUserEngine) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, userID)
	delete(m.lastSeen, userID)
}

// Snapshots returns portfolio metrics for every tracked user at the given
// equity lookups. Users without a lookup entry are skipped.
func (m *MultiUserEngine) Snapshots(equity map[string]float64) map[string]PortfolioRisk {
	m.mu.RLock()
	engines := make(map[string]*Engine, len(m.engines))
	for id, e := range m.engines {
		engines[id] = e
	}
	m.mu.RUnlock()

	out := make(map[string]PortfolioRisk)
	for id, e := range engines {
		if eq, ok := equity[id]; ok {
			out[id] = e.CalculatePortfolioRisk(eq)
		}
	}
	return out
}

// UserCount returns the number of tracked users.
func (m *MultiUserEngine) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.engines)
}
