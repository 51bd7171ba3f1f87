// Package gateway hands out connected exchange adapters per bot, caching
// them per credential so many bots share one authenticated client.
package gateway

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/bot"
	"xor-core/pkg/config"
	"xor-core/pkg/db"
	"xor-core/pkg/exchanges/common"
)

// CredentialSource resolves stored API key pairs. Satisfied by
// *db.UserQueries.
type CredentialSource interface {
	GetCredentialByID(ctx context.Context, userID, credentialID string) (*db.Credential, error)
}

// Decryptor recovers plaintext API secrets. Satisfied by
// *crypto.KeyManager.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Config tunes the adapter cache.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	CleanupInterval  time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
	ConnectTimeout   time.Duration
}

// DefaultConfig matches a single-host deployment with up to a hundred
// distinct credentials.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		CleanupInterval:  5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
		ConnectTimeout:   15 * time.Second,
	}
}

type entry struct {
	adapter  common.Adapter
	key      string
	lastUsed time.Time
	elem     *list.Element
}

type breaker struct {
	failures  int
	openUntil time.Time
}

// Manager caches connected adapters keyed by (user, exchange, market,
// credential) with LRU eviction and a per-key circuit breaker on connect
// failures.
type Manager struct {
	cfg     Config
	keys    *config.Config
	creds   CredentialSource
	decrypt Decryptor
	factory Factory
	log     zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used
	breakers map[string]*breaker
}

// NewManager wires the adapter cache. creds and decrypt may be nil when
// only process-level keys are in use.
func NewManager(cfg Config, keys *config.Config, creds CredentialSource, decrypt Decryptor, factory Factory, log zerolog.Logger) *Manager {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	if factory == nil {
		factory = DefaultFactory
	}
	return &Manager{
		cfg:      cfg,
		keys:     keys,
		creds:    creds,
		decrypt:  decrypt,
		factory:  factory,
		log:      log.With().Str("component", "gateway").Logger(),
		entries:  make(map[string]*entry),
		lru:      list.New(),
		breakers: make(map[string]*breaker),
	}
}

// AdapterFor returns a connected adapter for the bot, creating and caching
// one on first use.
func (m *Manager) AdapterFor(b bot.Bot) (common.Adapter, error) {
	key := cacheKey(b)

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastUsed = time.Now()
		m.lru.MoveToFront(e.elem)
		m.mu.Unlock()
		return e.adapter, nil
	}
	if br, ok := m.breakers[key]; ok && time.Now().Before(br.openUntil) {
		m.mu.Unlock()
		return nil, fmt.Errorf("gateway circuit open for %s until %s", key, br.openUntil.Format(time.RFC3339))
	}
	m.mu.Unlock()

	spec, err := m.resolveCredentials(b)
	if err != nil {
		return nil, err
	}

	adapter, err := m.factory(spec, m.log)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", b.Exchange, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := adapter.Connect(ctx); err != nil {
		m.recordFailure(key)
		return nil, fmt.Errorf("connect %s: %w", b.Exchange, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, key)
	if e, ok := m.entries[key]; ok {
		// Lost the race; keep the first connection.
		go adapter.Disconnect()
		e.lastUsed = time.Now()
		m.lru.MoveToFront(e.elem)
		return e.adapter, nil
	}
	e := &entry{adapter: adapter, key: key, lastUsed: time.Now()}
	e.elem = m.lru.PushFront(e)
	m.entries[key] = e
	m.evictLocked()
	m.log.Info().Str("key", key).Int("cached", len(m.entries)).Msg("adapter connected")
	return adapter, nil
}

// AdapterSpec is everything the factory needs to build a client.
type AdapterSpec struct {
	Exchange  string
	Market    common.MarketType
	APIKey    string
	APISecret string
	Testnet   bool
}

func (m *Manager) resolveCredentials(b bot.Bot) (AdapterSpec, error) {
	spec := AdapterSpec{Exchange: b.Exchange, Market: b.MarketType}

	if b.CredentialID != "" {
		if m.creds == nil || m.decrypt == nil {
			return spec, fmt.Errorf("bot %s references credential %s but credential storage is not configured", b.ID, b.CredentialID)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cred, err := m.creds.GetCredentialByID(ctx, b.UserID, b.CredentialID)
		if err != nil {
			return spec, fmt.Errorf("load credential %s: %w", b.CredentialID, err)
		}
		if !cred.IsActive {
			return spec, fmt.Errorf("credential %s is disabled", b.CredentialID)
		}
		apiKey, err := m.decrypt.Decrypt(cred.APIKeyEncrypted)
		if err != nil {
			return spec, fmt.Errorf("decrypt api key: %w", err)
		}
		secret, err := m.decrypt.Decrypt(cred.APISecretEncrypted)
		if err != nil {
			return spec, fmt.Errorf("decrypt api secret: %w", err)
		}
		spec.APIKey, spec.APISecret = apiKey, secret
		return spec, nil
	}

	if m.keys == nil {
		return spec, fmt.Errorf("no credential for bot %s and no process-level keys", b.ID)
	}
	var keys config.ExchangeKeys
	switch b.Exchange {
	case "binance":
		keys = m.keys.Binance
	case "bybit":
		keys = m.keys.Bybit
	default:
		return spec, fmt.Errorf("unsupported exchange %q", b.Exchange)
	}
	if keys.APIKey == "" {
		return spec, fmt.Errorf("no API key configured for %s", b.Exchange)
	}
	spec.APIKey, spec.APISecret, spec.Testnet = keys.APIKey, keys.APISecret, keys.Testnet
	return spec, nil
}

func (m *Manager) recordFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	br := m.breakers[key]
	if br == nil {
		br = &breaker{}
		m.breakers[key] = br
	}
	br.failures++
	if br.failures >= m.cfg.FailureThreshold {
		br.openUntil = time.Now().Add(m.cfg.CircuitTimeout)
		br.failures = 0
		m.log.Warn().Str("key", key).Dur("timeout", m.cfg.CircuitTimeout).Msg("gateway circuit opened")
	}
}

func (m *Manager) evictLocked() {
	for len(m.entries) > m.cfg.MaxSize {
		back := m.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		m.removeLocked(e)
		m.log.Info().Str("key", e.key).Msg("adapter evicted (capacity)")
	}
}

func (m *Manager) removeLocked(e *entry) {
	m.lru.Remove(e.elem)
	delete(m.entries, e.key)
	go e.adapter.Disconnect()
}

// Run evicts idle adapters until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupIdle()
		}
	}
}

func (m *Manager) cleanupIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			m.removeLocked(e)
			m.log.Info().Str("key", e.key).Msg("adapter evicted (idle)")
		}
	}
}

// Size returns the number of cached adapters.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close disconnects every cached adapter.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.lru.Init()
	m.mu.Unlock()

	for _, e := range entries {
		e.adapter.Disconnect()
	}
}

func cacheKey(b bot.Bot) string {
	cred := b.CredentialID
	if cred == "" {
		cred = "process"
	}
	return fmt.Sprintf("%s|%s|%s|%s", b.UserID, b.Exchange, b.MarketType, cred)
}
