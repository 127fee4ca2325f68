// Package cache mirrors live trading state into Redis with graceful
// degradation: when Redis is down, writes are dropped and the system keeps
// trading from the in-memory ledger. Dashboards and external consumers read
// the mirror instead of hitting the bot's API.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perp-trading-bot/config"
)

// Redis keys for mirrored state.
const (
	KeyBalance   = "bot:balance"
	KeyEquity    = "bot:equity"
	KeyPositions = "bot:positions"
	KeyStatus    = "bot:status"
	KeyLastEvent = "bot:last_event"
)

const mirrorTTL = 24 * time.Hour

// Mirror writes trading state snapshots to Redis. All writes are best
// effort; failures flip the mirror into a degraded state that retries on a
// backoff instead of logging every miss.
type Mirror struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
	nextRetry    time.Time
}

// NewMirror connects to Redis. A failed initial ping returns a degraded
// mirror, not an error; the caller keeps running without it.
func NewMirror(cfg config.RedisConfig, log zerolog.Logger) *Mirror {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	m := &Mirror{
		client: client,
		log:    log.With().Str("component", "cache").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.log.Warn().Err(err).Msg("redis unavailable, mirror degraded")
		m.nextRetry = time.Now().Add(30 * time.Second)
		return m
	}

	m.healthy = true
	m.log.Info().Str("address", cfg.Address).Msg("redis connected")
	return m
}

// Healthy reports whether the last Redis operation succeeded.
func (m *Mirror) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Close shuts down the Redis client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// SetBalance mirrors the wallet balance.
func (m *Mirror) SetBalance(ctx context.Context, balance float64) {
	m.set(ctx, KeyBalance, fmt.Sprintf("%.8f", balance))
}

// SetEquity mirrors the current equity.
func (m *Mirror) SetEquity(ctx context.Context, equity float64) {
	m.set(ctx, KeyEquity, fmt.Sprintf("%.8f", equity))
}

// SetStatus mirrors the engine status string (running, halted, stopped).
func (m *Mirror) SetStatus(ctx context.Context, status string) {
	m.set(ctx, KeyStatus, status)
}

// SetPositions mirrors the open position list as JSON.
func (m *Mirror) SetPositions(ctx context.Context, positions interface{}) {
	data, err := json.Marshal(positions)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal positions for mirror")
		return
	}
	m.set(ctx, KeyPositions, string(data))
}

// SetLastEvent mirrors the most recent event as JSON.
func (m *Mirror) SetLastEvent(ctx context.Context, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	m.set(ctx, KeyLastEvent, string(data))
}

func (m *Mirror) set(ctx context.Context, key, value string) {
	m.mu.Lock()
	if !m.healthy && time.Now().Before(m.nextRetry) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	err := m.client.Set(ctx, key, value, mirrorTTL).Err()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failureCount++
		if m.healthy {
			m.log.Warn().Err(err).Str("key", key).Msg("redis write failed, mirror degraded")
		}
		m.healthy = false
		m.nextRetry = time.Now().Add(30 * time.Second)
		return
	}
	if !m.healthy {
		m.log.Info().Msg("redis recovered")
	}
	m.healthy = true
	m.failureCount = 0
}
