package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
)

// Manager gates new entries on account-level limits: concurrent position
// count and daily drawdown. Realized P&L rolls over at UTC midnight.
type Manager struct {
	mu sync.RWMutex

	cfg          config.RiskConfig
	maxPositions int
	log          zerolog.Logger

	equity        float64
	dailyPnL      float64
	dailyReset    time.Time
	openPositions int
}

// Metrics is a snapshot of the manager's state for the status API.
type Metrics struct {
	Equity           float64 `json:"equity"`
	DailyPnL         float64 `json:"daily_pnl"`
	DailyDrawdownPct float64 `json:"daily_drawdown_pct"`
	OpenPositions    int     `json:"open_positions"`
	MaxPositions     int     `json:"max_positions"`
	MaxRiskPerTrade  float64 `json:"max_risk_per_trade"`
	MaxDailyDrawdown float64 `json:"max_daily_drawdown"`
	CanTrade         bool    `json:"can_trade"`
}

// NewManager creates a risk manager. maxPositions comes from the trading
// config; the rest of the limits from the risk config.
func NewManager(cfg config.RiskConfig, maxPositions int, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		maxPositions: maxPositions,
		log:          log.With().Str("component", "risk").Logger(),
		dailyReset:   time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// UpdateEquity records the latest account equity. Sizing and drawdown checks
// are computed against this value.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

// Equity returns the last recorded account equity.
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// CanOpenPosition reports whether a new entry is allowed, with a reason when
// it is not.
func (m *Manager) CanOpenPosition() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()

	if m.openPositions >= m.maxPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", m.openPositions, m.maxPositions)
	}
	if dd := m.drawdownPctLocked(); dd <= -m.cfg.MaxDailyDrawdown {
		return false, fmt.Sprintf("daily drawdown limit reached (%.2f%%)", dd)
	}
	return true, ""
}

// PositionSize returns the quantity for a new entry given the planned stop.
// When the stop distance is unusable the caller gets 0 and must skip the
// trade.
func (m *Manager) PositionSize(entry, stop float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := SizeByRisk(m.equity, m.cfg.MaxRiskPerTrade, entry, stop)
	if size > 0 {
		m.log.Debug().
			Float64("equity", m.equity).
			Float64("entry", entry).
			Float64("stop", stop).
			Float64("qty", size).
			Msg("position sized")
	}
	return size
}

// RegisterOpen counts a newly opened position against the concurrency limit.
func (m *Manager) RegisterOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions++
}

// RegisterClose releases a position slot and books its realized P&L into the
// daily total.
func (m *Manager) RegisterClose(realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openPositions > 0 {
		m.openPositions--
	}
	m.rolloverLocked()
	m.dailyPnL += realizedPnL

	m.log.Info().
		Float64("realized_pnl", realizedPnL).
		Float64("daily_pnl", m.dailyPnL).
		Int("open_positions", m.openPositions).
		Msg("position closed")
}

// DailyPnL returns realized P&L since the last UTC midnight rollover.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.dailyPnL
}

// OpenPositionCount returns the number of positions counted as open.
func (m *Manager) OpenPositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openPositions
}

// Snapshot returns the current risk metrics.
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()
	dd := m.drawdownPctLocked()
	return Metrics{
		Equity:           m.equity,
		DailyPnL:         m.dailyPnL,
		DailyDrawdownPct: dd,
		OpenPositions:    m.openPositions,
		MaxPositions:     m.maxPositions,
		MaxRiskPerTrade:  m.cfg.MaxRiskPerTrade,
		MaxDailyDrawdown: m.cfg.MaxDailyDrawdown,
		CanTrade:         m.openPositions < m.maxPositions && dd > -m.cfg.MaxDailyDrawdown,
	}
}

func (m *Manager) drawdownPctLocked() float64 {
	if m.equity <= 0 {
		return 0
	}
	return m.dailyPnL / m.equity * 100
}

func (m *Manager) rolloverLocked() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(m.dailyReset) {
		m.log.Info().Float64("daily_pnl", m.dailyPnL).Msg("daily P&L rollover")
		m.dailyPnL = 0
		m.dailyReset = today
	}
}
