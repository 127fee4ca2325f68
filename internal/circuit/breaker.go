// Package circuit implements a trading circuit breaker. It halts new entries
// after loss streaks, loss-rate limits, or trade-rate limits, then probes
// recovery through a half-open state.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
)

type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // trading halted
	StateHalfOpen State = "half_open" // cooldown elapsed, probing recovery
)

// Stats is a snapshot of the breaker for the status API.
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	HourlyLossPct     float64   `json:"hourly_loss_pct"`
	DailyLossPct      float64   `json:"daily_loss_pct"`
	TradesLastMinute  int       `json:"trades_last_minute"`
	DailyTrades       int       `json:"daily_trades"`
	TripReason        string    `json:"trip_reason,omitempty"`
	LastTripTime      time.Time `json:"last_trip_time,omitempty"`
}

// Breaker tracks per-minute, hourly, and daily trade outcomes against the
// configured limits. Loss inputs are percentages of equity.
type Breaker struct {
	mu  sync.Mutex
	cfg config.CircuitBreakerConfig
	log zerolog.Logger

	state             State
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	tripReason        string
	lastTripTime      time.Time
	minuteReset       time.Time
	hourlyReset       time.Time
	dailyReset        time.Time

	onTrip  func(reason string)
	onReset func()
}

func NewBreaker(cfg config.CircuitBreakerConfig, log zerolog.Logger) *Breaker {
	now := time.Now()
	return &Breaker{
		cfg:         cfg,
		log:         log.With().Str("component", "circuit").Logger(),
		state:       StateClosed,
		minuteReset: now.Add(time.Minute),
		hourlyReset: now.Add(time.Hour),
		dailyReset:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
}

// OnTrip registers a callback invoked (on its own goroutine) when the
// breaker opens.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// OnReset registers a callback invoked when the breaker closes again.
func (b *Breaker) OnReset(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = fn
}

// Allow reports whether a new trade may be opened, with a reason when not.
func (b *Breaker) Allow() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollWindowsLocked()

	if b.state == StateOpen {
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		if elapsed := time.Since(b.lastTripTime); elapsed < cooldown {
			return false, fmt.Sprintf("breaker open, %s cooldown remaining (%s)",
				(cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.log.Info().Msg("breaker half-open, probing recovery")
	}

	if b.hourlyLoss >= b.cfg.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss %.2f%% at limit %.2f%%", b.hourlyLoss, b.cfg.MaxLossPerHour)
	}
	if b.dailyLoss >= b.cfg.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss %.2f%% at limit %.2f%%", b.dailyLoss, b.cfg.MaxDailyLoss)
	}
	if b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return false, fmt.Sprintf("%d consecutive losses", b.consecutiveLosses)
	}
	if b.tradesLastMinute >= b.cfg.MaxTradesPerMinute {
		return false, fmt.Sprintf("%d trades in the last minute", b.tradesLastMinute)
	}
	if b.dailyTrades >= b.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("%d trades today at limit %d", b.dailyTrades, b.cfg.MaxDailyTrades)
	}
	return true, ""
}

// RecordTrade books a closed trade's P&L as a percentage of equity. NaN and
// Inf inputs are ignored so a corrupt quote cannot jam the breaker.
func (b *Breaker) RecordTrade(pnlPercent float64) {
	if !b.cfg.Enabled || math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()
	b.rollWindowsLocked()

	b.tradesLastMinute++
	b.dailyTrades++

	if pnlPercent < 0 {
		b.consecutiveLosses++
		b.hourlyLoss -= pnlPercent
		b.dailyLoss -= pnlPercent
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			b.log.Info().Msg("breaker closed after winning probe trade")
			if b.onReset != nil {
				go b.onReset()
			}
		}
	}

	b.checkTripLocked()
	b.mu.Unlock()
}

func (b *Breaker) checkTripLocked() {
	if b.state == StateOpen {
		return
	}

	var reason string
	switch {
	case b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		reason = fmt.Sprintf("%d consecutive losses", b.consecutiveLosses)
	case b.hourlyLoss >= b.cfg.MaxLossPerHour:
		reason = fmt.Sprintf("hourly loss %.2f%%", b.hourlyLoss)
	case b.dailyLoss >= b.cfg.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss %.2f%%", b.dailyLoss)
	}
	if reason == "" {
		return
	}

	b.state = StateOpen
	b.lastTripTime = time.Now()
	b.tripReason = reason
	b.log.Warn().Str("reason", reason).Msg("circuit breaker tripped")
	if b.onTrip != nil {
		go b.onTrip(reason)
	}
}

func (b *Breaker) rollWindowsLocked() {
	now := time.Now()
	if now.After(b.minuteReset) {
		b.tradesLastMinute = 0
		b.minuteReset = now.Add(time.Minute)
	}
	if now.After(b.hourlyReset) {
		b.hourlyLoss = 0
		b.hourlyReset = now.Add(time.Hour)
	}
	if now.After(b.dailyReset) {
		b.dailyLoss = 0
		b.dailyTrades = 0
		b.dailyReset = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// Reset manually closes the breaker and clears the loss streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	b.log.Info().Msg("circuit breaker manually reset")
	if onReset != nil {
		go onReset()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns current breaker statistics.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:             b.state,
		ConsecutiveLosses: b.consecutiveLosses,
		HourlyLossPct:     b.hourlyLoss,
		DailyLossPct:      b.dailyLoss,
		TradesLastMinute:  b.tradesLastMinute,
		DailyTrades:       b.dailyTrades,
		TripReason:        b.tripReason,
		LastTripTime:      b.lastTripTime,
	}
}
