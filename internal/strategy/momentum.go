package strategy

import (
	"fmt"
	"time"

	"perp-trading-bot/internal/exchange"
)

// MomentumConfig configures the EMA-cross momentum strategy.
type MomentumConfig struct {
	Symbol      string
	Interval    string
	FastPeriod  int     // fast EMA, e.g. 9
	SlowPeriod  int     // slow EMA, e.g. 21
	RSIPeriod   int     // e.g. 14
	RSICeiling  float64 // skip longs above this, e.g. 70
	RSIFloor    float64 // skip shorts below this, e.g. 30
	ATRPeriod   int     // e.g. 14
	StopATR     float64 // stop distance in ATR multiples, e.g. 2
	TakeATR     float64 // target distance in ATR multiples, e.g. 3
}

// Momentum trades in the direction of an EMA cross, filtered by RSI to avoid
// chasing exhausted moves. Stops and targets are ATR multiples so they adapt
// to the symbol's volatility.
type Momentum struct {
	cfg MomentumConfig
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 9
	}
	if cfg.SlowPeriod <= 0 {
		cfg.SlowPeriod = 21
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.RSICeiling <= 0 {
		cfg.RSICeiling = 70
	}
	if cfg.RSIFloor <= 0 {
		cfg.RSIFloor = 30
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.StopATR <= 0 {
		cfg.StopATR = 2
	}
	if cfg.TakeATR <= 0 {
		cfg.TakeATR = 3
	}
	return &Momentum{cfg: cfg}
}

func (m *Momentum) Name() string {
	return fmt.Sprintf("Momentum-%s-%s", m.cfg.Symbol, m.cfg.Interval)
}

func (m *Momentum) Symbol() string   { return m.cfg.Symbol }
func (m *Momentum) Interval() string { return m.cfg.Interval }

func (m *Momentum) WarmupPeriod() int {
	warmup := m.cfg.SlowPeriod + 1
	if m.cfg.ATRPeriod+1 > warmup {
		warmup = m.cfg.ATRPeriod + 1
	}
	return warmup
}

func (m *Momentum) Evaluate(klines []exchange.Kline, mark float64) (*Signal, error) {
	if len(klines) < m.WarmupPeriod() {
		return None(), nil
	}

	fast := EMA(klines, m.cfg.FastPeriod)
	slow := EMA(klines, m.cfg.SlowPeriod)
	// Previous-candle EMAs detect the cross itself, not just alignment.
	prevFast := EMA(klines[:len(klines)-1], m.cfg.FastPeriod)
	prevSlow := EMA(klines[:len(klines)-1], m.cfg.SlowPeriod)

	rsi := RSI(klines, m.cfg.RSIPeriod)
	atr := ATR(klines, m.cfg.ATRPeriod)
	if atr == 0 {
		return None(), nil
	}

	crossedUp := prevFast <= prevSlow && fast > slow
	crossedDown := prevFast >= prevSlow && fast < slow

	if crossedUp && rsi < m.cfg.RSICeiling {
		return &Signal{
			Type:       SignalBuy,
			Symbol:     m.cfg.Symbol,
			Side:       exchange.SideBuy,
			EntryPrice: mark,
			StopLoss:   mark - atr*m.cfg.StopATR,
			TakeProfit: mark + atr*m.cfg.TakeATR,
			Reason:     fmt.Sprintf("EMA%d crossed above EMA%d, RSI %.1f", m.cfg.FastPeriod, m.cfg.SlowPeriod, rsi),
			Timestamp:  time.Now(),
		}, nil
	}

	if crossedDown && rsi > m.cfg.RSIFloor {
		return &Signal{
			Type:       SignalSell,
			Symbol:     m.cfg.Symbol,
			Side:       exchange.SideSell,
			EntryPrice: mark,
			StopLoss:   mark + atr*m.cfg.StopATR,
			TakeProfit: mark - atr*m.cfg.TakeATR,
			Reason:     fmt.Sprintf("EMA%d crossed below EMA%d, RSI %.1f", m.cfg.FastPeriod, m.cfg.SlowPeriod, rsi),
			Timestamp:  time.Now(),
		}, nil
	}

	return None(), nil
}

var _ Strategy = (*Momentum)(nil)
