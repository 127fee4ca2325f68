// Package strategy turns candle history into trading signals. Strategies are
// pure evaluators: they never touch the exchange, the ledger, or any order
// state, which keeps them trivially testable on canned candles.
package strategy

import (
	"time"

	"perp-trading-bot/internal/exchange"
)

// Strategy evaluates market data for one symbol.
type Strategy interface {
	Name() string
	Symbol() string
	Interval() string

	// Evaluate inspects candle history plus the current mark price and
	// returns a signal. A nil-Type (SignalNone) result means no action.
	Evaluate(klines []exchange.Kline, mark float64) (*Signal, error)

	// WarmupPeriod is the minimum number of candles Evaluate needs.
	WarmupPeriod() int
}

type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalNone SignalType = "NONE"
)

// Signal is a trade proposal. Quantity is left to the risk layer; the
// strategy only proposes direction and protective levels.
type Signal struct {
	Type       SignalType    `json:"type"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	EntryPrice float64       `json:"entry_price"`
	StopLoss   float64       `json:"stop_loss"`
	TakeProfit float64       `json:"take_profit"`
	Reason     string        `json:"reason"`
	Timestamp  time.Time     `json:"timestamp"`
}

// None is the no-action signal.
func None() *Signal {
	return &Signal{Type: SignalNone}
}

// Actionable reports whether the signal proposes a trade.
func (s *Signal) Actionable() bool {
	return s != nil && (s.Type == SignalBuy || s.Type == SignalSell)
}
