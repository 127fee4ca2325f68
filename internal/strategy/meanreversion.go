package strategy

import (
	"fmt"
	"time"

	"perp-trading-bot/internal/exchange"
)

// MeanReversionConfig configures the RSI mean-reversion strategy.
type MeanReversionConfig struct {
	Symbol     string
	Interval   string
	RSIPeriod  int     // e.g. 14
	Oversold   float64 // long below this, e.g. 30
	Overbought float64 // short above this, e.g. 70
	ATRPeriod  int
	StopATR    float64
	TakeATR    float64
}

// MeanReversion fades RSI extremes: long when oversold, short when
// overbought.
type MeanReversion struct {
	cfg MeanReversionConfig
}

func NewMeanReversion(cfg MeanReversionConfig) *MeanReversion {
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.Oversold <= 0 {
		cfg.Oversold = 30
	}
	if cfg.Overbought <= 0 {
		cfg.Overbought = 70
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.StopATR <= 0 {
		cfg.StopATR = 1.5
	}
	if cfg.TakeATR <= 0 {
		cfg.TakeATR = 2
	}
	return &MeanReversion{cfg: cfg}
}

func (s *MeanReversion) Name() string {
	return fmt.Sprintf("MeanReversion-%s-%s", s.cfg.Symbol, s.cfg.Interval)
}

func (s *MeanReversion) Symbol() string   { return s.cfg.Symbol }
func (s *MeanReversion) Interval() string { return s.cfg.Interval }

func (s *MeanReversion) WarmupPeriod() int {
	warmup := s.cfg.RSIPeriod + 1
	if s.cfg.ATRPeriod+1 > warmup {
		warmup = s.cfg.ATRPeriod + 1
	}
	return warmup
}

func (s *MeanReversion) Evaluate(klines []exchange.Kline, mark float64) (*Signal, error) {
	if len(klines) < s.WarmupPeriod() {
		return None(), nil
	}

	rsi := RSI(klines, s.cfg.RSIPeriod)
	atr := ATR(klines, s.cfg.ATRPeriod)
	if atr == 0 {
		return None(), nil
	}

	if rsi < s.cfg.Oversold {
		return &Signal{
			Type:       SignalBuy,
			Symbol:     s.cfg.Symbol,
			Side:       exchange.SideBuy,
			EntryPrice: mark,
			StopLoss:   mark - atr*s.cfg.StopATR,
			TakeProfit: mark + atr*s.cfg.TakeATR,
			Reason:     fmt.Sprintf("RSI oversold: %.1f", rsi),
			Timestamp:  time.Now(),
		}, nil
	}
	if rsi > s.cfg.Overbought {
		return &Signal{
			Type:       SignalSell,
			Symbol:     s.cfg.Symbol,
			Side:       exchange.SideSell,
			EntryPrice: mark,
			StopLoss:   mark + atr*s.cfg.StopATR,
			TakeProfit: mark - atr*s.cfg.TakeATR,
			Reason:     fmt.Sprintf("RSI overbought: %.1f", rsi),
			Timestamp:  time.Now(),
		}, nil
	}
	return None(), nil
}

var _ Strategy = (*MeanReversion)(nil)
