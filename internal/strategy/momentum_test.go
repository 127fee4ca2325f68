package strategy

import (
	"testing"
	"time"

	"perp-trading-bot/internal/exchange"
)

// candles builds klines with a small high/low range around each close so
// ATR-based strategies get a non-zero range.
func candles(closes ...float64) []exchange.Kline {
	out := make([]exchange.Kline, len(closes))
	now := time.Now()
	for i, c := range closes {
		out[i] = exchange.Kline{
			OpenTime:  now.Add(time.Duration(i-len(closes)) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
			CloseTime: now.Add(time.Duration(i-len(closes)+1) * time.Minute),
		}
	}
	return out
}

func testMomentum() *Momentum {
	return NewMomentum(MomentumConfig{
		Symbol:     "BTCUSDT",
		Interval:   "15m",
		FastPeriod: 3,
		SlowPeriod: 6,
		RSIPeriod:  5,
		RSICeiling: 90,
		RSIFloor:   10,
		ATRPeriod:  3,
		StopATR:    2,
		TakeATR:    3,
	})
}

func TestMomentumBuyOnCrossUp(t *testing.T) {
	// Downtrend keeps fast under slow, then a sharp rally crosses it up on
	// the final candle.
	k := candles(110, 109, 108, 107, 106, 105, 104, 103, 102, 101, 100, 118)
	sig, err := testMomentum().Evaluate(k, 118)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalBuy {
		t.Fatalf("signal = %s, want BUY", sig.Type)
	}
	if sig.Side != exchange.SideBuy {
		t.Errorf("side = %s, want BUY", sig.Side)
	}
	if sig.StopLoss >= 118 {
		t.Errorf("long stop %v not below entry", sig.StopLoss)
	}
	if sig.TakeProfit <= 118 {
		t.Errorf("long target %v not above entry", sig.TakeProfit)
	}
}

func TestMomentumSellOnCrossDown(t *testing.T) {
	k := candles(100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 92)
	sig, err := testMomentum().Evaluate(k, 92)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalSell {
		t.Fatalf("signal = %s, want SELL", sig.Type)
	}
	if sig.StopLoss <= 92 {
		t.Errorf("short stop %v not above entry", sig.StopLoss)
	}
	if sig.TakeProfit >= 92 {
		t.Errorf("short target %v not below entry", sig.TakeProfit)
	}
}

func TestMomentumNoCrossNoSignal(t *testing.T) {
	// Steady uptrend: fast stays above slow the whole way, no fresh cross.
	k := candles(100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111)
	sig, err := testMomentum().Evaluate(k, 111)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Actionable() {
		t.Errorf("unexpected signal: %+v", sig)
	}
}

func TestMomentumWarmup(t *testing.T) {
	sig, err := testMomentum().Evaluate(candles(100, 101), 101)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Actionable() {
		t.Errorf("signal before warmup: %+v", sig)
	}
}

func TestMeanReversionSignals(t *testing.T) {
	s := NewMeanReversion(MeanReversionConfig{
		Symbol:    "ETHUSDT",
		Interval:  "15m",
		RSIPeriod: 5,
		ATRPeriod: 3,
	})

	down := candles(110, 108, 106, 104, 102, 100, 98, 96)
	sig, err := s.Evaluate(down, 96)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalBuy {
		t.Errorf("oversold signal = %s, want BUY", sig.Type)
	}

	up := candles(96, 98, 100, 102, 104, 106, 108, 110)
	sig, err = s.Evaluate(up, 110)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Type != SignalSell {
		t.Errorf("overbought signal = %s, want SELL", sig.Type)
	}

	flat := candles(100, 101, 100, 101, 100, 101, 100, 101)
	sig, err = s.Evaluate(flat, 101)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Actionable() {
		t.Errorf("unexpected signal on flat series: %+v", sig)
	}
}
