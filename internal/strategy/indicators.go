package strategy

import (
	"math"

	"perp-trading-bot/internal/exchange"
)

// SMA returns the simple moving average of the last period closes.
func SMA(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average over the full history, seeded
// with an SMA of the first period closes.
func EMA(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	ema := SMA(klines[:period], period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		ema = klines[i].Close*k + ema*(1-k)
	}
	return ema
}

// RSI returns the relative strength index of the last period moves.
// Insufficient history yields the neutral 50.
func RSI(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50
	}

	var gains, losses float64
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// ATR returns the average true range over the last period candles.
func ATR(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		tr := klines[i].High - klines[i].Low
		prevClose := klines[i-1].Close
		tr = math.Max(tr, math.Abs(klines[i].High-prevClose))
		tr = math.Max(tr, math.Abs(klines[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}
