package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SimulatedFeed is an offline MarketData source driving prices with a random
// walk. It exists for development and tests where neither the live API nor
// the testnet is reachable; mark prices drift a bounded step per call.
type SimulatedFeed struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	step   float64 // max fractional move per tick, e.g. 0.001
}

// Default starting prices for common symbols; unknown symbols start at 100.
var defaultPrices = map[string]float64{
	"BTCUSDT": 50000,
	"ETHUSDT": 3000,
	"BNBUSDT": 500,
	"SOLUSDT": 150,
	"XRPUSDT": 0.60,
}

// NewSimulatedFeed creates a feed seeded for reproducible runs.
func NewSimulatedFeed(seed int64) *SimulatedFeed {
	return &SimulatedFeed{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
		step:   0.001,
	}
}

// SetPrice pins a symbol's current price. Tests use this to force SL/TP and
// liquidation crossings.
func (f *SimulatedFeed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *SimulatedFeed) priceLocked(symbol string) float64 {
	price, ok := f.prices[symbol]
	if !ok {
		price = defaultPrices[symbol]
		if price == 0 {
			price = 100
		}
		f.prices[symbol] = price
	}
	return price
}

func (f *SimulatedFeed) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	price := f.priceLocked(symbol)
	price *= 1 + (f.rng.Float64()*2-1)*f.step
	f.prices[symbol] = price

	now := time.Now()
	return &MarkPrice{
		Symbol:          symbol,
		MarkPrice:       price,
		IndexPrice:      price * 0.9999,
		FundingRate:     0.0001,
		NextFundingTime: now.Add(8 * time.Hour),
		Time:            now,
	}, nil
}

func (f *SimulatedFeed) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	step, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}

	base := f.priceLocked(symbol)
	now := time.Now()
	klines := make([]Kline, limit)
	for i := limit - 1; i >= 0; i-- {
		open := base * (1 + (f.rng.Float64()*2-1)*0.01)
		close := open * (1 + (f.rng.Float64()*2-1)*0.005)
		high := maxf(open, close) * (1 + f.rng.Float64()*0.002)
		low := minf(open, close) * (1 - f.rng.Float64()*0.002)

		klines[limit-1-i] = Kline{
			OpenTime:  now.Add(-time.Duration(i+1) * step),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    100 + f.rng.Float64()*500,
			CloseTime: now.Add(-time.Duration(i) * step),
		}
	}
	return klines, nil
}

func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported interval: %s", interval)
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

var _ MarketData = (*SimulatedFeed)(nil)
