package exchange

import (
	"sync"
	"time"
)

// RateLimiter tracks request weight inside a rolling window. Binance enforces
// weight-based limits per minute; exceeding them risks an IP ban, so the
// client checks its budget before every call.
type RateLimiter struct {
	mu            sync.Mutex
	maxWeight     int
	window        time.Duration
	currentWeight int
	resetAt       time.Time
}

// NewRateLimiter creates a limiter with the given weight budget per window.
func NewRateLimiter(maxWeight int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxWeight: maxWeight,
		window:    window,
		resetAt:   time.Now().Add(window),
	}
}

// Allow records the weight and reports whether the request fits the budget.
func (r *RateLimiter) Allow(weight int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.resetAt) {
		r.currentWeight = 0
		r.resetAt = now.Add(r.window)
	}

	if r.currentWeight+weight > r.maxWeight {
		return false
	}

	r.currentWeight += weight
	return true
}

// Usage returns the current weight, budget, and time until reset.
func (r *RateLimiter) Usage() (current, max int, resetIn time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resetIn = time.Until(r.resetAt)
	if resetIn < 0 {
		resetIn = 0
	}
	return r.currentWeight, r.maxWeight, resetIn
}

// Endpoint weights for the Binance USDT-M Futures API.
var endpointWeights = map[string]int{
	"/fapi/v2/account":       5,
	"/fapi/v2/positionRisk":  5,
	"/fapi/v1/order":         1,
	"/fapi/v1/openOrders":    1,
	"/fapi/v1/allOpenOrders": 1,
	"/fapi/v1/allOrders":     5,
	"/fapi/v1/userTrades":    5,
	"/fapi/v1/klines":        5,
	"/fapi/v1/premiumIndex":  1,
	"/fapi/v1/leverage":      1,
	"/fapi/v1/marginType":    1,
}

func weightFor(path string) int {
	if w, ok := endpointWeights[path]; ok {
		return w
	}
	return 1
}
