package risk

import "math"

// Pure sizing and margin math for USDT-M perpetuals. Everything here is
// stateless so the paper engine, the ledger, and the manager can share one
// set of formulas.

// LiquidationPrice returns the price at which an isolated position's margin
// is exhausted down to the maintenance requirement.
//
// For a long:  entry * (1 - 1/leverage + mmr)
// For a short: entry * (1 + 1/leverage - mmr)
func LiquidationPrice(entry float64, leverage int, mmr float64, isLong bool) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	inv := 1.0 / float64(leverage)
	if isLong {
		p := entry * (1 - inv + mmr)
		if p < 0 {
			return 0
		}
		return p
	}
	return entry * (1 + inv - mmr)
}

// InitialMargin returns the margin locked when opening qty at price with the
// given leverage.
func InitialMargin(price, qty float64, leverage int) float64 {
	if price <= 0 || qty <= 0 || leverage <= 0 {
		return 0
	}
	return price * qty / float64(leverage)
}

// UnrealizedPnL returns the mark-to-market P&L of a signed position amount
// (positive for longs, negative for shorts).
func UnrealizedPnL(entry, mark, positionAmt float64) float64 {
	return (mark - entry) * positionAmt
}

// AverageEntry returns the volume-weighted entry price after adding addQty at
// addPrice to an existing position of curQty at curEntry.
func AverageEntry(curEntry, curQty, addPrice, addQty float64) float64 {
	total := curQty + addQty
	if total <= 0 {
		return 0
	}
	return (curEntry*curQty + addPrice*addQty) / total
}

// SizeByRisk returns the quantity such that losing the full distance from
// entry to stop costs riskPercent of equity. Returns 0 on degenerate input
// (zero stop distance, non-positive equity).
func SizeByRisk(equity, riskPercent, entry, stop float64) float64 {
	if equity <= 0 || riskPercent <= 0 || entry <= 0 || stop <= 0 {
		return 0
	}
	perUnit := math.Abs(entry - stop)
	if perUnit == 0 {
		return 0
	}
	return equity * (riskPercent / 100) / perUnit
}

// SizeByNotional converts a fixed quote-currency notional into a quantity at
// the given price.
func SizeByNotional(notional, price float64) float64 {
	if notional <= 0 || price <= 0 {
		return 0
	}
	return notional / price
}
