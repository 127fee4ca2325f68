package ledger

import (
	"context"
	"fmt"
	"time"

	"perp-trading-bot/internal/exchange"
)

// Tolerances for drift detection. Quantities below these are rounding noise
// from float math on both sides, not real divergence.
const (
	balanceTolerance  = 0.01  // USDT
	quantityTolerance = 1e-8  // base asset
	priceTolerance    = 0.001 // relative
)

// Drift describes one divergence between the ledger and exchange state.
type Drift struct {
	Kind     string  `json:"kind"` // "balance", "position_missing", "position_stale", "position_qty", "position_entry"
	Symbol   string  `json:"symbol,omitempty"`
	Ledger   float64 `json:"ledger"`
	Exchange float64 `json:"exchange"`
	Detail   string  `json:"detail"`
}

// Reconcile compares the ledger against exchange-reported state and adopts
// the exchange's version wherever they disagree. The exchange is the source
// of truth; the ledger exists to avoid querying it on every read, not to
// overrule it. Returns the drifts that were corrected.
func (l *Ledger) Reconcile(ctx context.Context, acct *exchange.AccountInfo, positions []exchange.PositionInfo) []Drift {
	l.mu.Lock()
	defer l.mu.Unlock()

	var drifts []Drift

	if diff := acct.WalletBalance - l.balance; abs(diff) > balanceTolerance {
		drifts = append(drifts, Drift{
			Kind:     "balance",
			Ledger:   l.balance,
			Exchange: acct.WalletBalance,
			Detail:   fmt.Sprintf("wallet balance off by %.4f", diff),
		})
		delta := acct.WalletBalance - l.balance
		l.balance = acct.WalletBalance
		if l.store != nil {
			if err := l.store.RecordBalance(ctx, l.balance, delta, "reconcile"); err != nil {
				l.log.Error().Err(err).Msg("failed to persist reconciled balance")
			}
		}
	}

	reported := make(map[string]exchange.PositionInfo, len(positions))
	for _, p := range positions {
		if abs(p.PositionAmt) < quantityTolerance {
			continue
		}
		reported[p.Symbol] = p
	}

	// Positions the exchange has that we lost, or whose numbers disagree.
	for sym, ex := range reported {
		pos, ok := l.positions[sym]
		if !ok {
			drifts = append(drifts, Drift{
				Kind:     "position_missing",
				Symbol:   sym,
				Exchange: ex.PositionAmt,
				Detail:   "exchange reports a position the ledger does not have",
			})
			l.adoptLocked(ctx, ex)
			continue
		}
		if abs(pos.PositionAmt-ex.PositionAmt) > quantityTolerance {
			drifts = append(drifts, Drift{
				Kind:     "position_qty",
				Symbol:   sym,
				Ledger:   pos.PositionAmt,
				Exchange: ex.PositionAmt,
				Detail:   "position quantity mismatch",
			})
			l.adoptLocked(ctx, ex)
			continue
		}
		if ex.EntryPrice > 0 && relDiff(pos.EntryPrice, ex.EntryPrice) > priceTolerance {
			drifts = append(drifts, Drift{
				Kind:     "position_entry",
				Symbol:   sym,
				Ledger:   pos.EntryPrice,
				Exchange: ex.EntryPrice,
				Detail:   "entry price mismatch",
			})
			l.adoptLocked(ctx, ex)
		}
	}

	// Positions we think are open that the exchange no longer has.
	for sym, pos := range l.positions {
		if _, ok := reported[sym]; !ok {
			drifts = append(drifts, Drift{
				Kind:   "position_stale",
				Symbol: sym,
				Ledger: pos.PositionAmt,
				Detail: "ledger holds a position the exchange closed",
			})
			delete(l.positions, sym)
			if l.store != nil {
				if err := l.store.DeletePosition(ctx, sym); err != nil {
					l.log.Error().Err(err).Str("symbol", sym).Msg("failed to delete stale position")
				}
			}
		}
	}

	for _, d := range drifts {
		l.log.Warn().
			Str("kind", d.Kind).
			Str("symbol", d.Symbol).
			Float64("ledger", d.Ledger).
			Float64("exchange", d.Exchange).
			Msg("state drift corrected")
	}
	return drifts
}

func (l *Ledger) adoptLocked(ctx context.Context, ex exchange.PositionInfo) {
	now := time.Now()
	pos, ok := l.positions[ex.Symbol]
	if !ok {
		pos = &Position{Symbol: ex.Symbol, OpenedAt: now}
		l.positions[ex.Symbol] = pos
	}
	pos.PositionAmt = ex.PositionAmt
	pos.EntryPrice = ex.EntryPrice
	pos.Leverage = ex.Leverage
	pos.UpdatedAt = now

	if l.store != nil {
		if err := l.store.UpsertPosition(ctx, *pos); err != nil {
			l.log.Error().Err(err).Str("symbol", ex.Symbol).Msg("failed to persist adopted position")
		}
	}
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return abs(a-b) / abs(b)
}
