package engine

import (
	"context"
	"time"

	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
)

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.TradingConfig.MonitorSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorOnce(ctx)
		}
	}
}

func (e *Engine) monitorOnce(ctx context.Context) {
	// In paper mode the engine drives time: each tick re-prices resting
	// orders and runs the liquidation sweep.
	if e.paper != nil {
		if err := e.paper.ProcessTick(ctx); err != nil {
			e.log.Error().Err(err).Msg("paper tick failed")
		}
	}

	e.syncFills(ctx)
	e.updateTrailingStops(ctx)
	e.publishAccountState(ctx)
}

// syncFills pulls new executions from the exchange and books them into the
// ledger. Detecting a position going flat here is what closes out the trade
// in the risk manager and the breaker.
func (e *Engine) syncFills(ctx context.Context) {
	for _, symbol := range e.cfg.TradingConfig.Symbols {
		fills, err := e.ex.GetUserTrades(ctx, symbol, 100)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("fetch trades failed")
			continue
		}

		e.mu.Lock()
		lastSeen := e.lastTradeID[symbol]
		e.mu.Unlock()

		for _, fill := range fills {
			if fill.TradeID <= lastSeen {
				continue
			}
			e.applyFill(ctx, fill)
			lastSeen = fill.TradeID
		}

		e.mu.Lock()
		e.lastTradeID[symbol] = lastSeen
		e.mu.Unlock()
	}
}

func (e *Engine) applyFill(ctx context.Context, fill exchange.Fill) {
	_, hadPosition := e.led.Position(fill.Symbol)
	realized := e.led.ApplyFill(ctx, fill, e.cfg.TradingConfig.DefaultLeverage)
	_, stillOpen := e.led.Position(fill.Symbol)

	e.bus.Emit(events.EventFill, map[string]interface{}{
		"symbol":       fill.Symbol,
		"side":         string(fill.Side),
		"price":        fill.Price,
		"qty":          fill.Quantity,
		"realized_pnl": realized,
		"liquidation":  fill.Liquidation,
	})
	if fill.Liquidation {
		e.bus.Emit(events.EventLiquidation, map[string]interface{}{
			"symbol": fill.Symbol,
			"price":  fill.Price,
			"qty":    fill.Quantity,
		})
	}

	e.persistOrderStatus(ctx, fill.Symbol, fill.OrderID)

	if hadPosition && !stillOpen {
		e.closeOutTrade(ctx, fill.Symbol, realized)
	}
}

// persistOrderStatus re-reads an order from the exchange and upserts it, so
// the orders table tracks fills and cancellations instead of freezing every
// row at NEW.
func (e *Engine) persistOrderStatus(ctx context.Context, symbol string, orderID int64) {
	if e.repo == nil || orderID == 0 {
		return
	}
	o, err := e.ex.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return
	}
	if err := e.repo.SaveOrder(ctx, *o); err != nil {
		e.log.Error().Err(err).Int64("order_id", orderID).Msg("persist order status failed")
	}
}

func (e *Engine) closeOutTrade(ctx context.Context, symbol string, realized float64) {
	e.risk.RegisterClose(realized)
	e.trail.Untrack(symbol)

	// Snapshot the chain before Release forgets it, then record the final
	// state of every leg: the filled trigger and the canceled survivor.
	chain, hadChain := e.orders.Chain(symbol)
	e.orders.Release(ctx, symbol)
	if hadChain {
		for _, o := range []*exchange.Order{chain.Entry, chain.StopLoss, chain.TakeProfit} {
			if o != nil {
				e.persistOrderStatus(ctx, symbol, o.OrderID)
			}
		}
	}

	pnlPct := 0.0
	if equity := e.risk.Equity(); equity > 0 {
		pnlPct = realized / equity * 100
	}
	e.breaker.RecordTrade(pnlPct)

	e.bus.Emit(events.EventPositionClose, map[string]interface{}{
		"symbol":       symbol,
		"realized_pnl": realized,
		"pnl_percent":  pnlPct,
	})
}

func (e *Engine) updateTrailingStops(ctx context.Context) {
	for _, chain := range e.orders.ActiveChains() {
		mark, err := e.ex.GetMarkPrice(ctx, chain.Symbol)
		if err != nil {
			continue
		}
		upd := e.trail.Observe(chain.Symbol, mark.MarkPrice)
		if upd == nil || upd.Triggered {
			// Triggers are handled by the exchange-side stop order; the
			// trailing tracker only ratchets.
			continue
		}
		if err := e.orders.MoveStop(ctx, chain.Symbol, upd.NewStop); err != nil {
			e.log.Error().Err(err).Str("symbol", chain.Symbol).Msg("move stop failed")
			continue
		}
		e.bus.Emit(events.EventStopMoved, map[string]interface{}{
			"symbol":   chain.Symbol,
			"old_stop": upd.OldStop,
			"new_stop": upd.NewStop,
		})
	}
}

// publishAccountState recomputes equity and feeds it to the risk manager,
// the Redis mirror, and the equity snapshot table.
func (e *Engine) publishAccountState(ctx context.Context) {
	marks := make(map[string]float64)
	for _, pos := range e.led.Positions() {
		mark, err := e.ex.GetMarkPrice(ctx, pos.Symbol)
		if err != nil {
			continue
		}
		marks[pos.Symbol] = mark.MarkPrice
	}

	balance := e.led.Balance()
	equity := e.led.Equity(marks)
	openCount := len(e.led.Positions())
	e.risk.UpdateEquity(equity)

	e.bus.Emit(events.EventBalance, map[string]interface{}{
		"balance": balance,
		"equity":  equity,
	})

	if e.mirror != nil {
		e.mirror.SetBalance(ctx, balance)
		e.mirror.SetEquity(ctx, equity)
		e.mirror.SetPositions(ctx, e.led.Positions())
	}
	if e.repo != nil {
		if err := e.repo.SaveEquitySnapshot(ctx, balance, equity-balance, equity, openCount); err != nil {
			e.log.Error().Err(err).Msg("save equity snapshot failed")
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.TradingConfig.ReconcileSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce diffs the ledger against exchange-reported state and adopts
// the exchange's version of any divergence.
func (e *Engine) reconcileOnce(ctx context.Context) {
	acct, err := e.ex.GetAccountInfo(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("fetch account info failed")
		return
	}
	positions, err := e.ex.GetPositions(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("fetch positions failed")
		return
	}

	drifts := e.led.Reconcile(ctx, acct, positions)
	for _, d := range drifts {
		e.bus.Emit(events.EventDrift, map[string]interface{}{
			"kind":     d.Kind,
			"symbol":   d.Symbol,
			"ledger":   d.Ledger,
			"exchange": d.Exchange,
			"detail":   d.Detail,
		})
	}
}
