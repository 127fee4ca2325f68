package engine

import (
	"context"
	"errors"
	"fmt"

	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
)

// EmergencyStop halts trading, cancels every open order, and market-closes
// every position. After it returns successfully the exchange holds zero
// orders and zero positions for the configured symbols.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.halted = true
	e.haltReason = reason
	e.mu.Unlock()

	e.log.Warn().Str("reason", reason).Msg("EMERGENCY STOP")

	var failures []error
	for _, symbol := range e.cfg.TradingConfig.Symbols {
		if err := e.ex.CancelAllOrders(ctx, symbol); err != nil {
			failures = append(failures, fmt.Errorf("cancel orders %s: %w", symbol, err))
		}
	}

	positions, err := e.ex.GetPositions(ctx)
	if err != nil {
		failures = append(failures, fmt.Errorf("fetch positions: %w", err))
	} else {
		for _, pos := range positions {
			if pos.PositionAmt == 0 {
				continue
			}
			if err := e.flattenPosition(ctx, pos); err != nil {
				failures = append(failures, fmt.Errorf("close %s: %w", pos.Symbol, err))
			}
		}
	}

	// Local trackers follow the exchange down.
	for _, chain := range e.orders.ActiveChains() {
		e.orders.Release(ctx, chain.Symbol)
		e.trail.Untrack(chain.Symbol)
	}

	e.bus.Emit(events.EventEmergencyStop, map[string]interface{}{
		"reason":   reason,
		"failures": len(failures),
	})
	if e.mirror != nil {
		e.mirror.SetStatus(ctx, "halted")
	}

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

func (e *Engine) flattenPosition(ctx context.Context, pos exchange.PositionInfo) error {
	qty := pos.PositionAmt
	side := exchange.SideSell
	if qty < 0 {
		qty = -qty
		side = exchange.SideBuy
	}
	_, err := e.ex.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:     pos.Symbol,
		Side:       side,
		Type:       exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil && !errors.Is(err, exchange.ErrReduceOnlyNoPos) {
		return err
	}
	return nil
}

// Resume lifts a halt. The circuit breaker is left as-is: if it tripped, it
// still gates entries until its own cooldown passes.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if !e.halted {
		e.mu.Unlock()
		return errors.New("trading is not halted")
	}
	e.halted = false
	e.haltReason = ""
	e.mu.Unlock()

	e.bus.Emit(events.EventResume, nil)
	if e.mirror != nil {
		e.mirror.SetStatus(ctx, "running")
	}
	e.log.Info().Msg("trading resumed")
	return nil
}

// Halted reports the halt flag and its reason.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}

// Status assembles the engine snapshot for the API.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	halted := e.halted
	haltReason := e.haltReason
	startedAt := e.startedAt
	lastEvaluated := e.lastEvaluated
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	e.mu.Unlock()

	return Status{
		Running:       running,
		Halted:        halted,
		HaltReason:    haltReason,
		Exchange:      e.ex.Name(),
		PaperTrading:  e.paper != nil,
		Symbols:       e.cfg.TradingConfig.Symbols,
		Strategies:    names,
		Risk:          e.risk.Snapshot(),
		Breaker:       e.breaker.Snapshot(),
		OpenChains:    e.orders.ActiveChains(),
		StartedAt:     startedAt,
		LastEvaluated: lastEvaluated,
	}
}
