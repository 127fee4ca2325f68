package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
)

// Entry describes a position the manager should open, with its protective
// levels. StopLoss is required; TakeProfit of 0 skips the TP leg.
type Entry struct {
	Symbol     string
	Side       exchange.Side
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
}

// Chain tracks the orders belonging to one entry.
type Chain struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       exchange.Side   `json:"side"`
	Entry      *exchange.Order `json:"entry"`
	StopLoss   *exchange.Order `json:"stop_loss,omitempty"`
	TakeProfit *exchange.Order `json:"take_profit,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

var (
	ErrStopRequired = errors.New("entry requires a stop loss level")
	ErrNoChain      = errors.New("no active order chain for symbol")
)

// Manager places order chains through the exchange and remembers them so
// stops can be moved and chains torn down later. One chain per symbol.
type Manager struct {
	mu     sync.Mutex
	ex     exchange.Exchange
	bus    *events.Bus
	log    zerolog.Logger
	chains map[string]*Chain // by symbol
}

// NewManager creates a chain manager. bus may be nil; order lifecycle events
// are then not published.
func NewManager(ex exchange.Exchange, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		ex:     ex,
		bus:    bus,
		log:    log.With().Str("component", "orders").Logger(),
		chains: make(map[string]*Chain),
	}
}

func (m *Manager) emitOrder(t events.EventType, o *exchange.Order) {
	if m.bus == nil || o == nil {
		return
	}
	m.bus.Emit(t, map[string]interface{}{
		"order_id":        o.OrderID,
		"client_order_id": o.ClientOrderID,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"type":            string(o.Type),
		"qty":             o.OrigQty,
		"stop_price":      o.StopPrice,
	})
}

// OpenChain opens a market entry and attaches reduce-only SL/TP orders. If a
// protective leg fails to place, the just-opened position is closed again
// rather than left unguarded.
func (m *Manager) OpenChain(ctx context.Context, e Entry) (*Chain, error) {
	if e.StopLoss <= 0 {
		return nil, ErrStopRequired
	}
	if e.Quantity <= 0 {
		return nil, exchange.ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.chains[e.Symbol]; exists {
		return nil, fmt.Errorf("chain already active for %s", e.Symbol)
	}

	chainID := NewChainID()
	entry, err := m.ex.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:        e.Symbol,
		Side:          e.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      e.Quantity,
		ClientOrderID: ChainOrderID(chainID, RoleEntry),
	})
	if err != nil {
		return nil, fmt.Errorf("entry order failed: %w", err)
	}

	chain := &Chain{
		ID:        chainID,
		Symbol:    e.Symbol,
		Side:      e.Side,
		Entry:     entry,
		CreatedAt: time.Now(),
	}

	exit := e.Side.Opposite()
	sl, err := m.ex.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:        e.Symbol,
		Side:          exit,
		Type:          exchange.OrderTypeStopMarket,
		Quantity:      e.Quantity,
		StopPrice:     e.StopLoss,
		ReduceOnly:    true,
		ClientOrderID: ChainOrderID(chainID, RoleStopLoss),
	})
	if err != nil {
		m.rollbackLocked(ctx, chain)
		return nil, fmt.Errorf("stop loss order failed: %w", err)
	}
	chain.StopLoss = sl

	if e.TakeProfit > 0 {
		tp, err := m.ex.PlaceOrder(ctx, exchange.OrderParams{
			Symbol:        e.Symbol,
			Side:          exit,
			Type:          exchange.OrderTypeTakeProfit,
			Quantity:      e.Quantity,
			StopPrice:     e.TakeProfit,
			ReduceOnly:    true,
			ClientOrderID: ChainOrderID(chainID, RoleTakeProfit),
		})
		if err != nil {
			m.rollbackLocked(ctx, chain)
			return nil, fmt.Errorf("take profit order failed: %w", err)
		}
		chain.TakeProfit = tp
	}

	m.chains[e.Symbol] = chain
	m.emitOrder(events.EventOrderPlaced, chain.Entry)
	m.emitOrder(events.EventOrderPlaced, chain.StopLoss)
	m.emitOrder(events.EventOrderPlaced, chain.TakeProfit)
	m.log.Info().
		Str("chain_id", chainID).
		Str("symbol", e.Symbol).
		Str("side", string(e.Side)).
		Float64("qty", e.Quantity).
		Float64("stop_loss", e.StopLoss).
		Float64("take_profit", e.TakeProfit).
		Msg("order chain opened")
	return chain, nil
}

// rollbackLocked closes the entry and cancels any placed protective legs
// after a partial chain failure.
func (m *Manager) rollbackLocked(ctx context.Context, chain *Chain) {
	m.log.Warn().Str("chain_id", chain.ID).Str("symbol", chain.Symbol).
		Msg("rolling back partial order chain")

	if err := m.ex.CancelAllOrders(ctx, chain.Symbol); err != nil {
		m.log.Error().Err(err).Str("symbol", chain.Symbol).Msg("rollback cancel failed")
	}
	_, err := m.ex.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:        chain.Symbol,
		Side:          chain.Side.Opposite(),
		Type:          exchange.OrderTypeMarket,
		Quantity:      chain.Entry.OrigQty,
		ReduceOnly:    true,
		ClientOrderID: ChainOrderID(chain.ID, RoleClose),
	})
	if err != nil && !errors.Is(err, exchange.ErrReduceOnlyNoPos) {
		m.log.Error().Err(err).Str("symbol", chain.Symbol).Msg("rollback close failed")
	}
}

// MoveStop replaces the chain's stop-loss order with one at a new trigger
// price. Used by the trailing stop loop.
func (m *Manager) MoveStop(ctx context.Context, symbol string, newStop float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[symbol]
	if !ok || chain.StopLoss == nil {
		return ErrNoChain
	}

	canceled, err := m.ex.CancelOrder(ctx, symbol, chain.StopLoss.OrderID)
	if err != nil {
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			return fmt.Errorf("cancel old stop: %w", err)
		}
		// Already gone: it likely just triggered. Leave the chain alone.
		return nil
	}
	m.emitOrder(events.EventOrderCanceled, canceled)

	sl, err := m.ex.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:        symbol,
		Side:          chain.Side.Opposite(),
		Type:          exchange.OrderTypeStopMarket,
		Quantity:      chain.StopLoss.OrigQty,
		StopPrice:     newStop,
		ReduceOnly:    true,
		ClientOrderID: ChainOrderID(chain.ID, RoleStopLoss),
	})
	if err != nil {
		return fmt.Errorf("place new stop: %w", err)
	}

	old := chain.StopLoss.StopPrice
	chain.StopLoss = sl
	m.emitOrder(events.EventOrderPlaced, sl)
	m.log.Info().Str("symbol", symbol).
		Float64("old_stop", old).Float64("new_stop", newStop).
		Msg("stop moved")
	return nil
}

// CloseChain market-closes the position and cancels the protective legs.
func (m *Manager) CloseChain(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[symbol]
	if !ok {
		return ErrNoChain
	}

	if err := m.ex.CancelAllOrders(ctx, symbol); err != nil {
		m.log.Error().Err(err).Str("symbol", symbol).Msg("cancel protective legs failed")
	} else {
		m.emitCanceledLegs(ctx, chain)
	}

	pos, err := m.ex.GetPosition(ctx, symbol)
	if err == nil && pos.PositionAmt != 0 {
		qty := pos.PositionAmt
		side := exchange.SideSell
		if qty < 0 {
			qty = -qty
			side = exchange.SideBuy
		}
		var closeOrder *exchange.Order
		closeOrder, err = m.ex.PlaceOrder(ctx, exchange.OrderParams{
			Symbol:        symbol,
			Side:          side,
			Type:          exchange.OrderTypeMarket,
			Quantity:      qty,
			ReduceOnly:    true,
			ClientOrderID: ChainOrderID(chain.ID, RoleClose),
		})
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		m.emitOrder(events.EventOrderPlaced, closeOrder)
	} else if err != nil && !errors.Is(err, exchange.ErrPositionNotFound) {
		return fmt.Errorf("query position: %w", err)
	}

	delete(m.chains, symbol)
	m.log.Info().Str("chain_id", chain.ID).Str("symbol", symbol).Msg("order chain closed")
	return nil
}

// Release forgets a chain without touching the exchange. Called when the
// monitor observes the position already closed (stop or TP filled).
func (m *Manager) Release(ctx context.Context, symbol string) {
	m.mu.Lock()
	chain, ok := m.chains[symbol]
	delete(m.chains, symbol)
	m.mu.Unlock()

	if !ok {
		return
	}
	// The surviving protective leg is now an orphan; clear it.
	if err := m.ex.CancelAllOrders(ctx, symbol); err != nil {
		m.log.Error().Err(err).Str("symbol", symbol).Msg("orphan cleanup failed")
	} else {
		m.emitCanceledLegs(ctx, chain)
	}
	m.log.Info().Str("chain_id", chain.ID).Str("symbol", symbol).Msg("chain released")
}

// emitCanceledLegs publishes cancellations for the protective legs the
// teardown actually canceled; legs that already filled are left to the fill
// stream.
func (m *Manager) emitCanceledLegs(ctx context.Context, chain *Chain) {
	for _, o := range []*exchange.Order{chain.StopLoss, chain.TakeProfit} {
		if o == nil {
			continue
		}
		cur, err := m.ex.GetOrder(ctx, chain.Symbol, o.OrderID)
		if err != nil || cur.Status != exchange.OrderStatusCanceled {
			continue
		}
		m.emitOrder(events.EventOrderCanceled, cur)
	}
}

// Chain returns the active chain for a symbol, if any.
func (m *Manager) Chain(symbol string) (*Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[symbol]
	if !ok {
		return nil, false
	}
	c := *chain
	return &c, true
}

// ActiveChains returns all chains currently tracked.
func (m *Manager) ActiveChains() []Chain {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Chain, 0, len(m.chains))
	for _, chain := range m.chains {
		out = append(out, *chain)
	}
	return out
}

// HasChain reports whether a chain is active for the symbol.
func (m *Manager) HasChain(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chains[symbol]
	return ok
}
