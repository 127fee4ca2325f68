// Package engine runs the trading loops: strategy evaluation, position
// monitoring, and ledger reconciliation. It owns the halt switch; nothing
// trades while the engine is halted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/cache"
	"perp-trading-bot/internal/circuit"
	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/ledger"
	"perp-trading-bot/internal/orders"
	"perp-trading-bot/internal/risk"
	"perp-trading-bot/internal/strategy"
)

// Status is the engine snapshot served by the API.
type Status struct {
	Running       bool           `json:"running"`
	Halted        bool           `json:"halted"`
	HaltReason    string         `json:"halt_reason,omitempty"`
	Exchange      string         `json:"exchange"`
	PaperTrading  bool           `json:"paper_trading"`
	Symbols       []string       `json:"symbols"`
	Strategies    []string       `json:"strategies"`
	Risk          risk.Metrics   `json:"risk"`
	Breaker       circuit.Stats  `json:"circuit_breaker"`
	OpenChains    []orders.Chain `json:"open_chains"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	LastEvaluated time.Time      `json:"last_evaluated,omitempty"`
}

// Store persists orders and equity snapshots. Satisfied by
// database.Repository; the engine runs memory-only with a nil Store.
type Store interface {
	SaveOrder(ctx context.Context, o exchange.Order) error
	SaveEquitySnapshot(ctx context.Context, wallet, unrealized, equity float64, openPositions int) error
}

// Deps are the collaborators the engine drives. Repo and Mirror may be nil.
type Deps struct {
	Cfg      *config.Config
	Exchange exchange.Exchange
	Paper    *exchange.PaperExchange // non-nil in paper mode; drives ProcessTick
	Ledger   *ledger.Ledger
	Risk     *risk.Manager
	Trail    *risk.TrailingStops
	Orders   *orders.Manager
	Breaker  *circuit.Breaker
	Bus      *events.Bus
	Repo     Store
	Mirror   *cache.Mirror
	Log      zerolog.Logger
}

type Engine struct {
	cfg     *config.Config
	ex      exchange.Exchange
	paper   *exchange.PaperExchange
	led     *ledger.Ledger
	risk    *risk.Manager
	trail   *risk.TrailingStops
	orders  *orders.Manager
	breaker *circuit.Breaker
	bus     *events.Bus
	repo    Store
	mirror  *cache.Mirror
	log     zerolog.Logger

	strategies []strategy.Strategy

	mu            sync.Mutex
	running       bool
	halted        bool
	haltReason    string
	startedAt     time.Time
	lastEvaluated time.Time
	lastTradeID   map[string]int64
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func New(d Deps) *Engine {
	e := &Engine{
		cfg:         d.Cfg,
		ex:          d.Exchange,
		paper:       d.Paper,
		led:         d.Ledger,
		risk:        d.Risk,
		trail:       d.Trail,
		orders:      d.Orders,
		breaker:     d.Breaker,
		bus:         d.Bus,
		repo:        d.Repo,
		mirror:      d.Mirror,
		log:         d.Log.With().Str("component", "engine").Logger(),
		lastTradeID: make(map[string]int64),
	}

	e.breaker.OnTrip(func(reason string) {
		e.bus.Emit(events.EventBreakerTrip, map[string]interface{}{"reason": reason})
	})
	e.breaker.OnReset(func() {
		e.bus.Emit(events.EventBreakerReset, nil)
	})
	return e
}

// RegisterStrategy adds a strategy before Start.
func (e *Engine) RegisterStrategy(s strategy.Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies = append(e.strategies, s)
	e.log.Info().Str("strategy", s.Name()).Msg("strategy registered")
}

// Start configures leverage per symbol and launches the loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	for _, symbol := range e.cfg.TradingConfig.Symbols {
		if err := e.ex.SetLeverage(runCtx, symbol, e.cfg.TradingConfig.DefaultLeverage); err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("set leverage failed")
		}
		marginType := exchange.MarginType(e.cfg.TradingConfig.DefaultMarginType)
		if err := e.ex.SetMarginType(runCtx, symbol, marginType); err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("set margin type failed")
		}
	}

	e.wg.Add(3)
	go e.evaluateLoop(runCtx)
	go e.monitorLoop(runCtx)
	go e.reconcileLoop(runCtx)

	e.bus.Emit(events.EventEngineStarted, map[string]interface{}{
		"exchange": e.ex.Name(),
		"symbols":  e.cfg.TradingConfig.Symbols,
	})
	e.log.Info().Str("exchange", e.ex.Name()).Msg("engine started")
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.bus.Emit(events.EventEngineStopped, nil)
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) evaluateLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.TradingConfig.EvaluateSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateAll(ctx)
		}
	}
}

func (e *Engine) evaluateAll(ctx context.Context) {
	e.mu.Lock()
	halted := e.halted
	strategies := make([]strategy.Strategy, len(e.strategies))
	copy(strategies, e.strategies)
	e.lastEvaluated = time.Now()
	e.mu.Unlock()

	if halted {
		return
	}

	for _, s := range strategies {
		if err := e.evaluateOne(ctx, s); err != nil {
			e.log.Error().Err(err).Str("strategy", s.Name()).Msg("evaluation failed")
			e.bus.EmitError("engine", "strategy evaluation failed", err)
		}
	}
}

func (e *Engine) evaluateOne(ctx context.Context, s strategy.Strategy) error {
	symbol := s.Symbol()

	// One chain per symbol; skip symbols already in a trade.
	if e.orders.HasChain(symbol) {
		return nil
	}
	if _, open := e.led.Position(symbol); open {
		return nil
	}

	if ok, reason := e.breaker.Allow(); !ok {
		e.log.Debug().Str("reason", reason).Msg("breaker blocking entries")
		return nil
	}
	if ok, reason := e.risk.CanOpenPosition(); !ok {
		e.log.Debug().Str("reason", reason).Msg("risk limits blocking entries")
		return nil
	}

	klines, err := e.ex.GetKlines(ctx, symbol, s.Interval(), s.WarmupPeriod()+50)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	mark, err := e.ex.GetMarkPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch mark price: %w", err)
	}

	sig, err := s.Evaluate(klines, mark.MarkPrice)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if !sig.Actionable() {
		return nil
	}

	e.bus.Emit(events.EventSignal, map[string]interface{}{
		"strategy": s.Name(),
		"symbol":   symbol,
		"side":     string(sig.Side),
		"price":    sig.EntryPrice,
		"reason":   sig.Reason,
	})

	qty := e.risk.PositionSize(sig.EntryPrice, sig.StopLoss)
	if qty <= 0 {
		e.log.Debug().Str("symbol", symbol).Msg("signal skipped, unusable position size")
		return nil
	}

	chain, err := e.orders.OpenChain(ctx, orders.Entry{
		Symbol:     symbol,
		Side:       sig.Side,
		Quantity:   qty,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
	})
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}

	e.risk.RegisterOpen()
	e.trail.Track(symbol, sig.Side == exchange.SideBuy, chain.Entry.AvgPrice, sig.StopLoss)
	e.persistChainOrders(ctx, chain)

	e.bus.Emit(events.EventPositionOpen, map[string]interface{}{
		"symbol":   symbol,
		"side":     string(sig.Side),
		"qty":      qty,
		"entry":    chain.Entry.AvgPrice,
		"stop":     sig.StopLoss,
		"target":   sig.TakeProfit,
		"strategy": s.Name(),
	})
	return nil
}

func (e *Engine) persistChainOrders(ctx context.Context, chain *orders.Chain) {
	if e.repo == nil {
		return
	}
	for _, o := range []*exchange.Order{chain.Entry, chain.StopLoss, chain.TakeProfit} {
		if o == nil {
			continue
		}
		if err := e.repo.SaveOrder(ctx, *o); err != nil {
			e.log.Error().Err(err).Int64("order_id", o.OrderID).Msg("persist order failed")
		}
	}
}
