package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/circuit"
	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/ledger"
	"perp-trading-bot/internal/orders"
	"perp-trading-bot/internal/risk"
	"perp-trading-bot/internal/strategy"
)

// stubStrategy emits a fixed signal once, then goes quiet.
type stubStrategy struct {
	symbol string
	signal *strategy.Signal
	fired  bool
}

func (s *stubStrategy) Name() string      { return "stub" }
func (s *stubStrategy) Symbol() string    { return s.symbol }
func (s *stubStrategy) Interval() string  { return "1m" }
func (s *stubStrategy) WarmupPeriod() int { return 1 }

func (s *stubStrategy) Evaluate(_ []exchange.Kline, _ float64) (*strategy.Signal, error) {
	if s.fired || s.signal == nil {
		return strategy.None(), nil
	}
	s.fired = true
	return s.signal, nil
}

func testEngine(t *testing.T) (*Engine, *exchange.PaperExchange, *exchange.SimulatedFeed) {
	t.Helper()

	cfg := &config.Config{
		TradingConfig: config.TradingConfig{
			Symbols:           []string{"BTCUSDT"},
			Interval:          "1m",
			EvaluateSeconds:   1,
			MonitorSeconds:    1,
			ReconcileSeconds:  5,
			MaxOpenPositions:  3,
			DefaultLeverage:   10,
			MaxLeverage:       50,
			DefaultMarginType: "CROSSED",
			InitialBalance:    10000,
		},
		RiskConfig: config.RiskConfig{
			MaxRiskPerTrade:       1.0,
			MaxDailyDrawdown:      50.0,
			MaintenanceMarginRate: 0.004,
			TakerFeeRate:          0.0004,
			MakerFeeRate:          0.0002,
			UseTrailingStop:       true,
			TrailingStopPercent:   1.0,
			TrailingActivation:    2.0,
		},
		CircuitBreakerConfig: config.CircuitBreakerConfig{
			Enabled:              true,
			MaxLossPerHour:       50,
			MaxConsecutiveLosses: 10,
			CooldownMinutes:      1,
			MaxTradesPerMinute:   50,
			MaxDailyLoss:         50,
			MaxDailyTrades:       500,
		},
	}

	feed := exchange.NewSimulatedFeed(1)
	feed.SetPrice("BTCUSDT", 50000)
	paper := exchange.NewPaperExchange(feed, exchange.PaperConfig{
		InitialBalance:        cfg.TradingConfig.InitialBalance,
		TakerFeeRate:          cfg.RiskConfig.TakerFeeRate,
		MakerFeeRate:          cfg.RiskConfig.MakerFeeRate,
		MaintenanceMarginRate: cfg.RiskConfig.MaintenanceMarginRate,
		DefaultLeverage:       cfg.TradingConfig.DefaultLeverage,
	}, zerolog.Nop())

	led := ledger.New(cfg.TradingConfig.InitialBalance, nil, zerolog.Nop())
	riskMgr := risk.NewManager(cfg.RiskConfig, cfg.TradingConfig.MaxOpenPositions, zerolog.Nop())
	riskMgr.UpdateEquity(cfg.TradingConfig.InitialBalance)

	bus := events.NewBus()
	e := New(Deps{
		Cfg:      cfg,
		Exchange: paper,
		Paper:    paper,
		Ledger:   led,
		Risk:     riskMgr,
		Trail:    risk.NewTrailingStops(cfg.RiskConfig, zerolog.Nop()),
		Orders:   orders.NewManager(paper, bus, zerolog.Nop()),
		Breaker:  circuit.NewBreaker(cfg.CircuitBreakerConfig, zerolog.Nop()),
		Bus:      bus,
		Log:      zerolog.Nop(),
	})
	return e, paper, feed
}

func buySignal(symbol string, mark float64) *strategy.Signal {
	return &strategy.Signal{
		Type:       strategy.SignalBuy,
		Symbol:     symbol,
		Side:       exchange.SideBuy,
		EntryPrice: mark,
		StopLoss:   mark * 0.98,
		TakeProfit: mark * 1.04,
		Reason:     "test entry",
		Timestamp:  time.Now(),
	}
}

func TestEvaluateOpensChainFromSignal(t *testing.T) {
	ctx := context.Background()
	e, paper, _ := testEngine(t)
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)})

	e.evaluateAll(ctx)

	if !e.orders.HasChain("BTCUSDT") {
		t.Fatal("no chain opened from signal")
	}
	pos, err := paper.GetPosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.PositionAmt <= 0 {
		t.Errorf("position amt = %v, want > 0", pos.PositionAmt)
	}
	if e.risk.OpenPositionCount() != 1 {
		t.Errorf("risk open count = %d, want 1", e.risk.OpenPositionCount())
	}
}

func TestEvaluateSkipsWhenHalted(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)})

	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()

	e.evaluateAll(ctx)
	if e.orders.HasChain("BTCUSDT") {
		t.Error("halted engine opened a chain")
	}
}

func TestEvaluateSkipsExistingPosition(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)
	stub := &stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)}
	e.RegisterStrategy(stub)

	e.evaluateAll(ctx)
	chains := len(e.orders.ActiveChains())

	// Re-arm the stub; the open chain must still block a second entry.
	stub.fired = false
	e.evaluateAll(ctx)
	if got := len(e.orders.ActiveChains()); got != chains {
		t.Errorf("chains = %d, want %d", got, chains)
	}
}

func TestMonitorSyncsFillsIntoLedger(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)})

	e.evaluateAll(ctx)
	e.monitorOnce(ctx)

	pos, ok := e.led.Position("BTCUSDT")
	if !ok {
		t.Fatal("ledger missing position after fill sync")
	}
	if pos.PositionAmt <= 0 {
		t.Errorf("ledger position amt = %v, want > 0", pos.PositionAmt)
	}
}

func TestMonitorClosesTradeOnStopFill(t *testing.T) {
	ctx := context.Background()
	e, _, feed := testEngine(t)
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)})

	e.evaluateAll(ctx)
	e.monitorOnce(ctx)

	// Crash through the stop; the next tick fills the stop order, the fill
	// sync books the loss and frees the trade slot.
	feed.SetPrice("BTCUSDT", 45000)
	e.monitorOnce(ctx)

	if _, open := e.led.Position("BTCUSDT"); open {
		t.Error("ledger still holds position after stop-out")
	}
	if e.orders.HasChain("BTCUSDT") {
		t.Error("chain still tracked after stop-out")
	}
	if e.risk.OpenPositionCount() != 0 {
		t.Errorf("risk open count = %d, want 0", e.risk.OpenPositionCount())
	}
	if e.risk.DailyPnL() >= 0 {
		t.Errorf("daily pnl = %v, want < 0 after stop-out", e.risk.DailyPnL())
	}
}

// memStore records persisted orders and snapshot counts in memory.
type memStore struct {
	mu        sync.Mutex
	orders    map[int64]exchange.Order
	snapshots int
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[int64]exchange.Order)}
}

func (s *memStore) SaveOrder(_ context.Context, o exchange.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
	return nil
}

func (s *memStore) SaveEquitySnapshot(_ context.Context, _, _, _ float64, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	return nil
}

func (s *memStore) status(id int64) exchange.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

func TestOrderStatusPersistedThroughLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _, feed := testEngine(t)
	store := newMemStore()
	e.repo = store
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)})

	e.evaluateAll(ctx)
	chain, ok := e.orders.Chain("BTCUSDT")
	if !ok {
		t.Fatal("no chain opened from signal")
	}
	entryID := chain.Entry.OrderID
	slID := chain.StopLoss.OrderID
	tpID := chain.TakeProfit.OrderID

	e.monitorOnce(ctx)
	if got := store.status(entryID); got != exchange.OrderStatusFilled {
		t.Errorf("entry status = %s, want FILLED after fill sync", got)
	}
	if got := store.status(slID); got != exchange.OrderStatusNew {
		t.Errorf("resting stop status = %s, want NEW", got)
	}

	// Crash through the stop: the stop fills, and releasing the chain
	// cancels the surviving take profit. Both final states must land in
	// the store, not stay frozen at placement.
	feed.SetPrice("BTCUSDT", 45000)
	e.monitorOnce(ctx)

	if got := store.status(slID); got != exchange.OrderStatusFilled {
		t.Errorf("stop status = %s, want FILLED after stop-out", got)
	}
	if got := store.status(tpID); got != exchange.OrderStatusCanceled {
		t.Errorf("take profit status = %s, want CANCELED after release", got)
	}
}

func TestEmergencyStopFlattensEverything(t *testing.T) {
	ctx := context.Background()
	e, paper, _ := testEngine(t)
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT", signal: buySignal("BTCUSDT", 50000)})

	e.evaluateAll(ctx)
	if err := e.EmergencyStop(ctx, "test"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	if halted, reason := e.Halted(); !halted || reason != "test" {
		t.Errorf("halted = %v reason = %q", halted, reason)
	}

	open, _ := paper.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
	positions, _ := paper.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("positions = %d, want 0", len(positions))
	}
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t)

	if err := e.Resume(ctx); err == nil {
		t.Error("resume on non-halted engine should fail")
	}

	if err := e.EmergencyStop(ctx, "test"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if halted, _ := e.Halted(); halted {
		t.Error("still halted after resume")
	}
}

func TestStatusSnapshot(t *testing.T) {
	e, _, _ := testEngine(t)
	e.RegisterStrategy(&stubStrategy{symbol: "BTCUSDT"})

	s := e.Status()
	if s.Running {
		t.Error("engine reported running before Start")
	}
	if !s.PaperTrading {
		t.Error("paper mode not reported")
	}
	if len(s.Strategies) != 1 || s.Strategies[0] != "stub" {
		t.Errorf("strategies = %v", s.Strategies)
	}
}
