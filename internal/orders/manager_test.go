package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
)

func testManager(t *testing.T) (*Manager, *exchange.PaperExchange, *exchange.SimulatedFeed) {
	t.Helper()
	feed := exchange.NewSimulatedFeed(1)
	feed.SetPrice("BTCUSDT", 50000)
	paper := exchange.NewPaperExchange(feed, exchange.PaperConfig{
		InitialBalance:        10000,
		TakerFeeRate:          0.0004,
		MakerFeeRate:          0.0002,
		MaintenanceMarginRate: 0.004,
		DefaultLeverage:       10,
	}, zerolog.Nop())
	return NewManager(paper, nil, zerolog.Nop()), paper, feed
}

func TestOpenChainPlacesAllLegs(t *testing.T) {
	ctx := context.Background()
	m, paper, _ := testManager(t)

	chain, err := m.OpenChain(ctx, Entry{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Quantity:   0.1,
		StopLoss:   49000,
		TakeProfit: 52000,
	})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	if chain.Entry == nil || chain.StopLoss == nil || chain.TakeProfit == nil {
		t.Fatal("chain missing legs")
	}
	if chain.Entry.Status != exchange.OrderStatusFilled {
		t.Errorf("entry status = %s, want FILLED", chain.Entry.Status)
	}
	if !chain.StopLoss.ReduceOnly || !chain.TakeProfit.ReduceOnly {
		t.Error("protective legs must be reduce-only")
	}

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("open orders = %d, want 2 (SL + TP)", len(open))
	}

	pos, err := paper.GetPosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.PositionAmt != 0.1 {
		t.Errorf("position amt = %v, want 0.1", pos.PositionAmt)
	}
}

func TestOpenChainRequiresStop(t *testing.T) {
	ctx := context.Background()
	m, _, _ := testManager(t)

	_, err := m.OpenChain(ctx, Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1})
	if !errors.Is(err, ErrStopRequired) {
		t.Errorf("expected ErrStopRequired, got %v", err)
	}
}

func TestOpenChainRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := testManager(t)

	if _, err := m.OpenChain(ctx, Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1, StopLoss: 49000}); err != nil {
		t.Fatalf("first OpenChain: %v", err)
	}
	if _, err := m.OpenChain(ctx, Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1, StopLoss: 49000}); err == nil {
		t.Error("expected second chain on same symbol to fail")
	}
}

func TestMoveStop(t *testing.T) {
	ctx := context.Background()
	m, paper, _ := testManager(t)

	if _, err := m.OpenChain(ctx, Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1, StopLoss: 49000}); err != nil {
		t.Fatalf("OpenChain: %v", err)
	}

	if err := m.MoveStop(ctx, "BTCUSDT", 49500); err != nil {
		t.Fatalf("MoveStop: %v", err)
	}

	chain, ok := m.Chain("BTCUSDT")
	if !ok {
		t.Fatal("chain vanished after MoveStop")
	}
	if chain.StopLoss.StopPrice != 49500 {
		t.Errorf("stop price = %v, want 49500", chain.StopLoss.StopPrice)
	}

	open, _ := paper.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1 (replaced SL only)", len(open))
	}
	if open[0].StopPrice != 49500 {
		t.Errorf("exchange stop = %v, want 49500", open[0].StopPrice)
	}
}

func TestMoveStopNoChain(t *testing.T) {
	ctx := context.Background()
	m, _, _ := testManager(t)
	if err := m.MoveStop(ctx, "BTCUSDT", 49500); !errors.Is(err, ErrNoChain) {
		t.Errorf("expected ErrNoChain, got %v", err)
	}
}

func TestCloseChain(t *testing.T) {
	ctx := context.Background()
	m, paper, _ := testManager(t)

	if _, err := m.OpenChain(ctx, Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1, StopLoss: 49000, TakeProfit: 52000}); err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	if err := m.CloseChain(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("CloseChain: %v", err)
	}

	if m.HasChain("BTCUSDT") {
		t.Error("chain still tracked after close")
	}
	if _, err := paper.GetPosition(ctx, "BTCUSDT"); !errors.Is(err, exchange.ErrPositionNotFound) {
		t.Errorf("expected position gone, got %v", err)
	}
	open, _ := paper.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0 after close", len(open))
	}
}

func TestReleaseCancelsOrphans(t *testing.T) {
	ctx := context.Background()
	m, paper, feed := testManager(t)

	if _, err := m.OpenChain(ctx, Entry{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1, StopLoss: 49000, TakeProfit: 52000}); err != nil {
		t.Fatalf("OpenChain: %v", err)
	}

	// Price crosses the take profit; the stop leg is now an orphan.
	feed.SetPrice("BTCUSDT", 52500)
	if err := paper.ProcessTick(ctx); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	m.Release(ctx, "BTCUSDT")
	if m.HasChain("BTCUSDT") {
		t.Error("chain still tracked after release")
	}
	open, _ := paper.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0 after release", len(open))
	}
}

func TestChainPublishesOrderEvents(t *testing.T) {
	ctx := context.Background()
	feed := exchange.NewSimulatedFeed(1)
	feed.SetPrice("BTCUSDT", 50000)
	paper := exchange.NewPaperExchange(feed, exchange.PaperConfig{
		InitialBalance:  10000,
		DefaultLeverage: 10,
	}, zerolog.Nop())

	bus := events.NewBus()
	placed := make(chan events.Event, 8)
	canceled := make(chan events.Event, 8)
	bus.Subscribe(events.EventOrderPlaced, func(e events.Event) { placed <- e })
	bus.Subscribe(events.EventOrderCanceled, func(e events.Event) { canceled <- e })

	m := NewManager(paper, bus, zerolog.Nop())
	if _, err := m.OpenChain(ctx, Entry{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.1,
		StopLoss: 49000, TakeProfit: 52000,
	}); err != nil {
		t.Fatalf("OpenChain: %v", err)
	}

	// Entry, stop loss, take profit.
	for i := 0; i < 3; i++ {
		select {
		case <-placed:
		case <-time.After(time.Second):
			t.Fatalf("placed event %d not published", i+1)
		}
	}

	if err := m.MoveStop(ctx, "BTCUSDT", 49500); err != nil {
		t.Fatalf("MoveStop: %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel event for replaced stop not published")
	}
	select {
	case <-placed:
	case <-time.After(time.Second):
		t.Fatal("placed event for new stop not published")
	}
}
