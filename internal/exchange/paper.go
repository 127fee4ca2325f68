package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/internal/risk"
)

// qtyEpsilon is the threshold below which a quantity counts as flat, matching
// the ledger's tolerance so the two never disagree about a dust position.
const qtyEpsilon = 1e-12

// PaperConfig holds the paper engine's simulation parameters.
type PaperConfig struct {
	InitialBalance        float64
	TakerFeeRate          float64
	MakerFeeRate          float64
	MaintenanceMarginRate float64
	DefaultLeverage       int
}

// PaperExchange is a deterministic paper-trading engine implementing
// Exchange. Market data comes from the injected feed (live public REST or a
// simulated walk); execution, margin accounting, and liquidations are
// simulated locally. Market orders fill at mark price with the taker fee;
// limit orders rest until the mark crosses them.
type PaperExchange struct {
	mu          sync.Mutex
	feed        MarketData
	cfg         PaperConfig
	balance     float64
	positions   map[string]*paperPosition
	orders      map[int64]*Order
	fills       []Fill
	leverage    map[string]int
	marginTypes map[string]MarginType
	nextOrderID int64
	nextTradeID int64
	logger      zerolog.Logger
}

type paperPosition struct {
	symbol     string
	amt        float64 // signed: positive long, negative short
	entryPrice float64
	leverage   int
	marginType MarginType
	openedAt   time.Time
}

// NewPaperExchange creates a paper engine with the given starting balance.
func NewPaperExchange(feed MarketData, cfg PaperConfig, logger zerolog.Logger) *PaperExchange {
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 5
	}
	return &PaperExchange{
		feed:        feed,
		cfg:         cfg,
		balance:     cfg.InitialBalance,
		positions:   make(map[string]*paperPosition),
		orders:      make(map[int64]*Order),
		fills:       make([]Fill, 0),
		leverage:    make(map[string]int),
		marginTypes: make(map[string]MarginType),
		nextOrderID: 1000,
		nextTradeID: 1000,
		logger:      logger.With().Str("component", "paper-exchange").Logger(),
	}
}

func (p *PaperExchange) Name() string { return "paper" }

// ==================== ACCOUNT ====================

func (p *PaperExchange) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unrealized, margin := p.exposureLocked(ctx)
	return &AccountInfo{
		WalletBalance:    p.balance,
		UnrealizedPnL:    unrealized,
		MarginBalance:    p.balance + unrealized,
		AvailableBalance: p.balance + unrealized - margin,
		UpdatedAt:        time.Now(),
	}, nil
}

// exposureLocked sums unrealized PnL and initial margin over open positions.
func (p *PaperExchange) exposureLocked(ctx context.Context) (unrealized, margin float64) {
	for _, pos := range p.positions {
		mark := pos.entryPrice
		if mp, err := p.feed.GetMarkPrice(ctx, pos.symbol); err == nil {
			mark = mp.MarkPrice
		}
		unrealized += (mark - pos.entryPrice) * pos.amt
		margin += math.Abs(pos.amt) * pos.entryPrice / float64(pos.leverage)
	}
	return unrealized, margin
}

func (p *PaperExchange) GetPositions(ctx context.Context) ([]PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make([]PositionInfo, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, p.positionInfoLocked(ctx, pos))
	}
	return positions, nil
}

func (p *PaperExchange) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	info := p.positionInfoLocked(ctx, pos)
	return &info, nil
}

func (p *PaperExchange) positionInfoLocked(ctx context.Context, pos *paperPosition) PositionInfo {
	mark := pos.entryPrice
	if mp, err := p.feed.GetMarkPrice(ctx, pos.symbol); err == nil {
		mark = mp.MarkPrice
	}

	return PositionInfo{
		Symbol:           pos.symbol,
		PositionAmt:      pos.amt,
		EntryPrice:       pos.entryPrice,
		MarkPrice:        mark,
		UnrealizedPnL:    (mark - pos.entryPrice) * pos.amt,
		Leverage:         pos.leverage,
		MarginType:       pos.marginType,
		LiquidationPrice: risk.LiquidationPrice(pos.entryPrice, pos.leverage, p.cfg.MaintenanceMarginRate, pos.amt > 0),
		InitialMargin:    math.Abs(pos.amt) * pos.entryPrice / float64(pos.leverage),
		UpdatedAt:        time.Now(),
	}
}

// ==================== LEVERAGE & MARGIN ====================

func (p *PaperExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return ErrInvalidLeverage
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

func (p *PaperExchange) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marginTypes[symbol] = marginType
	return nil
}

func (p *PaperExchange) leverageLocked(symbol string) int {
	if lev, ok := p.leverage[symbol]; ok {
		return lev
	}
	return p.cfg.DefaultLeverage
}

func (p *PaperExchange) marginTypeLocked(symbol string) MarginType {
	if mt, ok := p.marginTypes[symbol]; ok {
		return mt
	}
	return MarginTypeCrossed
}

// ==================== TRADING ====================

func (p *PaperExchange) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	if params.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if params.Type == OrderTypeLimit && params.Price <= 0 {
		return nil, ErrInvalidPrice
	}
	if (params.Type == OrderTypeStopMarket || params.Type == OrderTypeTakeProfit) && params.StopPrice <= 0 {
		return nil, ErrInvalidPrice
	}

	mp, err := p.feed.GetMarkPrice(ctx, params.Symbol)
	if err != nil {
		return nil, fmt.Errorf("getting mark price: %w", err)
	}
	mark := mp.MarkPrice

	p.mu.Lock()
	defer p.mu.Unlock()

	if params.ReduceOnly {
		pos, ok := p.positions[params.Symbol]
		if !ok || pos.amt == 0 {
			return nil, ErrReduceOnlyNoPos
		}
		// A reduce-only order must oppose the position.
		if (pos.amt > 0) == (params.Side == SideBuy) {
			return nil, fmt.Errorf("%w: order side does not reduce position", ErrReduceOnlyNoPos)
		}
	}

	order := &Order{
		OrderID:       p.nextOrderIDLocked(),
		ClientOrderID: params.ClientOrderID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Type:          params.Type,
		Status:        OrderStatusNew,
		Price:         params.Price,
		StopPrice:     params.StopPrice,
		OrigQty:       params.Quantity,
		ReduceOnly:    params.ReduceOnly,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	p.orders[order.OrderID] = order

	switch params.Type {
	case OrderTypeMarket:
		if err := p.fillOrderLocked(order, mark, false); err != nil {
			order.Status = OrderStatusRejected
			order.UpdatedAt = time.Now()
			return nil, err
		}
	case OrderTypeLimit:
		// Marketable limit orders fill immediately at the limit price.
		if crossed(params.Side, params.Price, mark) {
			if err := p.fillOrderLocked(order, params.Price, false); err != nil {
				order.Status = OrderStatusRejected
				order.UpdatedAt = time.Now()
				return nil, err
			}
		}
	}
	// STOP_MARKET / TAKE_PROFIT_MARKET rest until triggered by ProcessTick.

	result := *order
	return &result, nil
}

// crossed reports whether a limit price is marketable against the mark.
func crossed(side Side, limit, mark float64) bool {
	if side == SideBuy {
		return limit >= mark
	}
	return limit <= mark
}

// fillOrderLocked executes an order in full at the given price, updating the
// position, balance, and fill history. Opening margin is checked before the
// fill; fees always come out of the wallet.
func (p *PaperExchange) fillOrderLocked(order *Order, price float64, isMaker bool) error {
	qty := order.OrigQty - order.ExecutedQty
	signed := qty
	if order.Side == SideSell {
		signed = -qty
	}

	pos := p.positions[order.Symbol]
	var oldAmt float64
	if pos != nil {
		oldAmt = pos.amt
	}

	// Split the fill into a reducing part and an opening part so a position
	// flip realizes PnL on the closed quantity first.
	reducing := 0.0
	if oldAmt != 0 && (oldAmt > 0) != (signed > 0) {
		reducing = math.Min(math.Abs(signed), math.Abs(oldAmt))
	}
	opening := math.Abs(signed) - reducing

	if order.ReduceOnly && opening > 0 {
		opening = 0
		signed = math.Copysign(reducing, signed)
		qty = reducing
	}

	// A reduce-only order whose position already closed has nothing left to
	// reduce. Binance auto-cancels these; expire the order, emit no fill.
	if order.ReduceOnly && qty < qtyEpsilon {
		order.Status = OrderStatusCanceled
		order.UpdatedAt = time.Now()
		p.logger.Info().
			Int64("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Msg("Reduce-only order expired, position already flat")
		return nil
	}

	leverage := p.leverageLocked(order.Symbol)
	if opening > 0 {
		required := opening * price / float64(leverage)
		unrealized, margin := p.exposureLocked(context.Background())
		available := p.balance + unrealized - margin
		if required > available {
			return fmt.Errorf("%w: need %.2f, available %.2f", ErrInsufficientMargin, required, available)
		}
	}

	feeRate := p.cfg.TakerFeeRate
	if isMaker {
		feeRate = p.cfg.MakerFeeRate
	}
	commission := price * qty * feeRate

	realized := 0.0
	if reducing > 0 {
		direction := 1.0
		if oldAmt < 0 {
			direction = -1.0
		}
		realized = (price - pos.entryPrice) * reducing * direction
	}

	newAmt := oldAmt + signed
	switch {
	case math.Abs(newAmt) < qtyEpsilon:
		delete(p.positions, order.Symbol)
	case pos == nil:
		p.positions[order.Symbol] = &paperPosition{
			symbol:     order.Symbol,
			amt:        newAmt,
			entryPrice: price,
			leverage:   leverage,
			marginType: p.marginTypeLocked(order.Symbol),
			openedAt:   time.Now(),
		}
	case (oldAmt > 0) == (newAmt > 0) && opening > 0:
		// Adding to the position: volume-weighted average entry.
		totalCost := pos.entryPrice*math.Abs(oldAmt) + price*opening
		pos.entryPrice = totalCost / math.Abs(newAmt)
		pos.amt = newAmt
	case (oldAmt > 0) != (newAmt > 0):
		// Flip: the surviving position opens fresh at the fill price.
		pos.amt = newAmt
		pos.entryPrice = price
		pos.leverage = leverage
		pos.openedAt = time.Now()
	default:
		// Pure reduction keeps the original entry price.
		pos.amt = newAmt
	}

	p.balance += realized - commission

	// Reduce-only fills may clamp to the open position size.
	order.Status = OrderStatusFilled
	order.AvgPrice = price
	order.ExecutedQty += qty
	order.CumQuote += price * qty
	order.UpdatedAt = time.Now()

	fill := Fill{
		TradeID:       p.nextTradeIDLocked(),
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price * qty,
		Commission:    commission,
		RealizedPnL:   realized,
		Time:          time.Now(),
	}
	p.fills = append(p.fills, fill)

	p.logger.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("price", price).
		Float64("quantity", qty).
		Float64("realized_pnl", realized).
		Msg("Paper fill")

	return nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if order.Status != OrderStatusNew {
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotCancelable, order.Status)
	}

	order.Status = OrderStatusCanceled
	order.UpdatedAt = time.Now()
	result := *order
	return &result, nil
}

func (p *PaperExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, order := range p.orders {
		if order.Status == OrderStatusNew && (symbol == "" || order.Symbol == symbol) {
			order.Status = OrderStatusCanceled
			order.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (p *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders := make([]Order, 0)
	for _, order := range p.orders {
		if order.Status == OrderStatusNew && (symbol == "" || order.Symbol == symbol) {
			orders = append(orders, *order)
		}
	}
	return orders, nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	result := *order
	return &result, nil
}

func (p *PaperExchange) GetUserTrades(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	filtered := make([]Fill, 0, len(p.fills))
	for _, fill := range p.fills {
		if symbol == "" || fill.Symbol == symbol {
			filtered = append(filtered, fill)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// ==================== MARKET DATA ====================

func (p *PaperExchange) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	return p.feed.GetMarkPrice(ctx, symbol)
}

func (p *PaperExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return p.feed.GetKlines(ctx, symbol, interval, limit)
}

// ==================== SIMULATION TICK ====================

// ProcessTick advances the simulation: triggers resting stop and limit
// orders and liquidates positions whose mark price crossed the liquidation
// level. The engine's monitor loop calls this each cycle.
func (p *PaperExchange) ProcessTick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	marks := make(map[string]float64)
	markFor := func(symbol string) (float64, bool) {
		if m, ok := marks[symbol]; ok {
			return m, true
		}
		mp, err := p.feed.GetMarkPrice(ctx, symbol)
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Mark price unavailable during tick")
			return 0, false
		}
		marks[symbol] = mp.MarkPrice
		return mp.MarkPrice, true
	}

	// Trigger resting orders.
	for _, order := range p.orders {
		if order.Status != OrderStatusNew {
			continue
		}
		mark, ok := markFor(order.Symbol)
		if !ok {
			continue
		}

		switch order.Type {
		case OrderTypeLimit:
			if crossed(order.Side, order.Price, mark) {
				if err := p.fillOrderLocked(order, order.Price, true); err != nil {
					order.Status = OrderStatusRejected
					order.UpdatedAt = time.Now()
					p.logger.Warn().Err(err).Int64("order_id", order.OrderID).Msg("Resting limit order rejected")
				}
			}
		case OrderTypeStopMarket, OrderTypeTakeProfit:
			if stopTriggered(order, mark) {
				if err := p.fillOrderLocked(order, mark, false); err != nil {
					order.Status = OrderStatusRejected
					order.UpdatedAt = time.Now()
					p.logger.Warn().Err(err).Int64("order_id", order.OrderID).Msg("Stop order rejected on trigger")
				}
			}
		}
	}

	// Liquidation sweep.
	for symbol, pos := range p.positions {
		mark, ok := markFor(symbol)
		if !ok {
			continue
		}
		liq := risk.LiquidationPrice(pos.entryPrice, pos.leverage, p.cfg.MaintenanceMarginRate, pos.amt > 0)
		long := pos.amt > 0
		if (long && mark <= liq) || (!long && mark >= liq) {
			p.liquidateLocked(pos, liq)
		}
	}

	return nil
}

// stopTriggered reports whether a stop or take-profit order's trigger price
// has been crossed by the mark.
func stopTriggered(order *Order, mark float64) bool {
	// BUY stops trigger above, SELL stops trigger below; take profits invert.
	above := order.Side == SideBuy
	if order.Type == OrderTypeTakeProfit {
		above = !above
	}
	if above {
		return mark >= order.StopPrice
	}
	return mark <= order.StopPrice
}

// liquidateLocked force-closes a position at its liquidation price. The
// position's margin is consumed; the realized loss hits the wallet.
func (p *PaperExchange) liquidateLocked(pos *paperPosition, price float64) {
	qty := math.Abs(pos.amt)
	direction := 1.0
	side := SideSell
	if pos.amt < 0 {
		direction = -1.0
		side = SideBuy
	}
	realized := (price - pos.entryPrice) * qty * direction
	commission := price * qty * p.cfg.TakerFeeRate

	p.balance += realized - commission
	if p.balance < 0 {
		p.balance = 0
	}
	delete(p.positions, pos.symbol)

	fill := Fill{
		TradeID:       p.nextTradeIDLocked(),
		Symbol:        pos.symbol,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price * qty,
		Commission:    commission,
		RealizedPnL:   realized,
		Liquidation:   true,
		Time:          time.Now(),
	}
	p.fills = append(p.fills, fill)

	p.logger.Warn().
		Str("symbol", pos.symbol).
		Float64("liquidation_price", price).
		Float64("realized_pnl", realized).
		Msg("Position liquidated")
}

func (p *PaperExchange) nextOrderIDLocked() int64 {
	p.nextOrderID++
	return p.nextOrderID
}

func (p *PaperExchange) nextTradeIDLocked() int64 {
	p.nextTradeID++
	return p.nextTradeID
}

var _ Exchange = (*PaperExchange)(nil)
