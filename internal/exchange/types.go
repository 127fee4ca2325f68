package exchange

import "time"

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order execution type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// MarginType is the position margin mode.
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// OrderParams are the parameters for placing an order.
type OrderParams struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // limit price, required for LIMIT
	StopPrice     float64 // trigger price for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly    bool
	ClientOrderID string
	TimeInForce   string // GTC, IOC; defaults to GTC
}

// Order is the exchange-reported order state. Both the live client and the
// paper engine report this one schema; nothing else in the system invents
// its own order shape.
type Order struct {
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	AvgPrice      float64     `json:"avg_price"`
	OrigQty       float64     `json:"orig_qty"`
	ExecutedQty   float64     `json:"executed_qty"`
	CumQuote      float64     `json:"cum_quote"`
	ReduceOnly    bool        `json:"reduce_only"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Fill is an execution report for (part of) an order.
type Fill struct {
	TradeID       int64     `json:"trade_id"`
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	QuoteQuantity float64   `json:"quote_quantity"`
	Commission    float64   `json:"commission"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Liquidation   bool      `json:"liquidation,omitempty"`
	Time          time.Time `json:"time"`
}

// PositionInfo is the exchange-reported position state for one symbol.
// PositionAmt is signed: positive long, negative short.
type PositionInfo struct {
	Symbol           string     `json:"symbol"`
	PositionAmt      float64    `json:"position_amt"`
	EntryPrice       float64    `json:"entry_price"`
	MarkPrice        float64    `json:"mark_price"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	Leverage         int        `json:"leverage"`
	MarginType       MarginType `json:"margin_type"`
	LiquidationPrice float64    `json:"liquidation_price"`
	InitialMargin    float64    `json:"initial_margin"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AccountInfo is the exchange-reported account state.
type AccountInfo struct {
	WalletBalance    float64   `json:"wallet_balance"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	MarginBalance    float64   `json:"margin_balance"`
	AvailableBalance float64   `json:"available_balance"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MarkPrice is the mark price snapshot for a symbol.
type MarkPrice struct {
	Symbol          string    `json:"symbol"`
	MarkPrice       float64   `json:"mark_price"`
	IndexPrice      float64   `json:"index_price"`
	FundingRate     float64   `json:"funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	Time            time.Time `json:"time"`
}

// Kline is a single candlestick.
type Kline struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}
