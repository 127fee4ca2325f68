package exchange

import (
	"context"
	"errors"
)

// Typed errors shared by all adapters. Callers match with errors.Is and the
// API layer maps them to HTTP status codes.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidLeverage    = errors.New("leverage must be between 1 and 125")
	ErrOrderNotCancelable = errors.New("order cannot be canceled")
	ErrReduceOnlyNoPos    = errors.New("reduce-only order with no open position")
)

// MarketData provides read-only market data. The paper engine consumes this
// to price fills; the live client implements it alongside trading.
type MarketData interface {
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// Exchange is the single surface the engine trades through. The live testnet
// client and the paper engine both implement it; everything above this
// interface is adapter-agnostic.
type Exchange interface {
	MarketData

	Name() string

	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	GetPosition(ctx context.Context, symbol string) (*PositionInfo, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error

	PlaceOrder(ctx context.Context, params OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)

	GetUserTrades(ctx context.Context, symbol string, limit int) ([]Fill, error)
}
