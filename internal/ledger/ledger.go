package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/risk"
)

// Position is the ledger's view of one symbol. PositionAmt is signed:
// positive long, negative short.
type Position struct {
	Symbol      string    `json:"symbol"`
	PositionAmt float64   `json:"position_amt"`
	EntryPrice  float64   `json:"entry_price"`
	Leverage    int       `json:"leverage"`
	RealizedPnL float64   `json:"realized_pnl"` // lifetime realized for this symbol
	OpenedAt    time.Time `json:"opened_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists ledger mutations. The database package implements it; a nil
// store keeps the ledger memory-only.
type Store interface {
	SaveFill(ctx context.Context, fill exchange.Fill) error
	UpsertPosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, symbol string) error
	RecordBalance(ctx context.Context, balance, delta float64, reason string) error
}

// Ledger is the single authoritative copy of wallet balance and open
// positions. Every fill flows through ApplyFill; nothing else mutates
// positions. Reads elsewhere in the system (API, risk checks, strategy)
// come from here, not from ad-hoc exchange calls.
type Ledger struct {
	mu        sync.RWMutex
	balance   float64
	positions map[string]*Position
	store     Store
	log       zerolog.Logger
}

// New creates a ledger with a starting wallet balance. store may be nil.
func New(initialBalance float64, store Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		balance:   initialBalance,
		positions: make(map[string]*Position),
		store:     store,
		log:       log.With().Str("component", "ledger").Logger(),
	}
}

// Restore seeds the ledger from persisted state at startup, replacing
// whatever it currently holds.
func (l *Ledger) Restore(balance float64, positions []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balance = balance
	l.positions = make(map[string]*Position, len(positions))
	for i := range positions {
		p := positions[i]
		l.positions[p.Symbol] = &p
	}
	l.log.Info().
		Float64("balance", balance).
		Int("positions", len(positions)).
		Msg("ledger restored from store")
}

// ApplyFill books a fill into the ledger and returns the realized P&L it
// produced (0 for pure opens). A fill that crosses through flat is split
// into a reduce and a fresh open, matching exchange semantics.
func (l *Ledger) ApplyFill(ctx context.Context, fill exchange.Fill, leverage int) float64 {
	// A zero-quantity fill carries no position change; booking it would
	// manufacture a phantom flat position.
	if nearZero(fill.Quantity) {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	realized := l.applyLocked(fill, leverage)

	// Fees always come out of the wallet; realized P&L goes in.
	delta := realized - fill.Commission
	l.balance += delta
	if l.balance < 0 {
		l.balance = 0
	}

	l.log.Info().
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Float64("price", fill.Price).
		Float64("qty", fill.Quantity).
		Float64("realized_pnl", realized).
		Float64("commission", fill.Commission).
		Float64("balance", l.balance).
		Bool("liquidation", fill.Liquidation).
		Msg("fill applied")

	l.persistFillLocked(ctx, fill, delta)
	return realized
}

func (l *Ledger) applyLocked(fill exchange.Fill, leverage int) float64 {
	signed := fill.Quantity
	if fill.Side == exchange.SideSell {
		signed = -signed
	}

	pos, ok := l.positions[fill.Symbol]
	if !ok {
		l.positions[fill.Symbol] = &Position{
			Symbol:      fill.Symbol,
			PositionAmt: signed,
			EntryPrice:  fill.Price,
			Leverage:    leverage,
			OpenedAt:    fill.Time,
			UpdatedAt:   fill.Time,
		}
		return 0
	}

	sameDirection := (pos.PositionAmt > 0) == (signed > 0)
	if sameDirection {
		pos.EntryPrice = risk.AverageEntry(pos.EntryPrice, abs(pos.PositionAmt), fill.Price, fill.Quantity)
		pos.PositionAmt += signed
		pos.UpdatedAt = fill.Time
		return 0
	}

	// Opposite direction: reduce first.
	reduceQty := fill.Quantity
	if reduceQty > abs(pos.PositionAmt) {
		reduceQty = abs(pos.PositionAmt)
	}
	realized := risk.UnrealizedPnL(pos.EntryPrice, fill.Price, signOf(pos.PositionAmt)*reduceQty)

	remainder := fill.Quantity - reduceQty
	if signed > 0 {
		pos.PositionAmt += reduceQty
	} else {
		pos.PositionAmt -= reduceQty
	}
	pos.RealizedPnL += realized
	pos.UpdatedAt = fill.Time

	if nearZero(pos.PositionAmt) {
		if remainder > 0 {
			// Flip: the leftover quantity opens a new position the other way.
			pos.PositionAmt = remainder * signOf(signed)
			pos.EntryPrice = fill.Price
			pos.OpenedAt = fill.Time
		} else {
			delete(l.positions, fill.Symbol)
		}
	}
	return realized
}

// Balance returns the wallet balance (realized funds only).
func (l *Ledger) Balance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// Equity returns wallet balance plus unrealized P&L across all open
// positions at the supplied mark prices. Symbols missing a mark contribute
// no unrealized component.
func (l *Ledger) Equity(marks map[string]float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	equity := l.balance
	for sym, pos := range l.positions {
		if mark, ok := marks[sym]; ok {
			equity += risk.UnrealizedPnL(pos.EntryPrice, mark, pos.PositionAmt)
		}
	}
	return equity
}

// Positions returns copies of all open positions.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// Position returns a copy of one position, if open.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos, ok := l.positions[symbol]; ok {
		return *pos, true
	}
	return Position{}, false
}

func (l *Ledger) persistFillLocked(ctx context.Context, fill exchange.Fill, delta float64) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveFill(ctx, fill); err != nil {
		l.log.Error().Err(err).Int64("trade_id", fill.TradeID).Msg("failed to persist fill")
	}
	reason := "fill"
	if fill.Liquidation {
		reason = "liquidation"
	}
	if err := l.store.RecordBalance(ctx, l.balance, delta, reason); err != nil {
		l.log.Error().Err(err).Msg("failed to persist balance entry")
	}
	if pos, ok := l.positions[fill.Symbol]; ok {
		if err := l.store.UpsertPosition(ctx, *pos); err != nil {
			l.log.Error().Err(err).Str("symbol", fill.Symbol).Msg("failed to persist position")
		}
	} else if err := l.store.DeletePosition(ctx, fill.Symbol); err != nil {
		l.log.Error().Err(err).Str("symbol", fill.Symbol).Msg("failed to delete position")
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func nearZero(v float64) bool {
	return abs(v) < 1e-12
}
