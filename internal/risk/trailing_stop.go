package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
)

// TrailingStops ratchets stop levels toward price once a position is in
// profit. Stops only ever tighten: up for longs, down for shorts.
type TrailingStops struct {
	mu      sync.RWMutex
	cfg     config.RiskConfig
	log     zerolog.Logger
	tracked map[string]*trailingState
}

type trailingState struct {
	symbol    string
	isLong    bool
	entry     float64
	stop      float64
	waterMark float64 // highest mark since entry for longs, lowest for shorts
	armed     bool
	updatedAt time.Time
}

// StopUpdate reports a stop move or trigger for one symbol.
type StopUpdate struct {
	Symbol    string
	OldStop   float64
	NewStop   float64
	Triggered bool
	MarkPrice float64
}

// TrailingSnapshot is a read-only view of one tracked stop.
type TrailingSnapshot struct {
	Symbol    string    `json:"symbol"`
	IsLong    bool      `json:"is_long"`
	Entry     float64   `json:"entry"`
	Stop      float64   `json:"stop"`
	WaterMark float64   `json:"water_mark"`
	Armed     bool      `json:"armed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewTrailingStops(cfg config.RiskConfig, log zerolog.Logger) *TrailingStops {
	return &TrailingStops{
		cfg:     cfg,
		log:     log.With().Str("component", "trailing").Logger(),
		tracked: make(map[string]*trailingState),
	}
}

// Track starts managing a stop for the given position. An existing entry for
// the symbol is replaced.
func (t *TrailingStops) Track(symbol string, isLong bool, entry, stop float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracked[symbol] = &trailingState{
		symbol:    symbol,
		isLong:    isLong,
		entry:     entry,
		stop:      stop,
		waterMark: entry,
		updatedAt: time.Now(),
	}
	t.log.Debug().Str("symbol", symbol).Bool("long", isLong).
		Float64("entry", entry).Float64("stop", stop).Msg("tracking stop")
}

// Untrack stops managing a symbol, typically after the position closed.
func (t *TrailingStops) Untrack(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, symbol)
}

// Observe feeds a new mark price. It returns a non-nil update when the stop
// was hit or ratcheted, nil otherwise.
func (t *TrailingStops) Observe(symbol string, mark float64) *StopUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.tracked[symbol]
	if !ok {
		return nil
	}
	s.updatedAt = time.Now()

	if s.triggered(mark) {
		return &StopUpdate{
			Symbol:    symbol,
			OldStop:   s.stop,
			NewStop:   s.stop,
			Triggered: true,
			MarkPrice: mark,
		}
	}

	s.advanceWaterMark(mark)

	if !s.armed && s.profitPct(mark) >= t.cfg.TrailingActivation {
		s.armed = true
		t.log.Info().Str("symbol", symbol).Float64("mark", mark).Msg("trailing stop armed")
	}
	if !s.armed || !t.cfg.UseTrailingStop {
		return nil
	}

	newStop := s.trailedStop(t.cfg.TrailingStopPercent)
	if !s.tightens(newStop) {
		return nil
	}

	old := s.stop
	s.stop = newStop
	t.log.Info().Str("symbol", symbol).
		Float64("old_stop", old).Float64("new_stop", newStop).
		Float64("water_mark", s.waterMark).Msg("stop ratcheted")
	return &StopUpdate{Symbol: symbol, OldStop: old, NewStop: newStop, MarkPrice: mark}
}

// Stop returns the current stop level for a symbol.
func (t *TrailingStops) Stop(symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.tracked[symbol]; ok {
		return s.stop, true
	}
	return 0, false
}

// Snapshot returns all tracked stops.
func (t *TrailingStops) Snapshot() []TrailingSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrailingSnapshot, 0, len(t.tracked))
	for _, s := range t.tracked {
		out = append(out, TrailingSnapshot{
			Symbol:    s.symbol,
			IsLong:    s.isLong,
			Entry:     s.entry,
			Stop:      s.stop,
			WaterMark: s.waterMark,
			Armed:     s.armed,
			UpdatedAt: s.updatedAt,
		})
	}
	return out
}

func (s *trailingState) triggered(mark float64) bool {
	if s.isLong {
		return mark <= s.stop
	}
	return mark >= s.stop
}

func (s *trailingState) advanceWaterMark(mark float64) {
	if s.isLong {
		if mark > s.waterMark {
			s.waterMark = mark
		}
	} else if mark < s.waterMark {
		s.waterMark = mark
	}
}

func (s *trailingState) profitPct(mark float64) float64 {
	if s.entry == 0 {
		return 0
	}
	if s.isLong {
		return (mark - s.entry) / s.entry * 100
	}
	return (s.entry - mark) / s.entry * 100
}

func (s *trailingState) trailedStop(trailPct float64) float64 {
	dist := s.waterMark * trailPct / 100
	if s.isLong {
		return s.waterMark - dist
	}
	return s.waterMark + dist
}

func (s *trailingState) tightens(newStop float64) bool {
	if s.isLong {
		return newStop > s.stop
	}
	return newStop < s.stop
}
