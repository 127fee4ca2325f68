package risk

import (
	"math"
	"math/rand"
	"testing"
)

func TestLiquidationPrice(t *testing.T) {
	tests := []struct {
		name     string
		entry    float64
		leverage int
		mmr      float64
		isLong   bool
		want     float64
	}{
		{"long 10x", 50000, 10, 0.004, true, 50000 * (1 - 0.1 + 0.004)},
		{"short 10x", 50000, 10, 0.004, false, 50000 * (1 + 0.1 - 0.004)},
		{"long 1x", 100, 1, 0.004, true, 100 * 0.004},
		{"long 125x", 30000, 125, 0.004, true, 30000 * (1 - 1.0/125 + 0.004)},
		{"zero entry", 0, 10, 0.004, true, 0},
		{"zero leverage", 50000, 0, 0.004, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LiquidationPrice(tt.entry, tt.leverage, tt.mmr, tt.isLong)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("LiquidationPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Randomized invariants: longs liquidate below entry, shorts above, and
// higher leverage always moves the liquidation level closer to entry.
func TestLiquidationPriceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const mmr = 0.004

	for i := 0; i < 1000; i++ {
		entry := 10 + rng.Float64()*90000
		leverage := 2 + rng.Intn(124)

		longLiq := LiquidationPrice(entry, leverage, mmr, true)
		shortLiq := LiquidationPrice(entry, leverage, mmr, false)

		if longLiq >= entry {
			t.Fatalf("long liq %v >= entry %v (lev %d)", longLiq, entry, leverage)
		}
		if longLiq < 0 {
			t.Fatalf("long liq %v negative", longLiq)
		}
		if shortLiq <= entry {
			t.Fatalf("short liq %v <= entry %v (lev %d)", shortLiq, entry, leverage)
		}

		tighterLong := LiquidationPrice(entry, leverage+1, mmr, true)
		if tighterLong <= longLiq {
			t.Fatalf("long liq not monotonic in leverage: lev %d -> %v, lev %d -> %v",
				leverage, longLiq, leverage+1, tighterLong)
		}
		tighterShort := LiquidationPrice(entry, leverage+1, mmr, false)
		if tighterShort >= shortLiq {
			t.Fatalf("short liq not monotonic in leverage: lev %d -> %v, lev %d -> %v",
				leverage, shortLiq, leverage+1, tighterShort)
		}
	}
}

func TestSizeByRisk(t *testing.T) {
	tests := []struct {
		name                      string
		equity, riskPct           float64
		entry, stop               float64
		want                      float64
	}{
		{"long 1% risk", 10000, 1, 50000, 49500, 100.0 / 500},
		{"short 2% risk", 5000, 2, 3000, 3060, 100.0 / 60},
		{"zero stop distance", 10000, 1, 50000, 50000, 0},
		{"zero equity", 0, 1, 50000, 49500, 0},
		{"zero risk", 10000, 0, 50000, 49500, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SizeByRisk(tt.equity, tt.riskPct, tt.entry, tt.stop)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SizeByRisk() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Randomized invariant: the loss at the stop equals the configured fraction
// of equity, for any entry/stop pair on either side.
func TestSizeByRiskLossAtStop(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		equity := 100 + rng.Float64()*1e6
		riskPct := 0.1 + rng.Float64()*4.9
		entry := 1 + rng.Float64()*90000
		// Stop anywhere within ±20% of entry, excluding the degenerate case.
		stop := entry * (0.8 + rng.Float64()*0.4)
		if stop == entry {
			continue
		}

		qty := SizeByRisk(equity, riskPct, entry, stop)
		lossAtStop := math.Abs(entry-stop) * qty
		wantLoss := equity * riskPct / 100

		if math.Abs(lossAtStop-wantLoss) > wantLoss*1e-9 {
			t.Fatalf("loss at stop %v, want %v (equity=%v risk=%v entry=%v stop=%v)",
				lossAtStop, wantLoss, equity, riskPct, entry, stop)
		}
	}
}

func TestAverageEntry(t *testing.T) {
	tests := []struct {
		name                           string
		curEntry, curQty, addPx, addQty float64
		want                           float64
	}{
		{"equal halves", 100, 1, 200, 1, 150},
		{"weighted", 50000, 0.3, 51000, 0.1, (50000*0.3 + 51000*0.1) / 0.4},
		{"fresh position", 0, 0, 3000, 2, 3000},
		{"zero total", 0, 0, 100, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AverageEntry(tt.curEntry, tt.curQty, tt.addPx, tt.addQty)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("AverageEntry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitialMargin(t *testing.T) {
	if got := InitialMargin(50000, 0.1, 10); math.Abs(got-500) > 1e-9 {
		t.Errorf("InitialMargin() = %v, want 500", got)
	}
	if got := InitialMargin(50000, 0.1, 0); got != 0 {
		t.Errorf("InitialMargin() with zero leverage = %v, want 0", got)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	tests := []struct {
		name              string
		entry, mark, amt  float64
		want              float64
	}{
		{"long in profit", 100, 110, 2, 20},
		{"long in loss", 100, 90, 2, -20},
		{"short in profit", 100, 90, -2, 20},
		{"short in loss", 100, 110, -2, -20},
		{"flat", 100, 110, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnrealizedPnL(tt.entry, tt.mark, tt.amt); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("UnrealizedPnL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSizeByNotional(t *testing.T) {
	if got := SizeByNotional(1000, 50000); math.Abs(got-0.02) > 1e-9 {
		t.Errorf("SizeByNotional() = %v, want 0.02", got)
	}
	if got := SizeByNotional(1000, 0); got != 0 {
		t.Errorf("SizeByNotional() with zero price = %v, want 0", got)
	}
}
