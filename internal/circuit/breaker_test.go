package circuit

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
)

func testBreaker() *Breaker {
	return NewBreaker(config.CircuitBreakerConfig{
		Enabled:              true,
		MaxLossPerHour:       3.0,
		MaxConsecutiveLosses: 3,
		CooldownMinutes:      30,
		MaxTradesPerMinute:   5,
		MaxDailyLoss:         5.0,
		MaxDailyTrades:       100,
	}, zerolog.Nop())
}

func TestBreakerAllowsByDefault(t *testing.T) {
	b := testBreaker()
	if ok, reason := b.Allow(); !ok {
		t.Fatalf("fresh breaker blocked: %s", reason)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerDisabledAlwaysAllows(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{Enabled: false}, zerolog.Nop())
	for i := 0; i < 20; i++ {
		b.RecordTrade(-10)
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("disabled breaker blocked trading")
	}
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	b := testBreaker()

	b.RecordTrade(-0.1)
	b.RecordTrade(-0.1)
	if b.State() != StateClosed {
		t.Fatalf("tripped too early: %s", b.State())
	}

	b.RecordTrade(-0.1)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after 3 losses", b.State())
	}
	ok, reason := b.Allow()
	if ok {
		t.Fatal("open breaker allowed trade")
	}
	if !strings.Contains(reason, "cooldown") {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestBreakerWinResetsStreak(t *testing.T) {
	b := testBreaker()
	b.RecordTrade(-0.1)
	b.RecordTrade(-0.1)
	b.RecordTrade(0.5)
	b.RecordTrade(-0.1)
	b.RecordTrade(-0.1)

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed (streak broken by win)", b.State())
	}
}

func TestBreakerTripsOnHourlyLoss(t *testing.T) {
	b := testBreaker()
	b.RecordTrade(-2.0)
	b.RecordTrade(1.0) // break the streak so only loss-rate applies
	b.RecordTrade(-1.5)

	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after 3.5%% hourly loss", b.State())
	}
}

func TestBreakerTradeRateLimit(t *testing.T) {
	b := testBreaker()
	for i := 0; i < 5; i++ {
		b.RecordTrade(0.1)
	}
	ok, reason := b.Allow()
	if ok {
		t.Fatal("expected per-minute rate limit to block")
	}
	if !strings.Contains(reason, "minute") {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestBreakerIgnoresBadPnL(t *testing.T) {
	b := testBreaker()
	b.RecordTrade(math.NaN())
	b.RecordTrade(math.Inf(-1))

	s := b.Snapshot()
	if s.DailyTrades != 0 || s.ConsecutiveLosses != 0 {
		t.Errorf("bad inputs were recorded: %+v", s)
	}
}

func TestBreakerManualReset(t *testing.T) {
	b := testBreaker()
	for i := 0; i < 3; i++ {
		b.RecordTrade(-0.1)
	}
	if b.State() != StateOpen {
		t.Fatal("breaker did not trip")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after reset", b.State())
	}
	if ok, reason := b.Allow(); !ok {
		t.Errorf("reset breaker still blocking: %s", reason)
	}
}

func TestBreakerTripCallback(t *testing.T) {
	b := testBreaker()
	tripped := make(chan string, 1)
	b.OnTrip(func(reason string) { tripped <- reason })

	for i := 0; i < 3; i++ {
		b.RecordTrade(-0.1)
	}

	select {
	case reason := <-tripped:
		if !strings.Contains(reason, "consecutive") {
			t.Errorf("unexpected trip reason: %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("trip callback never fired")
	}
}
