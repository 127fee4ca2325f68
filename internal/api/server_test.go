package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/auth"
	"perp-trading-bot/internal/circuit"
	"perp-trading-bot/internal/engine"
	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/ledger"
	"perp-trading-bot/internal/orders"
	"perp-trading-bot/internal/risk"
)

func testServer(t *testing.T, authSvc *auth.Service) *Server {
	t.Helper()

	cfg := &config.Config{
		TradingConfig: config.TradingConfig{
			Symbols:           []string{"BTCUSDT"},
			Interval:          "1m",
			MaxOpenPositions:  3,
			DefaultLeverage:   10,
			DefaultMarginType: "CROSSED",
			InitialBalance:    10000,
		},
		RiskConfig: config.RiskConfig{
			MaxRiskPerTrade:  1.0,
			MaxDailyDrawdown: 50.0,
		},
		CircuitBreakerConfig: config.CircuitBreakerConfig{Enabled: false},
		ServerConfig:         config.ServerConfig{Port: 0, Host: "127.0.0.1"},
	}

	feed := exchange.NewSimulatedFeed(1)
	feed.SetPrice("BTCUSDT", 50000)
	paper := exchange.NewPaperExchange(feed, exchange.PaperConfig{
		InitialBalance:  cfg.TradingConfig.InitialBalance,
		DefaultLeverage: cfg.TradingConfig.DefaultLeverage,
	}, zerolog.Nop())

	led := ledger.New(cfg.TradingConfig.InitialBalance, nil, zerolog.Nop())
	eng := engine.New(engine.Deps{
		Cfg:      cfg,
		Exchange: paper,
		Paper:    paper,
		Ledger:   led,
		Risk:     risk.NewManager(cfg.RiskConfig, cfg.TradingConfig.MaxOpenPositions, zerolog.Nop()),
		Trail:    risk.NewTrailingStops(cfg.RiskConfig, zerolog.Nop()),
		Orders:   orders.NewManager(paper, nil, zerolog.Nop()),
		Breaker:  circuit.NewBreaker(cfg.CircuitBreakerConfig, zerolog.Nop()),
		Bus:      events.NewBus(),
		Log:      zerolog.Nop(),
	})

	return NewServer(Deps{
		Cfg:    cfg,
		Engine: eng,
		Ex:     paper,
		Ledger: led,
		Auth:   authSvc,
		Bus:    events.NewBus(),
		Log:    zerolog.Nop(),
	})
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["paper_trading"] != true {
		t.Errorf("paper_trading = %v, want true", resp["paper_trading"])
	}
}

func TestBalanceEndpoint(t *testing.T) {
	s := testServer(t, nil)
	w := doRequest(s, http.MethodGet, "/api/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Balance float64 `json:"balance"`
		Equity  float64 `json:"equity"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 10000 || resp.Equity != 10000 {
		t.Errorf("balance = %v equity = %v, want 10000/10000", resp.Balance, resp.Equity)
	}
}

func TestEmergencyStopAndResume(t *testing.T) {
	s := testServer(t, nil)

	body, _ := json.Marshal(map[string]string{"reason": "drill"})
	w := doRequest(s, http.MethodPost, "/api/emergency-stop", body)
	if w.Code != http.StatusOK {
		t.Fatalf("emergency-stop status = %d, want 200", w.Code)
	}
	if halted, reason := s.engine.Halted(); !halted || reason != "drill" {
		t.Errorf("halted = %v reason = %q", halted, reason)
	}

	w = doRequest(s, http.MethodPost, "/api/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", w.Code)
	}

	// Resuming twice conflicts.
	w = doRequest(s, http.MethodPost, "/api/resume", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second resume status = %d, want 409", w.Code)
	}
}

func TestPlaceAndCancelOrder(t *testing.T) {
	s := testServer(t, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"symbol":   "BTCUSDT",
		"side":     "BUY",
		"type":     "LIMIT",
		"quantity": 0.01,
		"price":    40000,
	})
	w := doRequest(s, http.MethodPost, "/api/orders", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("place status = %d, body %s", w.Code, w.Body.String())
	}
	var order struct {
		OrderID int64  `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.Status != "NEW" {
		t.Errorf("status = %s, want NEW for a resting limit", order.Status)
	}

	w = doRequest(s, http.MethodDelete, "/api/orders/BTCUSDT/"+strconv.FormatInt(order.OrderID, 10), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", w.Code, w.Body.String())
	}

	// A canceled order cannot be canceled again.
	w = doRequest(s, http.MethodDelete, "/api/orders/BTCUSDT/"+strconv.FormatInt(order.OrderID, 10), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("re-cancel status = %d, want 422", w.Code)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	s := testServer(t, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET",
	})
	w := doRequest(s, http.MethodPost, "/api/orders", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing quantity", w.Code)
	}
}

func TestLoginDisabled(t *testing.T) {
	s := testServer(t, nil)
	body, _ := json.Marshal(map[string]string{"password": "x"})
	w := doRequest(s, http.MethodPost, "/api/auth/login", body)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAuthProtectsEndpoints(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := auth.NewService(config.AuthConfig{
		Enabled:           true,
		AdminPasswordHash: hash,
		JWTSecret:         "test-secret-test-secret-test-secret",
	})
	s := testServer(t, svc)

	// No token.
	w := doRequest(s, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	// Bad password.
	body, _ := json.Marshal(map[string]string{"password": "wrong"})
	w = doRequest(s, http.MethodPost, "/api/auth/login", body)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", w.Code)
	}

	// Good login, then an authorized request.
	body, _ = json.Marshal(map[string]string{"password": "hunter2"})
	w = doRequest(s, http.MethodPost, "/api/auth/login", body)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", w.Code)
	}
	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authorized status = %d, want 200", rec.Code)
	}
}
