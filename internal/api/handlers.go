package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"perp-trading-bot/internal/auth"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/risk"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"exchange": s.ex.Name(),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.authSvc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is disabled"})
		return
	}

	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	token, expiresIn, err := s.authSvc.Login(req.Password)
	if err != nil {
		s.log.Warn().Str("ip", c.ClientIP()).Msg("failed login attempt")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": expiresIn,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

// handleBalance reports the ledger's wallet balance plus equity marked at
// current prices.
func (s *Server) handleBalance(c *gin.Context) {
	marks := make(map[string]float64)
	for _, pos := range s.led.Positions() {
		mark, err := s.ex.GetMarkPrice(c.Request.Context(), pos.Symbol)
		if err != nil {
			continue
		}
		marks[pos.Symbol] = mark.MarkPrice
	}

	balance := s.led.Balance()
	equity := s.led.Equity(marks)
	c.JSON(http.StatusOK, gin.H{
		"balance":        balance,
		"equity":         equity,
		"unrealized_pnl": equity - balance,
		"open_positions": len(s.led.Positions()),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	type positionView struct {
		Symbol           string  `json:"symbol"`
		PositionAmt      float64 `json:"position_amt"`
		EntryPrice       float64 `json:"entry_price"`
		MarkPrice        float64 `json:"mark_price"`
		LiquidationPrice float64 `json:"liquidation_price"`
		UnrealizedPnL    float64 `json:"unrealized_pnl"`
		Leverage         int     `json:"leverage"`
		RealizedPnL      float64 `json:"realized_pnl"`
		OpenedAt         string  `json:"opened_at"`
	}

	mmr := s.cfg.RiskConfig.MaintenanceMarginRate
	positions := s.led.Positions()
	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		v := positionView{
			Symbol:           pos.Symbol,
			PositionAmt:      pos.PositionAmt,
			EntryPrice:       pos.EntryPrice,
			LiquidationPrice: risk.LiquidationPrice(pos.EntryPrice, pos.Leverage, mmr, pos.PositionAmt > 0),
			Leverage:         pos.Leverage,
			RealizedPnL:      pos.RealizedPnL,
			OpenedAt:         pos.OpenedAt.UTC().Format(time.RFC3339),
		}
		if mark, err := s.ex.GetMarkPrice(c.Request.Context(), pos.Symbol); err == nil {
			v.MarkPrice = mark.MarkPrice
			v.UnrealizedPnL = (mark.MarkPrice - pos.EntryPrice) * pos.PositionAmt
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{"positions": views})
}

func (s *Server) handleOrders(c *gin.Context) {
	symbols := s.cfg.TradingConfig.Symbols
	if symbol := c.Query("symbol"); symbol != "" {
		symbols = []string{symbol}
	}

	orders := make([]exchange.Order, 0)
	for _, symbol := range symbols {
		open, err := s.ex.GetOpenOrders(c.Request.Context(), symbol)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		orders = append(orders, open...)
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	// The database holds the full history; without it, fall back to what
	// the exchange still remembers.
	if s.repo != nil {
		fills, err := s.repo.RecentFills(c.Request.Context(), symbol, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": fills, "source": "database"})
		return
	}

	symbols := s.cfg.TradingConfig.Symbols
	if symbol != "" {
		symbols = []string{symbol}
	}
	fills := make([]exchange.Fill, 0)
	for _, sym := range symbols {
		trades, err := s.ex.GetUserTrades(c.Request.Context(), sym, limit)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		fills = append(fills, trades...)
	}
	c.JSON(http.StatusOK, gin.H{"trades": fills, "source": "exchange"})
}

// handlePlaceOrder submits a manual order. The engine's own entries go
// through the chain manager; this endpoint is the operator's escape hatch.
func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req struct {
		Symbol     string  `json:"symbol" binding:"required"`
		Side       string  `json:"side" binding:"required"`
		Type       string  `json:"type" binding:"required"`
		Quantity   float64 `json:"quantity" binding:"required"`
		Price      float64 `json:"price"`
		StopPrice  float64 `json:"stop_price"`
		ReduceOnly bool    `json:"reduce_only"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if halted, reason := s.engine.Halted(); halted {
		c.JSON(http.StatusConflict, gin.H{"error": "trading is halted: " + reason})
		return
	}

	order, err := s.ex.PlaceOrder(c.Request.Context(), exchange.OrderParams{
		Symbol:     req.Symbol,
		Side:       exchange.Side(req.Side),
		Type:       exchange.OrderType(req.Type),
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		ReduceOnly: req.ReduceOnly,
	})
	if err != nil {
		c.JSON(orderErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	symbol := c.Param("symbol")
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, err := s.ex.CancelOrder(c.Request.Context(), symbol, orderID)
	if err != nil {
		c.JSON(orderErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// orderErrorStatus maps exchange sentinel errors onto HTTP status codes.
func orderErrorStatus(err error) int {
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, exchange.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrInvalidQuantity),
		errors.Is(err, exchange.ErrInvalidPrice),
		errors.Is(err, exchange.ErrInvalidLeverage):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrInsufficientMargin),
		errors.Is(err, exchange.ErrReduceOnlyNoPos),
		errors.Is(err, exchange.ErrOrderNotCancelable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleEquityCurve(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "database is disabled"})
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("hours"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			from = to.Add(-time.Duration(hours) * time.Hour)
		}
	}

	points, err := s.repo.EquityCurve(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points, "from": from, "to": to})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual stop via API"
	}
	if subject, ok := c.Get(auth.SubjectKey); ok {
		s.log.Warn().Interface("subject", subject).Str("reason", req.Reason).Msg("emergency stop requested")
	}

	if err := s.engine.EmergencyStop(c.Request.Context(), req.Reason); err != nil {
		// Halt is already latched; report what failed to flatten.
		c.JSON(http.StatusInternalServerError, gin.H{
			"halted": true,
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": true, "reason": req.Reason})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.engine.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"halted": false})
}
