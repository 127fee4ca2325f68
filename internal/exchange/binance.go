package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FuturesBaseURL is the production Binance USDT-M Futures API URL.
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance USDT-M Futures API URL.
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// BinanceClient is a USDT-M futures REST client. Public market-data endpoints
// work without credentials; trading endpoints require signed requests.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// NewBinanceClient creates a futures REST client. Keys are trimmed because
// stray whitespace breaks signature generation.
func NewBinanceClient(apiKey, secretKey, baseURL string, testnet bool, logger zerolog.Logger) *BinanceClient {
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if testnet {
			baseURL = FuturesTestnetURL
		}
	}

	return &BinanceClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    NewRateLimiter(2400, time.Minute),
		logger:     logger.With().Str("component", "binance").Logger(),
	}
}

func (c *BinanceClient) Name() string { return "binance-futures" }

// apiError is the Binance error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Message)
}

// floatString handles Binance's numeric-as-string JSON fields.
type floatString float64

func (f *floatString) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing %q as float: %w", s, err)
	}
	*f = floatString(v)
	return nil
}

// ==================== ACCOUNT ====================

func (c *BinanceClient) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching account info: %w", err)
	}

	var raw struct {
		TotalWalletBalance    floatString `json:"totalWalletBalance"`
		TotalUnrealizedProfit floatString `json:"totalUnrealizedProfit"`
		TotalMarginBalance    floatString `json:"totalMarginBalance"`
		AvailableBalance      floatString `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing account info: %w", err)
	}

	return &AccountInfo{
		WalletBalance:    float64(raw.TotalWalletBalance),
		UnrealizedPnL:    float64(raw.TotalUnrealizedProfit),
		MarginBalance:    float64(raw.TotalMarginBalance),
		AvailableBalance: float64(raw.AvailableBalance),
		UpdatedAt:        time.Now(),
	}, nil
}

type rawPosition struct {
	Symbol           string      `json:"symbol"`
	PositionAmt      floatString `json:"positionAmt"`
	EntryPrice       floatString `json:"entryPrice"`
	MarkPrice        floatString `json:"markPrice"`
	UnRealizedProfit floatString `json:"unRealizedProfit"`
	LiquidationPrice floatString `json:"liquidationPrice"`
	Leverage         floatString `json:"leverage"`
	MarginType       string      `json:"marginType"`
	IsolatedMargin   floatString `json:"isolatedMargin"`
	UpdateTime       int64       `json:"updateTime"`
}

func (p rawPosition) toPositionInfo() PositionInfo {
	mt := MarginTypeCrossed
	if strings.EqualFold(p.MarginType, "isolated") {
		mt = MarginTypeIsolated
	}
	return PositionInfo{
		Symbol:           p.Symbol,
		PositionAmt:      float64(p.PositionAmt),
		EntryPrice:       float64(p.EntryPrice),
		MarkPrice:        float64(p.MarkPrice),
		UnrealizedPnL:    float64(p.UnRealizedProfit),
		Leverage:         int(p.Leverage),
		MarginType:       mt,
		LiquidationPrice: float64(p.LiquidationPrice),
		InitialMargin:    float64(p.IsolatedMargin),
		UpdatedAt:        time.UnixMilli(p.UpdateTime),
	}
}

func (c *BinanceClient) GetPositions(ctx context.Context) ([]PositionInfo, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var raw []rawPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	positions := make([]PositionInfo, 0, len(raw))
	for _, p := range raw {
		if p.PositionAmt == 0 {
			continue
		}
		positions = append(positions, p.toPositionInfo())
	}
	return positions, nil
}

func (c *BinanceClient) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("fetching position: %w", err)
	}

	var raw []rawPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing position: %w", err)
	}
	for _, p := range raw {
		if p.PositionAmt != 0 {
			pos := p.toPositionInfo()
			return &pos, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
}

// ==================== LEVERAGE & MARGIN ====================

func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return ErrInvalidLeverage
	}
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("setting leverage: %w", err)
	}
	return nil
}

func (c *BinanceClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	})
	if err != nil {
		// Binance returns -4046 when the margin type is already set.
		var apiErr *apiError
		if ok := errors.As(err, &apiErr); ok && apiErr.Code == -4046 {
			return nil
		}
		return fmt.Errorf("setting margin type: %w", err)
	}
	return nil
}

// ==================== TRADING ====================

type rawOrder struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	Price         floatString `json:"price"`
	StopPrice     floatString `json:"stopPrice"`
	AvgPrice      floatString `json:"avgPrice"`
	OrigQty       floatString `json:"origQty"`
	ExecutedQty   floatString `json:"executedQty"`
	CumQuote      floatString `json:"cumQuote"`
	ReduceOnly    bool        `json:"reduceOnly"`
	Time          int64       `json:"time"`
	UpdateTime    int64       `json:"updateTime"`
}

func (o rawOrder) toOrder() Order {
	created := time.UnixMilli(o.Time)
	if o.Time == 0 {
		created = time.UnixMilli(o.UpdateTime)
	}
	return Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          Side(o.Side),
		Type:          OrderType(o.Type),
		Status:        OrderStatus(o.Status),
		Price:         float64(o.Price),
		StopPrice:     float64(o.StopPrice),
		AvgPrice:      float64(o.AvgPrice),
		OrigQty:       float64(o.OrigQty),
		ExecutedQty:   float64(o.ExecutedQty),
		CumQuote:      float64(o.CumQuote),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     created,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func (c *BinanceClient) PlaceOrder(ctx context.Context, params OrderParams) (*Order, error) {
	if params.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if params.Type == OrderTypeLimit && params.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	req := map[string]string{
		"symbol":   params.Symbol,
		"side":     string(params.Side),
		"type":     string(params.Type),
		"quantity": formatFloat(params.Quantity),
	}
	if params.Type == OrderTypeLimit {
		req["price"] = formatFloat(params.Price)
		tif := params.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		req["timeInForce"] = tif
	}
	if params.StopPrice > 0 {
		req["stopPrice"] = formatFloat(params.StopPrice)
	}
	if params.ReduceOnly {
		req["reduceOnly"] = "true"
	}
	if params.ClientOrderID != "" {
		req["newClientOrderId"] = params.ClientOrderID
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", req)
	if err != nil {
		return nil, fmt.Errorf("placing order: %w", err)
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	order := raw.toOrder()

	c.logger.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Float64("quantity", order.OrigQty).
		Int64("order_id", order.OrderID).
		Msg("Order placed")

	return &order, nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	body, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("canceling order: %w", err)
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing cancel response: %w", err)
	}
	order := raw.toOrder()
	return &order, nil
}

func (c *BinanceClient) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return fmt.Errorf("canceling all orders: %w", err)
	}
	return nil
}

func (c *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}

	var raw []rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}
	orders := make([]Order, len(raw))
	for i, o := range raw {
		orders[i] = o.toOrder()
	}
	return orders, nil
}

func (c *BinanceClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("fetching order: %w", err)
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	order := raw.toOrder()
	return &order, nil
}

func (c *BinanceClient) GetUserTrades(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, fmt.Errorf("fetching user trades: %w", err)
	}

	var raw []struct {
		ID          int64       `json:"id"`
		OrderID     int64       `json:"orderId"`
		Symbol      string      `json:"symbol"`
		Side        string      `json:"side"`
		Price       floatString `json:"price"`
		Qty         floatString `json:"qty"`
		QuoteQty    floatString `json:"quoteQty"`
		Commission  floatString `json:"commission"`
		RealizedPnl floatString `json:"realizedPnl"`
		Time        int64       `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing user trades: %w", err)
	}

	fills := make([]Fill, len(raw))
	for i, t := range raw {
		fills[i] = Fill{
			TradeID:       t.ID,
			OrderID:       t.OrderID,
			Symbol:        t.Symbol,
			Side:          Side(t.Side),
			Price:         float64(t.Price),
			Quantity:      float64(t.Qty),
			QuoteQuantity: float64(t.QuoteQty),
			Commission:    float64(t.Commission),
			RealizedPnL:   float64(t.RealizedPnl),
			Time:          time.UnixMilli(t.Time),
		}
	}
	return fills, nil
}

// ==================== MARKET DATA ====================

func (c *BinanceClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	body, err := c.publicRequest(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("fetching mark price: %w", err)
	}

	var raw struct {
		Symbol          string      `json:"symbol"`
		MarkPrice       floatString `json:"markPrice"`
		IndexPrice      floatString `json:"indexPrice"`
		LastFundingRate floatString `json:"lastFundingRate"`
		NextFundingTime int64       `json:"nextFundingTime"`
		Time            int64       `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing mark price: %w", err)
	}

	return &MarkPrice{
		Symbol:          raw.Symbol,
		MarkPrice:       float64(raw.MarkPrice),
		IndexPrice:      float64(raw.IndexPrice),
		FundingRate:     float64(raw.LastFundingRate),
		NextFundingTime: time.UnixMilli(raw.NextFundingTime),
		Time:            time.UnixMilli(raw.Time),
	}, nil
}

func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := c.publicRequest(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("fetching klines: %w", err)
	}

	// Klines arrive as arrays of mixed types.
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		kline := Kline{
			OpenTime:  time.UnixMilli(int64(asFloat(k[0]))),
			Open:      asFloat(k[1]),
			High:      asFloat(k[2]),
			Low:       asFloat(k[3]),
			Close:     asFloat(k[4]),
			Volume:    asFloat(k[5]),
			CloseTime: time.UnixMilli(int64(asFloat(k[6]))),
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

// ==================== TRANSPORT ====================

func (c *BinanceClient) publicRequest(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return c.do(ctx, http.MethodGet, path, values, false)
}

func (c *BinanceClient) signedRequest(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", "5000")
	values.Set("signature", c.sign(values))
	return c.do(ctx, method, path, values, true)
}

// sign produces the HMAC-SHA256 signature over the sorted query string.
func (c *BinanceClient) sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BinanceClient) do(ctx context.Context, method, path string, values url.Values, signed bool) ([]byte, error) {
	if !c.limiter.Allow(weightFor(path)) {
		return nil, fmt.Errorf("rate limit budget exhausted for %s", path)
	}

	reqURL := c.baseURL + path
	var reqBody io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		reqURL += "?" + values.Encode()
	} else {
		reqBody = strings.NewReader(values.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

var _ Exchange = (*BinanceClient)(nil)
