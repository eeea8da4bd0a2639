package spot

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
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/exchanges/common"
)

const (
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the mainnet/testnet host when set
}

// Client is a Binance spot REST client. Every request, public or signed, passes
// through the shared RateLimiter before it is sent.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

// New builds a client; a nil limiter gets the spot default (1200 requests/min).
func New(cfg Config, limiter *common.RateLimiter) *Client {
	base := mainnetURL
	if cfg.Testnet {
		base = testnetURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if limiter == nil {
		limiter = common.NewRateLimiter(common.DefaultMaxRequests, common.DefaultWindow)
	}
	client := &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		rateLimiter: limiter,
	}
	client.timeSync = common.NewTimeSync(client.GetServerTime)
	return client
}

// RateLimiter exposes the limiter guarding this client.
func (c *Client) RateLimiter() *common.RateLimiter { return c.rateLimiter }

// StartTimeSync keeps signed timestamps aligned with the server clock until ctx is done.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

func (c *Client) hasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

func (c *Client) timestamp() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// SubmitOrder places an order. Exchange refusals come back wrapping common.ErrOrderRejected.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if !c.hasCredentials() {
		return common.OrderResult{}, common.ErrCredentialsMissing
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("%w: quantity must be positive, got %v", common.ErrOrderRejected, req.Qty)
	}

	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "FULL")

	switch ordType {
	case common.OrderTypeLimit, common.OrderTypeStopLossLimit:
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	case common.OrderTypeLimitMaker:
		params.Set("price", formatFloat(req.Price))
	}
	if ordType == common.OrderTypeStopLossLimit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.IsClientError() {
			return common.OrderResult{}, fmt.Errorf("%w: %w", common.ErrOrderRejected, apiErr)
		}
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	result := resp.toResult()
	if result.Status == common.StatusRejected || result.Status == common.StatusExpired {
		return result, fmt.Errorf("%w: order %s status %s", common.ErrOrderRejected, result.ExchangeOrderID, resp.Status)
	}
	return result, nil
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if !c.hasCredentials() {
		return common.ErrCredentialsMissing
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// AccountInfo holds balances and permissions.
type AccountInfo struct {
	CanTrade   bool      `json:"canTrade"`
	UpdateTime int64     `json:"updateTime"`
	Balances   []balance `json:"balances"`
}

type balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetAccountInfo returns account balances and basic flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	if !c.hasCredentials() {
		return nil, common.ErrCredentialsMissing
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// Balances returns the non-empty asset balances of the account.
func (c *Client) Balances(ctx context.Context) (common.Balances, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make(common.Balances, len(info.Balances))
	for _, b := range info.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[b.Asset] = common.Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

// OpenOrder represents a simplified order view.
type OpenOrder struct {
	Symbol  string `json:"symbol"`
	OrderID int64  `json:"orderId"`
	Side    string `json:"side"`
	Type    string `json:"type"`
	Price   string `json:"price"`
	OrigQty string `json:"origQty"`
	ExecQty string `json:"executedQty"`
	Status  string `json:"status"`
	Time    int64  `json:"time"`
}

// GetOpenOrders returns current open orders; if symbol is empty, all symbols.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if !c.hasCredentials() {
		return nil, common.ErrCredentialsMissing
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return orders, nil
}

// GetOrder fetches a single order by symbol and orderId.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*OpenOrder, error) {
	if !c.hasCredentials() {
		return nil, common.ErrCredentialsMissing
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var ord OpenOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &ord, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// Ping checks REST connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, "/api/v3/ping", nil)
	return err
}

// ExchangeInfo returns the order-size filters for symbol.
func (c *Client) ExchangeInfo(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", params)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol     string           `json:"symbol"`
			BaseAsset  string           `json:"baseAsset"`
			QuoteAsset string           `json:"quoteAsset"`
			Filters    []map[string]any `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolFilters{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if !strings.EqualFold(s.Symbol, symbol) {
			continue
		}
		out := common.SymbolFilters{Symbol: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				out.StepSize = anyFloat(f["stepSize"])
				out.MinQty = anyFloat(f["minQty"])
				out.MaxQty = anyFloat(f["maxQty"])
			case "PRICE_FILTER":
				out.TickSize = anyFloat(f["tickSize"])
			case "NOTIONAL", "MIN_NOTIONAL":
				out.MinNotional = anyFloat(f["minNotional"])
			}
		}
		return out, nil
	}
	return common.SymbolFilters{}, fmt.Errorf("exchange info: symbol %s not found", symbol)
}

// doSigned adds timestamp/recvWindow, signs the query and performs the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	query := params.Encode()
	// signature must be the last parameter
	query += "&signature=" + sign(query, c.cfg.APISecret)
	return c.do(ctx, method, path, query, true)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params.Encode(), false)
}

func (c *Client) do(ctx context.Context, method, path, encoded string, signed bool) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		// Binance expects signed params in the query string for GET/DELETE.
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: binance %s %s: %w", common.ErrConnection, method, path, err)
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s body: %w", common.ErrConnection, path, err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{StatusCode: res.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("binance %s %s: %w", method, path, apiErr)
	}
	return body, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Side                string `json:"side"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (r orderResponse) toResult() common.OrderResult {
	executed := decimalOrZero(r.ExecutedQty)
	quote := decimalOrZero(r.CummulativeQuoteQty)

	var avg decimal.Decimal
	if executed.IsPositive() && quote.IsPositive() {
		avg = quote.Div(executed)
	} else if len(r.Fills) > 0 {
		// weighted average over fills
		var qty, notional decimal.Decimal
		for _, f := range r.Fills {
			q := decimalOrZero(f.Qty)
			qty = qty.Add(q)
			notional = notional.Add(q.Mul(decimalOrZero(f.Price)))
		}
		if qty.IsPositive() {
			avg = notional.Div(qty)
			if !executed.IsPositive() {
				executed = qty
			}
		}
	}

	var commissions map[string]float64
	for _, f := range r.Fills {
		fee := decimalOrZero(f.Commission)
		if !fee.IsPositive() || f.CommissionAsset == "" {
			continue
		}
		if commissions == nil {
			commissions = make(map[string]float64)
		}
		sum := decimal.NewFromFloat(commissions[f.CommissionAsset]).Add(fee)
		commissions[f.CommissionAsset] = sum.InexactFloat64()
	}

	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Status:          mapStatus(r.Status),
		ExecutedQty:     executed.InexactFloat64(),
		QuoteQty:        quote.InexactFloat64(),
		AvgPrice:        avg.InexactFloat64(),
		TransactTime:    r.TransactTime,
		Commissions:     commissions,
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func toBinanceTIF(tif common.TimeInForce) common.TimeInForce {
	if tif == "" {
		return common.TIFGTC
	}
	return tif
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func anyFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	default:
		return 0
	}
}
