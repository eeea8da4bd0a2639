package exchange

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"binance-trader/pkg/exchanges/binance/spot"
	"binance-trader/pkg/exchanges/common"
	market "binance-trader/pkg/market/binance"
)

// Options wires the pieces the client composes.
type Options struct {
	Spot    spot.Config
	Streams market.StreamConfig
	// Limiter is shared by every REST call; nil builds the spot default.
	Limiter *common.RateLimiter
	// Paper, when set, receives orders and balance queries instead of the account.
	Paper *Paper
	// MarketBaseURL overrides the public REST host (tests).
	MarketBaseURL string
}

// Client is the single entry point the runtime uses to talk to the exchange: kline
// streams, signed order/account calls and public market data, all REST traffic going
// through one RateLimiter.
type Client struct {
	streams *market.StreamRegistry
	limiter *common.RateLimiter
	rest    *spot.Client
	public  *market.Client
	orders  common.Gateway
	paper   *Paper

	subMu   sync.Mutex
	mu      sync.Mutex
	klines  map[string]chan market.Kline
	filters map[string]common.SymbolFilters
}

// New builds the client. The rate limiter is not started here; callers own its lifecycle.
func New(opts Options) *Client {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = common.NewRateLimiter(common.DefaultMaxRequests, common.DefaultWindow)
	}
	rest := spot.New(opts.Spot, limiter)
	public := market.NewClient(opts.Spot.Testnet, limiter)
	if opts.MarketBaseURL != "" {
		public.BaseURL = strings.TrimRight(opts.MarketBaseURL, "/")
	}

	c := &Client{
		streams: market.NewStreamRegistry(opts.Streams),
		limiter: limiter,
		rest:    rest,
		public:  public,
		orders:  rest,
		klines:  make(map[string]chan market.Kline),
		filters: make(map[string]common.SymbolFilters),
	}
	if opts.Paper != nil {
		c.paper = opts.Paper
		c.orders = opts.Paper
	}
	return c
}

// DryRun reports whether orders go to the paper exchange.
func (c *Client) DryRun() bool { return c.paper != nil }

// CreditPaper funds the paper account with a restored position's quantity so it can be
// sold. It does nothing when trading live.
func (c *Client) CreditPaper(symbol string, qty float64) error {
	if c.paper == nil {
		return nil
	}
	return c.paper.Credit(symbol, qty)
}

// RateLimiter returns the limiter guarding REST traffic.
func (c *Client) RateLimiter() *common.RateLimiter { return c.limiter }

// StartTimeSync keeps signed request timestamps aligned with the server clock.
func (c *Client) StartTimeSync(ctx context.Context) { c.rest.StartTimeSync(ctx) }

// SubscribeKlines opens the kline stream for symbol/interval and returns a channel of
// decoded candles, open and closed. Sends block until the consumer receives, so a slow
// consumer slows the stream instead of losing candles. The channel is closed once the
// stream ends, whether by CloseAllStreams, ctx cancellation or exhausted reconnects.
func (c *Client) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan market.Kline, error) {
	name := market.KlineStreamName(symbol, interval)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.mu.Lock()
	if ch, ok := c.klines[name]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	out := make(chan market.Kline)
	handler := func(ctx context.Context, msg market.Message) error {
		if msg.Event != "" && msg.Event != "kline" {
			return nil
		}
		k, err := market.ParseKline(msg.Raw)
		if err != nil {
			return err
		}
		if c.paper != nil {
			c.paper.Mark(k.Symbol, k.Close)
		}
		select {
		case out <- k:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done, err := c.streams.Connect(ctx, name, handler)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.klines[name] = out
	c.mu.Unlock()

	go func() {
		<-done
		c.mu.Lock()
		delete(c.klines, name)
		c.mu.Unlock()
		close(out)
	}()
	return out, nil
}

// CloseAllStreams stops every stream and waits for their goroutines.
func (c *Client) CloseAllStreams() {
	c.streams.CloseAll()
}

// Streams reports the state of every registered stream.
func (c *Client) Streams() []market.StreamStatus {
	return c.streams.Streams()
}

// PlaceOrder submits an order. A missing client order id is generated. Rejections wrap
// common.ErrOrderRejected.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.ClientID == "" {
		req.ClientID = NewClientOrderID()
	}
	if req.Type == "" {
		req.Type = common.OrderTypeMarket
	}
	return c.orders.SubmitOrder(ctx, req)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return c.orders.CancelOrder(ctx, symbol, orderID)
}

// GetAccountBalance returns free/locked balances per asset.
func (c *Client) GetAccountBalance(ctx context.Context) (common.Balances, error) {
	return c.orders.Balances(ctx)
}

// GetOpenOrders lists open orders for symbol (all symbols when empty). Paper orders
// fill immediately, so dry runs never have any.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]spot.OpenOrder, error) {
	if c.paper != nil {
		return nil, nil
	}
	return c.rest.GetOpenOrders(ctx, symbol)
}

// GetOrder fetches one order's status.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*spot.OpenOrder, error) {
	if c.paper != nil {
		return c.paper.Order(symbol, orderID)
	}
	return c.rest.GetOrder(ctx, symbol, orderID)
}

// GetKlines fetches recent candles over REST.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	return c.public.GetKlines(ctx, symbol, interval, limit)
}

// SymbolFilters returns the LOT_SIZE/PRICE/NOTIONAL filters for symbol, cached after
// the first lookup.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	f, ok := c.filters[symbol]
	c.mu.Unlock()
	if ok {
		return f, nil
	}

	f, err := c.rest.ExchangeInfo(ctx, symbol)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	c.mu.Lock()
	c.filters[symbol] = f
	c.mu.Unlock()
	return f, nil
}

// Ping checks that the REST endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rest.Ping(ctx)
}

// CheckCredentials verifies the API key can read the account. Dry runs skip the check.
func (c *Client) CheckCredentials(ctx context.Context) error {
	if c.paper != nil {
		return nil
	}
	info, err := c.rest.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("credential check: %w", err)
	}
	if !info.CanTrade {
		log.Printf("exchange: account reports canTrade=false, orders will be rejected")
	}
	return nil
}

// NewClientOrderID returns a unique id within Binance's 36 character limit.
func NewClientOrderID() string {
	return "bt" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
