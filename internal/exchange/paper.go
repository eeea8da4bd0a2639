package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/pkg/exchanges/binance/spot"
	"binance-trader/pkg/exchanges/common"
)

// Paper is an in-memory exchange for dry runs. Market orders fill immediately at the
// last price seen on the kline stream, minus a flat fee, against simulated balances.
type Paper struct {
	mu       sync.Mutex
	quote    string
	feeRate  decimal.Decimal
	balances map[string]decimal.Decimal
	marks    map[string]decimal.Decimal
	orders   map[string]spot.OpenOrder
	seq      int64
	now      func() time.Time
}

// NewPaper starts with initialQuote of the quote asset and nothing else.
func NewPaper(quoteAsset string, initialQuote, feeRate float64) *Paper {
	quote := strings.ToUpper(quoteAsset)
	return &Paper{
		quote:    quote,
		feeRate:  decimal.NewFromFloat(feeRate),
		balances: map[string]decimal.Decimal{quote: decimal.NewFromFloat(initialQuote)},
		marks:    make(map[string]decimal.Decimal),
		orders:   make(map[string]spot.OpenOrder),
		now:      time.Now,
	}
}

// Mark records the latest traded price for symbol.
func (p *Paper) Mark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.marks[strings.ToUpper(symbol)] = decimal.NewFromFloat(price)
	p.mu.Unlock()
}

// Credit adds qty of symbol's base asset, e.g. for a position restored from the journal.
func (p *Paper) Credit(symbol string, qty float64) error {
	base, ok := strings.CutSuffix(strings.ToUpper(symbol), p.quote)
	if !ok || base == "" {
		return fmt.Errorf("paper exchange only trades %s pairs, got %s", p.quote, symbol)
	}
	if qty <= 0 {
		return fmt.Errorf("credit %s: quantity must be positive, got %v", symbol, qty)
	}
	p.mu.Lock()
	p.balances[base] = p.balances[base].Add(decimal.NewFromFloat(qty))
	p.mu.Unlock()
	return nil
}

// SubmitOrder fills MARKET orders at the mark and LIMIT orders at their limit price.
func (p *Paper) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	symbol := strings.ToUpper(req.Symbol)
	base, ok := strings.CutSuffix(symbol, p.quote)
	if !ok || base == "" {
		return common.OrderResult{}, fmt.Errorf("%w: paper exchange only trades %s pairs, got %s", common.ErrOrderRejected, p.quote, symbol)
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("%w: quantity must be positive, got %v", common.ErrOrderRejected, req.Qty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.marks[symbol]
	if req.Type != common.OrderTypeMarket && req.Price > 0 {
		price = decimal.NewFromFloat(req.Price)
	}
	if !price.IsPositive() {
		return common.OrderResult{}, fmt.Errorf("%w: no market price for %s yet", common.ErrOrderRejected, symbol)
	}

	qty := decimal.NewFromFloat(req.Qty)
	notional := qty.Mul(price)
	fee := notional.Mul(p.feeRate)

	switch req.Side {
	case common.SideBuy:
		cost := notional.Add(fee)
		if cost.GreaterThan(p.balances[p.quote]) {
			return common.OrderResult{}, fmt.Errorf("%w: insufficient %s balance: need %s, have %s",
				common.ErrOrderRejected, p.quote, cost.StringFixed(8), p.balances[p.quote].StringFixed(8))
		}
		p.balances[p.quote] = p.balances[p.quote].Sub(cost)
		p.balances[base] = p.balances[base].Add(qty)
	case common.SideSell:
		if qty.GreaterThan(p.balances[base]) {
			return common.OrderResult{}, fmt.Errorf("%w: insufficient %s balance: need %s, have %s",
				common.ErrOrderRejected, base, qty.String(), p.balances[base].String())
		}
		p.balances[base] = p.balances[base].Sub(qty)
		p.balances[p.quote] = p.balances[p.quote].Add(notional.Sub(fee))
	default:
		return common.OrderResult{}, fmt.Errorf("%w: unknown side %q", common.ErrOrderRejected, req.Side)
	}

	p.seq++
	id := strconv.FormatInt(p.seq, 10)
	ts := p.now().UnixMilli()
	p.orders[id] = spot.OpenOrder{
		Symbol:  symbol,
		OrderID: p.seq,
		Side:    string(req.Side),
		Type:    string(req.Type),
		Price:   price.String(),
		OrigQty: qty.String(),
		ExecQty: qty.String(),
		Status:  string(common.StatusFilled),
		Time:    ts,
	}

	return common.OrderResult{
		ExchangeOrderID: id,
		ClientID:        req.ClientID,
		Symbol:          symbol,
		Side:            req.Side,
		Status:          common.StatusFilled,
		ExecutedQty:     qty.InexactFloat64(),
		QuoteQty:        notional.InexactFloat64(),
		AvgPrice:        price.InexactFloat64(),
		TransactTime:    ts,
	}, nil
}

// CancelOrder always fails: paper orders are filled on submission.
func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("%w: unknown order %s on %s", common.ErrOrderRejected, orderID, symbol)
	}
	return fmt.Errorf("%w: order %s already filled", common.ErrOrderRejected, orderID)
}

// Balances returns the simulated non-zero balances.
func (p *Paper) Balances(context.Context) (common.Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(common.Balances, len(p.balances))
	for asset, amt := range p.balances {
		if amt.IsZero() {
			continue
		}
		out[asset] = common.Balance{Asset: asset, Free: amt.InexactFloat64()}
	}
	return out, nil
}

// Order returns a previously filled paper order.
func (p *Paper) Order(symbol, orderID string) (*spot.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || !strings.EqualFold(o.Symbol, symbol) {
		return nil, fmt.Errorf("paper order %s on %s not found", orderID, symbol)
	}
	return &o, nil
}
