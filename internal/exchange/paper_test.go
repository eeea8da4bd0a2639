package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-trader/pkg/exchanges/common"
)

func TestPaperRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewPaper("USDT", 1000, 0)
	p.Mark("FOOUSDT", 86)

	buy, err := p.SubmitOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1.5})
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, buy.Status)
	assert.Equal(t, 86.0, buy.AvgPrice)
	assert.Equal(t, 1.5, buy.ExecutedQty)
	assert.Equal(t, 129.0, buy.QuoteQty)

	bal, err := p.Balances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 871.0, bal.Free("USDT"))
	assert.Equal(t, 1.5, bal.Free("FOO"))

	p.Mark("FOOUSDT", 90)
	sell, err := p.SubmitOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 90.0, sell.AvgPrice)

	bal, err = p.Balances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1006.0, bal.Free("USDT"))
	_, hasFoo := bal["FOO"]
	assert.False(t, hasFoo, "empty balances are omitted")

	ord, err := p.Order("FOOUSDT", sell.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, "SELL", ord.Side)
	assert.ErrorIs(t, p.CancelOrder(ctx, "FOOUSDT", sell.ExchangeOrderID), common.ErrOrderRejected)
}

func TestPaperChargesFees(t *testing.T) {
	p := NewPaper("USDT", 100, 0.001)
	p.Mark("FOOUSDT", 10)
	_, err := p.SubmitOrder(context.Background(), common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 5})
	require.NoError(t, err)
	bal, _ := p.Balances(context.Background())
	assert.InDelta(t, 49.95, bal.Free("USDT"), 1e-9)
}

func TestPaperRejections(t *testing.T) {
	tests := []struct {
		name string
		mark float64
		req  common.OrderRequest
	}{
		{name: "no price yet", req: common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1}},
		{name: "insufficient quote", mark: 86, req: common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 100}},
		{name: "nothing to sell", mark: 86, req: common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideSell, Type: common.OrderTypeMarket, Qty: 1}},
		{name: "zero quantity", mark: 86, req: common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket}},
		{name: "other quote asset", mark: 86, req: common.OrderRequest{Symbol: "FOOBTC", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPaper("USDT", 1000, 0)
			if tt.mark > 0 {
				p.Mark("FOOUSDT", tt.mark)
				p.Mark("FOOBTC", tt.mark)
			}
			_, err := p.SubmitOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, common.ErrOrderRejected)

			bal, _ := p.Balances(context.Background())
			assert.Equal(t, 1000.0, bal.Free("USDT"), "a rejected order must not move balances")
		})
	}
}

func TestPaperCreditMakesRestoredHoldingSellable(t *testing.T) {
	ctx := context.Background()
	paper := NewPaper("USDT", 0, 0)
	client := New(Options{Paper: paper})
	paper.Mark("FOOUSDT", 10)

	_, err := client.PlaceOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideSell, Qty: 3})
	require.ErrorIs(t, err, common.ErrOrderRejected, "nothing to sell before the credit")

	require.NoError(t, client.CreditPaper("FOOUSDT", 3))
	res, err := client.PlaceOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideSell, Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.ExecutedQty)

	bal, err := client.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, bal.Free("USDT"))

	assert.Error(t, paper.Credit("FOOBTC", 1), "only quote-asset pairs")
	assert.Error(t, paper.Credit("FOOUSDT", 0))
	assert.NoError(t, New(Options{}).CreditPaper("FOOUSDT", 1), "live clients ignore credits")
}
