package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-trader/pkg/exchanges/binance/spot"
	"binance-trader/pkg/exchanges/common"
	market "binance-trader/pkg/market/binance"
)

const closedKline = `{"e":"kline","E":1700000060000,"s":"FOOUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"FOOUSDT","i":"1m","o":"87","c":"86","h":"88","l":"85","v":"10","n":3,"x":true,"q":"860","V":"5","Q":"430"}}`

func newStreamServer(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestSubscribeKlinesFeedsPaperFills(t *testing.T) {
	wsURL := newStreamServer(t,
		`{"e":"24hrTicker","s":"FOOUSDT"}`,
		closedKline,
	)
	paper := NewPaper("USDT", 1000, 0)
	client := New(Options{Streams: market.StreamConfig{BaseURL: wsURL}, Paper: paper})
	require.True(t, client.DryRun())

	ctx := context.Background()
	ch, err := client.SubscribeKlines(ctx, "FOOUSDT", "1m")
	require.NoError(t, err)

	again, err := client.SubscribeKlines(ctx, "FOOUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, ch, again, "second subscribe returns the live channel")

	select {
	case k := <-ch:
		assert.Equal(t, "FOOUSDT", k.Symbol)
		assert.Equal(t, 86.0, k.Close)
		assert.True(t, k.IsClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no kline delivered")
	}

	res, err := client.PlaceOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, 86.0, res.AvgPrice)
	assert.NotEmpty(t, res.ClientID)

	orders, err := client.GetOpenOrders(ctx, "FOOUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
	require.NoError(t, client.CheckCredentials(ctx))

	require.Len(t, client.Streams(), 1)
	client.CloseAllStreams()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after CloseAllStreams")
	case <-time.After(2 * time.Second):
		t.Fatal("kline channel not closed")
	}
	assert.Empty(t, client.Streams())
}

func TestSubscribeKlinesDialFailure(t *testing.T) {
	client := New(Options{Streams: market.StreamConfig{BaseURL: "ws://127.0.0.1:1/ws"}})
	_, err := client.SubscribeKlines(context.Background(), "FOOUSDT", "1m")
	require.ErrorIs(t, err, common.ErrConnection)
}

func TestRESTCallsShareLimiter(t *testing.T) {
	var exchangeInfoCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		exchangeInfoCalls.Add(1)
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"FOOUSDT","baseAsset":"FOO","quoteAsset":"USDT","filters":[
			{"filterType":"LOT_SIZE","minQty":"0.01","maxQty":"1000","stepSize":"0.01"}]}]}`))
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[1700000000000,"100","101","99","100.5","10",1700000059999,"1000",5,"4","400","0"]]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	limiter := common.NewRateLimiter(100, time.Minute)
	client := New(Options{
		Spot:          spot.Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL},
		Limiter:       limiter,
		MarketBaseURL: srv.URL,
	})
	ctx := context.Background()

	_, err := client.PlaceOrder(ctx, common.OrderRequest{Symbol: "FOOUSDT", Side: common.SideBuy, Qty: 1})
	require.ErrorIs(t, err, common.ErrOrderRejected)
	var apiErr *common.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2010, apiErr.Code)

	for i := 0; i < 3; i++ {
		f, err := client.SymbolFilters(ctx, "fooUSDT")
		require.NoError(t, err)
		assert.Equal(t, 0.01, f.StepSize)
	}
	assert.Equal(t, int32(1), exchangeInfoCalls.Load(), "filters are cached")

	klines, err := client.GetKlines(ctx, "FOOUSDT", "1m", 1)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	assert.Equal(t, 100.5, klines[0].Close)
	assert.True(t, klines[0].IsClosed)

	assert.Equal(t, 3, limiter.Usage().InWindow, "order, exchangeInfo and klines all pass the limiter")
}

func TestNewClientOrderID(t *testing.T) {
	a, b := NewClientOrderID(), NewClientOrderID()
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), 36)
	assert.True(t, strings.HasPrefix(a, "bt"))
}
