package strategy

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	market "binance-trader/pkg/market/binance"
)

func candle(close float64) market.Kline {
	return market.Kline{Symbol: "FOOUSDT", Interval: "1m", Close: close, IsClosed: true}
}

func linear(from, to float64, n int) []float64 {
	out := make([]float64, n)
	step := (to - from) / float64(n-1)
	for i := range out {
		out[i] = from + step*float64(i)
	}
	return out
}

func TestRSIBuysAfterFallingCloses(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
	}{
		{name: "14 closes 100 to 86", closes: linear(100, 86, 14)},
		{name: "15 closes 100 to 86", closes: linear(100, 86, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine("FOOUSDT", NewRSI(14, 30, 70))
			for i, c := range tt.closes {
				e.Update(candle(c))
				if i < 13 {
					require.False(t, e.ShouldEnter(), "history of %d closes must hold", i+1)
					require.False(t, e.ShouldExit())
				}
			}
			assert.True(t, e.ShouldEnter())
			assert.False(t, e.ShouldExit())
			assert.Equal(t, SignalBuy, e.Signal())
		})
	}
}

func TestRSISellsAfterRally(t *testing.T) {
	r := NewRSI(14, 30, 70)
	assert.Equal(t, SignalSell, r.Evaluate(linear(86, 100, 20)))
}

func TestRSIShortAndFlatHistoryHolds(t *testing.T) {
	r := NewRSI(14, 30, 70)
	assert.Equal(t, 14, r.Lookback(), "period closes are enough to evaluate")
	assert.Equal(t, SignalHold, r.Evaluate(nil))
	assert.Equal(t, SignalHold, r.Evaluate(linear(100, 90, 13)))

	flatCloses := make([]float64, 30)
	for i := range flatCloses {
		flatCloses[i] = 42
	}
	assert.Equal(t, SignalHold, r.Evaluate(flatCloses))
}

func TestOpenCandlesNeverReachHistory(t *testing.T) {
	e := NewEngine("FOOUSDT", NewRSI(14, 30, 70))
	for _, c := range linear(100, 86, 20) {
		k := candle(c)
		k.IsClosed = false
		e.Update(k)
	}
	assert.Equal(t, 0, e.Len())
	assert.False(t, e.ShouldEnter())
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(HistoryCapacity)
	for i := 0; i < 150; i++ {
		h.Push(candle(float64(i)))
	}
	require.Equal(t, 100, h.Len())
	require.Equal(t, 100, h.Cap())

	closes := h.Closes()
	assert.Equal(t, 50.0, closes[0])
	assert.Equal(t, 149.0, closes[99])
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 149.0, last.Close)

	_, ok = NewHistory(0).Last()
	assert.False(t, ok)
}

func TestDecisionsAreDeterministic(t *testing.T) {
	prices := make([]float64, 200)
	for i := range prices {
		prices[i] = 100 + 10*math.Sin(float64(i)/7) + float64(i%5)
	}

	for _, typ := range []string{TypeRSI, TypeScalping, TypeMACross} {
		t.Run(typ, func(t *testing.T) {
			a, err := New(Config{Type: typ, Symbol: "FOOUSDT"})
			require.NoError(t, err)
			b, err := New(Config{Type: typ, Symbol: "FOOUSDT"})
			require.NoError(t, err)
			for _, p := range prices {
				a.Update(candle(p))
				b.Update(candle(p))
				require.Equal(t, a.Signal(), b.Signal())
			}
		})
	}
}

func TestMACrossSignalsOnlyOnCross(t *testing.T) {
	m := NewMACross(12, 26)
	assert.Equal(t, 27, m.Lookback())

	prices := append(linear(100, 61, 40), linear(63, 141, 40)...)
	var buys, sells int
	for n := 1; n <= len(prices); n++ {
		switch m.Evaluate(prices[:n]) {
		case SignalBuy:
			buys++
			assert.Greater(t, n, 40, "no golden cross while falling")
		case SignalSell:
			sells++
		}
	}
	assert.Equal(t, 1, buys)
	assert.Equal(t, 0, sells)
}

func TestScalping(t *testing.T) {
	s := NewScalping(NewRSI(14, 30, 70), 20)
	assert.Equal(t, 35, s.Lookback())
	assert.Equal(t, SignalHold, s.Evaluate(linear(100, 80, 34)))

	dip := append(linear(100, 61, 40), 61.1, 61.2)
	assert.Equal(t, SignalBuy, s.Evaluate(dip), "bullish setup while oversold")

	assert.Equal(t, SignalSell, s.Evaluate(linear(60, 100, 40)), "overbought")
}

func TestLoadConfigAndResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strategies:
  - id: eth-scalp
    type: scalping
    symbol: ethusdt
    is_active: true
    parameters:
      period: 7
      oversold: 25
      ema_period: 10
  - id: btc-off
    type: ma_cross
    symbol: BTCUSDT
    is_active: false
`), 0o644))

	cfgs, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	resolved := Resolve(cfgs, []string{"BTCUSDT", "ETHUSDT"}, TypeRSI)
	require.Len(t, resolved, 2)
	assert.Equal(t, TypeRSI, resolved[0].Type, "inactive entries fall back to the default")
	assert.Equal(t, "BTCUSDT", resolved[0].Symbol)
	assert.Equal(t, TypeScalping, resolved[1].Type)
	assert.Equal(t, "ETHUSDT", resolved[1].Symbol)

	eng, err := New(resolved[1])
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", eng.Symbol())
	sc, ok := eng.eval.(Scalping)
	require.True(t, ok)
	assert.Equal(t, 7, sc.RSI.Period)
	assert.Equal(t, 25.0, sc.RSI.Oversold)
	assert.Equal(t, 70.0, sc.RSI.Overbought)
	assert.Equal(t, 10, sc.EMAPeriod)

	missing, err := LoadConfig(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = New(Config{Type: "martingale", Symbol: "FOOUSDT"})
	assert.Error(t, err)
}
