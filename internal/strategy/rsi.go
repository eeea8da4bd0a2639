package strategy

import (
	"fmt"

	talib "github.com/markcheno/go-talib"
)

// RSI goes long when RSI drops below Oversold and exits above Overbought.
type RSI struct {
	Period     int
	Oversold   float64
	Overbought float64
}

// NewRSI returns an RSI evaluator; zero values fall back to 14 / 30 / 70.
func NewRSI(period int, oversold, overbought float64) RSI {
	if period < 2 {
		period = 14
	}
	if oversold <= 0 {
		oversold = 30
	}
	if overbought <= 0 {
		overbought = 70
	}
	return RSI{Period: period, Oversold: oversold, Overbought: overbought}
}

func (r RSI) Name() string { return fmt.Sprintf("RSI_%d", r.Period) }

func (r RSI) Lookback() int { return r.Period }

func (r RSI) Evaluate(closes []float64) Signal {
	v, ok := rsiValue(closes, r.Period)
	if !ok {
		return SignalHold
	}
	switch {
	case v < r.Oversold:
		return SignalBuy
	case v > r.Overbought:
		return SignalSell
	}
	return SignalHold
}

// rsiValue returns the latest RSI of closes. It needs at least period closes; with
// exactly period closes the period-1 available changes are averaged. A window without
// any price change is neutral (50).
func rsiValue(closes []float64, period int) (float64, bool) {
	if period < 2 || len(closes) < period {
		return 0, false
	}
	p := period
	if len(closes) < period+1 {
		p = len(closes) - 1
	}
	if p < 2 {
		return 0, false
	}
	if flat(closes[len(closes)-p-1:]) {
		return 50, true
	}
	series := talib.Rsi(closes, p)
	return series[len(series)-1], true
}

func flat(values []float64) bool {
	for i := 1; i < len(values); i++ {
		if values[i] != values[0] {
			return false
		}
	}
	return true
}
