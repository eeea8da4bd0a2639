package strategy

import (
	talib "github.com/markcheno/go-talib"
)

// Scalping combines RSI, EMA20 and MACD(12,26,9) with a three-bar momentum setup.
//
// BUY: three rising closes with RSI below oversold, or MACD crossing above its signal
// line while price is above the EMA.
// SELL: RSI above overbought, or three falling closes with MACD below its signal line.
type Scalping struct {
	RSI       RSI
	EMAPeriod int
}

// NewScalping uses the given RSI thresholds and a 20 bar EMA.
func NewScalping(rsi RSI, emaPeriod int) Scalping {
	if emaPeriod <= 0 {
		emaPeriod = 20
	}
	return Scalping{RSI: rsi, EMAPeriod: emaPeriod}
}

func (s Scalping) Name() string { return "Scalping" }

// Lookback is the MACD(12,26,9) warm-up plus one bar for the cross check.
func (s Scalping) Lookback() int {
	l := 26 + 9
	if s.EMAPeriod > l {
		l = s.EMAPeriod
	}
	if s.RSI.Period+1 > l {
		l = s.RSI.Period + 1
	}
	return l
}

func (s Scalping) Evaluate(closes []float64) Signal {
	n := len(closes)
	if n < s.Lookback() {
		return SignalHold
	}
	rsi, ok := rsiValue(closes, s.RSI.Period)
	if !ok {
		return SignalHold
	}
	ema := talib.Ema(closes, s.EMAPeriod)[n-1]
	macd, signal, _ := talib.Macd(closes, 12, 26, 9)

	last := closes[n-1]
	bullish := last > closes[n-2] && closes[n-2] > closes[n-3]
	bearish := last < closes[n-2] && closes[n-2] < closes[n-3]
	crossUp := macd[n-2] <= signal[n-2] && macd[n-1] > signal[n-1]

	switch {
	case bullish && rsi < s.RSI.Oversold:
		return SignalBuy
	case crossUp && last > ema:
		return SignalBuy
	case rsi > s.RSI.Overbought:
		return SignalSell
	case bearish && macd[n-1] < signal[n-1]:
		return SignalSell
	}
	return SignalHold
}
