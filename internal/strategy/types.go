package strategy

import (
	market "binance-trader/pkg/market/binance"
)

// Signal is the tri-state outcome of evaluating a price history.
type Signal int

const (
	SignalHold Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Strategy is what the position manager drives, one instance per symbol.
// Update appends a closed candle; ShouldEnter and ShouldExit are pure queries over the
// current history and return false while the history is shorter than the lookback.
type Strategy interface {
	Update(k market.Kline)
	ShouldEnter() bool
	ShouldExit() bool
}

// Evaluator turns closing prices (oldest first) into a Signal without side effects.
type Evaluator interface {
	Name() string
	// Lookback is the minimum number of closes Evaluate needs to return anything but HOLD.
	Lookback() int
	Evaluate(closes []float64) Signal
}
