package strategy

import (
	"fmt"

	talib "github.com/markcheno/go-talib"
)

// MACross buys when the fast EMA crosses above the slow EMA (golden cross) and sells on
// the opposite cross.
type MACross struct {
	Fast int
	Slow int
}

// NewMACross returns an EMA cross evaluator; defaults are 12 / 26.
func NewMACross(fast, slow int) MACross {
	if fast <= 0 {
		fast = 12
	}
	if slow <= fast {
		slow = 26
		if slow <= fast {
			slow = fast * 2
		}
	}
	return MACross{Fast: fast, Slow: slow}
}

func (m MACross) Name() string { return fmt.Sprintf("MA_Cross_%d_%d", m.Fast, m.Slow) }

// Lookback covers the slow EMA seed plus one bar to detect the cross.
func (m MACross) Lookback() int { return m.Slow + 1 }

func (m MACross) Evaluate(closes []float64) Signal {
	n := len(closes)
	if n < m.Lookback() {
		return SignalHold
	}
	fast := talib.Ema(closes, m.Fast)
	slow := talib.Ema(closes, m.Slow)

	prevDiff := fast[n-2] - slow[n-2]
	diff := fast[n-1] - slow[n-1]
	switch {
	case prevDiff <= 0 && diff > 0:
		return SignalBuy
	case prevDiff >= 0 && diff < 0:
		return SignalSell
	}
	return SignalHold
}
