package strategy

import (
	"sync"

	market "binance-trader/pkg/market/binance"
)

// Engine binds an Evaluator to one symbol's candle history and implements Strategy.
// The signal is evaluated once per Update, so ShouldEnter/ShouldExit are plain reads.
type Engine struct {
	symbol string
	eval   Evaluator

	mu      sync.RWMutex
	history *History
	signal  Signal
}

// NewEngine creates an engine with an empty history of HistoryCapacity candles.
func NewEngine(symbol string, eval Evaluator) *Engine {
	return &Engine{symbol: symbol, eval: eval, history: NewHistory(HistoryCapacity)}
}

// Update appends a closed candle and re-evaluates. Open candles are ignored.
func (e *Engine) Update(k market.Kline) {
	if !k.IsClosed {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history.Push(k)
	closes := e.history.Closes()
	if len(closes) < e.eval.Lookback() {
		e.signal = SignalHold
		return
	}
	e.signal = e.eval.Evaluate(closes)
}

func (e *Engine) ShouldEnter() bool { return e.Signal() == SignalBuy }

func (e *Engine) ShouldExit() bool { return e.Signal() == SignalSell }

// Signal returns the result of the last evaluation.
func (e *Engine) Signal() Signal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signal
}

// Len returns the number of candles in the history.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Len()
}

// Name returns the evaluator name.
func (e *Engine) Name() string { return e.eval.Name() }

// Symbol returns the symbol this engine trades.
func (e *Engine) Symbol() string { return e.symbol }
