package strategy

import (
	market "binance-trader/pkg/market/binance"
)

// HistoryCapacity is the number of candles kept per symbol.
const HistoryCapacity = 100

// History is a fixed-capacity FIFO ring of candles. Pushing past capacity evicts the
// oldest candle. Not safe for concurrent use.
type History struct {
	data  []market.Kline
	front int
	size  int
}

// NewHistory creates a ring holding at most capacity candles.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &History{data: make([]market.Kline, capacity)}
}

// Push appends k, evicting the oldest candle when full.
func (h *History) Push(k market.Kline) {
	rear := (h.front + h.size) % len(h.data)
	h.data[rear] = k
	if h.size == len(h.data) {
		h.front = (h.front + 1) % len(h.data)
		return
	}
	h.size++
}

// Len returns the number of candles held.
func (h *History) Len() int { return h.size }

// Cap returns the ring capacity.
func (h *History) Cap() int { return len(h.data) }

// Get returns the i-th candle, 0 being the oldest.
func (h *History) Get(i int) market.Kline {
	return h.data[(h.front+i)%len(h.data)]
}

// Last returns the newest candle.
func (h *History) Last() (market.Kline, bool) {
	if h.size == 0 {
		return market.Kline{}, false
	}
	return h.Get(h.size - 1), true
}

// Closes returns the closing prices, oldest first.
func (h *History) Closes() []float64 {
	out := make([]float64, h.size)
	for i := range out {
		out[i] = h.Get(i).Close
	}
	return out
}
