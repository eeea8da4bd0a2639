package risk

import (
	"fmt"
	"sync"
)

// Exit reasons reported by StopLossManager.
const (
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonTrailingStop = "TRAILING_STOP"
)

// Config holds the per-position protection percentages. Zero disables a check.
type Config struct {
	StopLossPct     float64 // e.g. 1.0 = exit 1% below entry
	TakeProfitPct   float64 // e.g. 2.0 = exit 2% above entry
	TrailingStopPct float64 // e.g. 0.5 = exit 0.5% below the high-water mark
}

// StopLossManager tracks stop-loss, take-profit and trailing levels for long spot
// positions. Levels are checked against candle closes; no orders rest on the exchange.
type StopLossManager struct {
	cfg       Config
	positions map[string]*StopLossPosition // key: symbol
	mu        sync.RWMutex
}

// StopLossPosition tracks protection levels for one position.
type StopLossPosition struct {
	Symbol        string  `json:"symbol"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	TrailingStop  float64 `json:"trailing_stop,omitempty"`
	HighWaterMark float64 `json:"high_water_mark"`
}

// StopLossDecision is returned when a level is crossed.
type StopLossDecision struct {
	Symbol       string
	Reason       string
	TriggerPrice float64
	Price        float64
}

func (d StopLossDecision) String() string {
	return fmt.Sprintf("%s %s: price %.8g crossed %.8g", d.Symbol, d.Reason, d.Price, d.TriggerPrice)
}

// NewStopLossManager creates a new stop loss manager
func NewStopLossManager(cfg Config) *StopLossManager {
	return &StopLossManager{
		cfg:       cfg,
		positions: make(map[string]*StopLossPosition),
	}
}

// Enabled reports whether any protection level is configured.
func (m *StopLossManager) Enabled() bool {
	return m.cfg.StopLossPct > 0 || m.cfg.TakeProfitPct > 0 || m.cfg.TrailingStopPct > 0
}

// AddPosition starts tracking symbol from entryPrice, replacing any previous levels.
func (m *StopLossManager) AddPosition(symbol string, entryPrice float64) StopLossPosition {
	pos := StopLossPosition{
		Symbol:        symbol,
		EntryPrice:    entryPrice,
		CurrentPrice:  entryPrice,
		HighWaterMark: entryPrice,
	}
	if m.cfg.StopLossPct > 0 {
		pos.StopLoss = entryPrice * (1 - m.cfg.StopLossPct/100)
	}
	if m.cfg.TakeProfitPct > 0 {
		pos.TakeProfit = entryPrice * (1 + m.cfg.TakeProfitPct/100)
	}
	if m.cfg.TrailingStopPct > 0 {
		pos.TrailingStop = entryPrice * (1 - m.cfg.TrailingStopPct/100)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &pos
	return pos
}

// UpdatePrice records the latest price and returns a decision when a level is crossed.
// Stop-loss wins over trailing stop, which wins over take-profit.
func (m *StopLossManager) UpdatePrice(symbol string, price float64) *StopLossDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, exists := m.positions[symbol]
	if !exists || price <= 0 {
		return nil
	}
	pos.CurrentPrice = price

	if m.cfg.TrailingStopPct > 0 && price > pos.HighWaterMark {
		pos.HighWaterMark = price
		pos.TrailingStop = price * (1 - m.cfg.TrailingStopPct/100)
	}

	switch {
	case pos.StopLoss > 0 && price <= pos.StopLoss:
		return &StopLossDecision{Symbol: symbol, Reason: ReasonStopLoss, TriggerPrice: pos.StopLoss, Price: price}
	case pos.TrailingStop > 0 && price <= pos.TrailingStop:
		return &StopLossDecision{Symbol: symbol, Reason: ReasonTrailingStop, TriggerPrice: pos.TrailingStop, Price: price}
	case pos.TakeProfit > 0 && price >= pos.TakeProfit:
		return &StopLossDecision{Symbol: symbol, Reason: ReasonTakeProfit, TriggerPrice: pos.TakeProfit, Price: price}
	}
	return nil
}

// RemovePosition removes a position from tracking
func (m *StopLossManager) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// GetPosition returns a copy of the tracked levels for symbol.
func (m *StopLossManager) GetPosition(symbol string) (StopLossPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return StopLossPosition{}, false
	}
	return *pos, true
}

// GetAllPositions returns all tracked positions.
func (m *StopLossManager) GetAllPositions() map[string]StopLossPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]StopLossPosition, len(m.positions))
	for k, v := range m.positions {
		result[k] = *v
	}
	return result
}
