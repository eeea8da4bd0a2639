package events

import "time"

// Event enumerates the topics published by the trading runtime.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventSignal         Event = "strategy_signal"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventOrderRejected  Event = "order.rejected"
	EventRiskTrigger    Event = "risk.trigger"
	EventStreamLost     Event = "stream.exhausted"
)

// All lists every topic, in the order the status websocket subscribes to them.
var All = []Event{
	EventPriceTick,
	EventSignal,
	EventPositionOpened,
	EventPositionClosed,
	EventOrderRejected,
	EventRiskTrigger,
	EventStreamLost,
}

// PriceTick is published for every closed candle handed to the position manager.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Close  float64   `json:"close"`
	Time   time.Time `json:"time"`
}

// Signal records a strategy decision that led to an order attempt.
type Signal struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"` // ENTER / EXIT
	Reason string `json:"reason"`
}

// PositionOpened follows a filled entry order.
type PositionOpened struct {
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	OrderID    string    `json:"order_id"`
	OpenedAt   time.Time `json:"opened_at"`
}

// PositionClosed follows a filled exit order.
type PositionClosed struct {
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnLPercent float64   `json:"pnl_percent"`
	Reason     string    `json:"reason"`
	ClosedAt   time.Time `json:"closed_at"`
}

// OrderRejected is published when the exchange refuses an order or the call fails.
type OrderRejected struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Error  string `json:"error"`
}

// RiskTrigger is a stop-loss, take-profit or trailing-stop hit.
type RiskTrigger struct {
	Symbol       string  `json:"symbol"`
	Reason       string  `json:"reason"`
	TriggerPrice float64 `json:"trigger_price"`
	CurrentPrice float64 `json:"current_price"`
}

// StreamLost is published when a stream gives up reconnecting.
type StreamLost struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}
