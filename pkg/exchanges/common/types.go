package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes spot order types.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
	OrderTypeLimitMaker    OrderType = "LIMIT_MAKER"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to the exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT
	StopPrice   float64 // required for STOP_LOSS_LIMIT
	TimeInForce TimeInForce
	ClientID    string // optional client order id
}

// OrderResult is the exchange ack, including fill information for market orders.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Status          OrderStatus
	ExecutedQty     float64
	QuoteQty        float64 // cumulative quote spent/received
	AvgPrice        float64 // 0 when nothing filled
	TransactTime    int64
	// Commissions sums the fees charged per asset across fills.
	Commissions map[string]float64
}

// NetQty is the executed quantity minus any commission charged in baseAsset, which is
// what a BUY actually leaves in the account.
func (r OrderResult) NetQty(baseAsset string) float64 {
	fee := r.Commissions[baseAsset]
	if baseAsset == "" || fee <= 0 {
		return r.ExecutedQty
	}
	net := decimal.NewFromFloat(r.ExecutedQty).Sub(decimal.NewFromFloat(fee))
	if net.IsNegative() {
		return 0
	}
	return net.InexactFloat64()
}

// Fill represents a single trade fill reported with an order.
type Fill struct {
	Price           float64
	Qty             float64
	Commission      float64
	CommissionAsset string
}

// Balance is a free/locked pair for one asset.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Balances maps asset to balance.
type Balances map[string]Balance

// Free returns the free amount for asset, 0 if unknown.
func (b Balances) Free(asset string) float64 {
	return b[asset].Free
}

// SymbolFilters holds the order-size constraints of a trading pair.
type SymbolFilters struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	TickSize    float64
	MinNotional float64
}
