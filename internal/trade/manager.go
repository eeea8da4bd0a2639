package trade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"binance-trader/internal/events"
	"binance-trader/internal/exchange"
	"binance-trader/internal/monitor"
	"binance-trader/internal/risk"
	"binance-trader/internal/strategy"
	"binance-trader/pkg/db"
	"binance-trader/pkg/exchanges/common"
	market "binance-trader/pkg/market/binance"
)

// State is the per-symbol position lifecycle.
type State string

const (
	StateFlat       State = "FLAT"
	StateEntering   State = "ENTERING"
	StateInPosition State = "IN_POSITION"
	StateExiting    State = "EXITING"
)

// Exit reasons besides the risk.Reason* ones.
const (
	ReasonSignal   = "SIGNAL"
	ReasonShutdown = "SHUTDOWN"
)

// ErrBelowMinimum means the sized order is under the symbol's LOT_SIZE or notional floor.
var ErrBelowMinimum = errors.New("order size below exchange minimum")

// Exchange is the subset of exchange.Client the manager trades through.
type Exchange interface {
	PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
	GetAccountBalance(ctx context.Context) (common.Balances, error)
	SymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error)
}

// Journal persists orders, open positions and closed trades.
type Journal interface {
	RecordOrder(ctx context.Context, o db.Order) error
	SavePosition(ctx context.Context, p db.Position) error
	CloseTrade(ctx context.Context, t db.Trade) error
}

// Position is a filled long holding. At most one exists per symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Config holds sizing and protection settings.
type Config struct {
	QuoteAsset      string
	MaxPositionSize float64 // quote-asset ceiling per entry
	BalanceFraction float64 // share of free quote balance per entry, default 0.10
	MaxTradesPerDay int     // <= 0 means unlimited
	Risk            risk.Config
}

// Manager drives one strategy per symbol and turns its signals into market orders.
// States, positions and the check-then-transition step share one mutex; exchange calls
// are made outside it.
type Manager struct {
	cfg      Config
	exchange Exchange

	// Optional collaborators.
	Journal Journal
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics

	stops *risk.StopLossManager
	daily *risk.DailyTradeLimit

	mu         sync.Mutex
	strategies map[string]strategy.Strategy
	states     map[string]State
	positions  map[string]Position
	lastPrice  map[string]float64
}

// NewManager builds a manager for the given symbol -> strategy set.
func NewManager(cfg Config, ex Exchange, strategies map[string]strategy.Strategy) *Manager {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.BalanceFraction <= 0 {
		cfg.BalanceFraction = 0.10
	}
	m := &Manager{
		cfg:        cfg,
		exchange:   ex,
		stops:      risk.NewStopLossManager(cfg.Risk),
		daily:      risk.NewDailyTradeLimit(cfg.MaxTradesPerDay),
		strategies: make(map[string]strategy.Strategy, len(strategies)),
		states:     make(map[string]State, len(strategies)),
		positions:  make(map[string]Position),
		lastPrice:  make(map[string]float64),
	}
	for sym, s := range strategies {
		m.strategies[sym] = s
		m.states[sym] = StateFlat
	}
	return m
}

// Symbols returns the traded symbols, sorted.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.strategies))
	for sym := range m.strategies {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SeedTradeCount sets today's entry count, typically from the journal at startup.
func (m *Manager) SeedTradeCount(n int) { m.daily.Seed(n) }

// TradesToday returns the number of entries counted against the daily limit.
func (m *Manager) TradesToday() int { return m.daily.Count() }

// Seed feeds historical candles to a symbol's strategy without trading on them.
func (m *Manager) Seed(symbol string, klines []market.Kline) int {
	m.mu.Lock()
	strat, ok := m.strategies[symbol]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	n := 0
	for _, k := range klines {
		if !k.IsClosed {
			continue
		}
		strat.Update(k)
		n++
	}
	return n
}

// Restore reloads open positions, e.g. from the journal after a restart. Positions for
// symbols that are not traded are skipped.
func (m *Manager) Restore(positions []Position) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range positions {
		if _, ok := m.strategies[p.Symbol]; !ok {
			log.Printf("trade: skipping restored %s position, symbol not traded", p.Symbol)
			continue
		}
		m.positions[p.Symbol] = p
		m.states[p.Symbol] = StateInPosition
		m.stops.AddPosition(p.Symbol, p.EntryPrice)
		n++
	}
	return n
}

// Positions returns open positions sorted by symbol.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// States returns the current state of every symbol.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// State returns one symbol's state.
func (m *Manager) State(symbol string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[symbol]
}

// Levels returns the protective levels tracked for open positions.
func (m *Manager) Levels() map[string]risk.StopLossPosition {
	return m.stops.GetAllPositions()
}

// HandleKline processes one candle. Open candles are dropped. A closed candle updates the
// strategy and may start an entry or exit; the order is placed synchronously, so the
// caller's next candle waits for it.
func (m *Manager) HandleKline(ctx context.Context, k market.Kline) {
	if !k.IsClosed {
		return
	}
	if m.Metrics != nil {
		defer monitor.NewTimer(m.Metrics.KlineLatency).Stop()
		m.Metrics.IncrementKlines()
	}

	m.mu.Lock()
	strat, ok := m.strategies[k.Symbol]
	m.mu.Unlock()
	if !ok {
		return
	}

	strat.Update(k)
	m.publish(events.EventPriceTick, events.PriceTick{Symbol: k.Symbol, Close: k.Close, Time: time.UnixMilli(k.CloseTime)})
	enter, exit := strat.ShouldEnter(), strat.ShouldExit()

	m.mu.Lock()
	m.lastPrice[k.Symbol] = k.Close
	switch m.states[k.Symbol] {
	case StateFlat:
		if !enter {
			m.mu.Unlock()
			return
		}
		if !m.daily.Allow() {
			m.mu.Unlock()
			log.Printf("trade: %s entry skipped, daily trade limit %d reached", k.Symbol, m.daily.Max())
			return
		}
		m.states[k.Symbol] = StateEntering
		m.mu.Unlock()

		m.signal(k.Symbol, "ENTER", "strategy")
		m.enter(ctx, k.Symbol, k.Close)

	case StateInPosition:
		reason := ""
		if d := m.stops.UpdatePrice(k.Symbol, k.Close); d != nil {
			reason = d.Reason
			m.publish(events.EventRiskTrigger, events.RiskTrigger{
				Symbol:       d.Symbol,
				Reason:       d.Reason,
				TriggerPrice: d.TriggerPrice,
				CurrentPrice: d.Price,
			})
		} else if exit {
			reason = ReasonSignal
		}
		if reason == "" {
			m.mu.Unlock()
			return
		}
		pos := m.positions[k.Symbol]
		m.states[k.Symbol] = StateExiting
		m.mu.Unlock()

		m.signal(k.Symbol, "EXIT", reason)
		m.exit(ctx, pos, k.Close, reason)

	default:
		// ENTERING / EXITING: an order is in flight, signals are dropped
		m.mu.Unlock()
	}
}

// CloseAll sells every open position at market. Symbols with an order in flight are
// left alone. It returns the first error encountered.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	var todo []Position
	var prices []float64
	for sym, st := range m.states {
		if st != StateInPosition {
			continue
		}
		pos := m.positions[sym]
		price := m.lastPrice[sym]
		if price <= 0 {
			price = pos.EntryPrice
		}
		m.states[sym] = StateExiting
		todo = append(todo, pos)
		prices = append(prices, price)
	}
	m.mu.Unlock()

	var firstErr error
	for i, pos := range todo {
		if err := m.exit(ctx, pos, prices[i], ReasonShutdown); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) enter(ctx context.Context, symbol string, price float64) {
	qty, filters, err := m.size(ctx, symbol, price)
	if err != nil {
		m.setState(symbol, StateFlat)
		log.Printf("trade: %s entry aborted: %v", symbol, err)
		return
	}

	req := common.OrderRequest{
		Symbol:   symbol,
		Side:     common.SideBuy,
		Type:     common.OrderTypeMarket,
		Qty:      qty,
		ClientID: exchange.NewClientOrderID(),
	}
	res, err := m.place(ctx, req)
	if err != nil {
		m.setState(symbol, StateFlat)
		log.Printf("trade: %s entry rejected: %v", symbol, err)
		return
	}

	pos := Position{
		Symbol:        symbol,
		EntryPrice:    res.AvgPrice,
		Quantity:      heldQty(res, filters),
		OrderID:       res.ExchangeOrderID,
		ClientOrderID: req.ClientID,
		OpenedAt:      time.Now().UTC(),
	}
	if pos.EntryPrice <= 0 {
		pos.EntryPrice = price
	}
	if res.ExecutedQty <= 0 {
		pos.Quantity = qty
	}
	if pos.Quantity <= 0 {
		m.setState(symbol, StateFlat)
		log.Printf("trade: %s entry filled %s but fees leave nothing sellable", symbol, fmtQty(res.ExecutedQty))
		return
	}

	m.mu.Lock()
	m.positions[symbol] = pos
	m.states[symbol] = StateInPosition
	m.stops.AddPosition(symbol, pos.EntryPrice)
	m.mu.Unlock()

	m.daily.Record()
	log.Printf("trade: %s opened %s @ %s (order %s)", symbol, fmtQty(pos.Quantity), fmtQty(pos.EntryPrice), pos.OrderID)
	if m.Metrics != nil {
		m.Metrics.IncrementOpened()
	}
	m.journal("save position", func(j Journal) error {
		return j.SavePosition(ctx, db.Position{
			Symbol:     pos.Symbol,
			Qty:        pos.Quantity,
			EntryPrice: pos.EntryPrice,
			OrderID:    pos.ClientOrderID,
			OpenedAt:   pos.OpenedAt,
		})
	})
	m.publish(events.EventPositionOpened, events.PositionOpened{
		Symbol:     pos.Symbol,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		OrderID:    pos.OrderID,
		OpenedAt:   pos.OpenedAt,
	})
}

func (m *Manager) exit(ctx context.Context, pos Position, price float64, reason string) error {
	req := common.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     common.SideSell,
		Type:     common.OrderTypeMarket,
		Qty:      pos.Quantity,
		ClientID: exchange.NewClientOrderID(),
	}
	res, err := m.place(ctx, req)
	if err != nil {
		m.setState(pos.Symbol, StateInPosition)
		log.Printf("trade: %s exit (%s) rejected, position kept: %v", pos.Symbol, reason, err)
		return err
	}

	exitPrice := res.AvgPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	sold := pos.Quantity
	if res.ExecutedQty > 0 && res.ExecutedQty < pos.Quantity {
		sold = res.ExecutedQty
	}
	left := decimal.NewFromFloat(pos.Quantity).Sub(decimal.NewFromFloat(sold))
	pnlPct, pnlQuote := PnL(pos.EntryPrice, exitPrice, sold)
	closedAt := time.Now().UTC()

	remaining := pos
	remaining.Quantity = left.InexactFloat64()
	m.mu.Lock()
	if left.IsPositive() {
		m.positions[pos.Symbol] = remaining
		m.states[pos.Symbol] = StateInPosition
	} else {
		delete(m.positions, pos.Symbol)
		m.states[pos.Symbol] = StateFlat
		m.stops.RemovePosition(pos.Symbol)
	}
	m.mu.Unlock()

	if left.IsPositive() {
		log.Printf("trade: %s exit (%s) partially filled, sold %s, %s still held", pos.Symbol, reason, fmtQty(sold), fmtQty(remaining.Quantity))
	} else {
		log.Printf("trade: %s closed (%s) entry %s exit %s P/L %.2f%%", pos.Symbol, reason, fmtQty(pos.EntryPrice), fmtQty(exitPrice), pnlPct)
		if m.Metrics != nil {
			m.Metrics.IncrementClosed()
		}
	}
	m.journal("close trade", func(j Journal) error {
		return j.CloseTrade(ctx, db.Trade{
			ID:           uuid.NewString(),
			Symbol:       pos.Symbol,
			EntryOrderID: pos.ClientOrderID,
			ExitOrderID:  req.ClientID,
			Qty:          sold,
			EntryPrice:   pos.EntryPrice,
			ExitPrice:    exitPrice,
			PnLPercent:   pnlPct,
			PnLQuote:     pnlQuote,
			Reason:       reason,
			OpenedAt:     pos.OpenedAt,
			ClosedAt:     closedAt,
		})
	})
	if left.IsPositive() {
		// CloseTrade removed the journaled position; store what is still held.
		m.journal("save position", func(j Journal) error {
			return j.SavePosition(ctx, db.Position{
				Symbol:     remaining.Symbol,
				Qty:        remaining.Quantity,
				EntryPrice: remaining.EntryPrice,
				OrderID:    remaining.ClientOrderID,
				OpenedAt:   remaining.OpenedAt,
			})
		})
	}
	m.publish(events.EventPositionClosed, events.PositionClosed{
		Symbol:     pos.Symbol,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   sold,
		PnLPercent: pnlPct,
		Reason:     reason,
		ClosedAt:   closedAt,
	})
	return nil
}

// place sends the order and journals the attempt, successful or not.
func (m *Manager) place(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	start := time.Now()
	res, err := m.exchange.PlaceOrder(ctx, req)
	if m.Metrics != nil {
		m.Metrics.RecordOrder(time.Since(start), err)
	}

	row := db.Order{
		ID:              req.ClientID,
		ExchangeOrderID: res.ExchangeOrderID,
		Symbol:          req.Symbol,
		Side:            string(req.Side),
		Type:            string(req.Type),
		Qty:             req.Qty,
		ExecutedQty:     res.ExecutedQty,
		AvgPrice:        res.AvgPrice,
		Status:          string(res.Status),
		CreatedAt:       start.UTC(),
	}
	if err != nil {
		row.Status = string(common.StatusRejected)
		row.Error = err.Error()
		if m.Metrics != nil {
			m.Metrics.IncrementErrors()
		}
		m.publish(events.EventOrderRejected, events.OrderRejected{Symbol: req.Symbol, Side: string(req.Side), Error: err.Error()})
	}
	m.journal("record order", func(j Journal) error { return j.RecordOrder(ctx, row) })
	return res, err
}

// size converts the quote budget min(MaxPositionSize, free*BalanceFraction) into a base
// quantity at price, truncated to the symbol's step size.
func (m *Manager) size(ctx context.Context, symbol string, price float64) (float64, common.SymbolFilters, error) {
	var filters common.SymbolFilters
	if price <= 0 {
		return 0, filters, fmt.Errorf("no price for %s", symbol)
	}
	balances, err := m.exchange.GetAccountBalance(ctx)
	if err != nil {
		return 0, filters, fmt.Errorf("balance: %w", err)
	}
	free := balances.Free(m.cfg.QuoteAsset)
	budget := decimal.NewFromFloat(free).Mul(decimal.NewFromFloat(m.cfg.BalanceFraction))
	if m.cfg.MaxPositionSize > 0 {
		budget = decimal.Min(budget, decimal.NewFromFloat(m.cfg.MaxPositionSize))
	}
	if !budget.IsPositive() {
		return 0, filters, fmt.Errorf("no free %s balance", m.cfg.QuoteAsset)
	}

	filters, err = m.exchange.SymbolFilters(ctx, symbol)
	if err != nil {
		return 0, filters, fmt.Errorf("symbol filters: %w", err)
	}
	qty, err := SizeOrder(budget.InexactFloat64(), price, filters)
	return qty, filters, err
}

// heldQty is the base quantity a filled BUY leaves sellable: the fill net of any fee
// charged in the base asset, rounded down to the LOT_SIZE step.
func heldQty(res common.OrderResult, filters common.SymbolFilters) float64 {
	return floorToStep(decimal.NewFromFloat(res.NetQty(filters.BaseAsset)), filters.StepSize).InexactFloat64()
}

func floorToStep(qty decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return qty
	}
	st := decimal.NewFromFloat(step)
	return qty.Div(st).Floor().Mul(st)
}

// SizeOrder returns budget/price rounded down to filters.StepSize, or ErrBelowMinimum
// when the result is zero or violates MinQty/MinNotional.
func SizeOrder(budget, price float64, filters common.SymbolFilters) (float64, error) {
	p := decimal.NewFromFloat(price)
	qty := decimal.NewFromFloat(budget).Div(p)
	if filters.MaxQty > 0 {
		qty = decimal.Min(qty, decimal.NewFromFloat(filters.MaxQty))
	}
	qty = floorToStep(qty, filters.StepSize)
	if !qty.IsPositive() {
		return 0, fmt.Errorf("%w: budget %s at %s", ErrBelowMinimum, fmtQty(budget), fmtQty(price))
	}
	if filters.MinQty > 0 && qty.LessThan(decimal.NewFromFloat(filters.MinQty)) {
		return 0, fmt.Errorf("%w: qty %s < min %s", ErrBelowMinimum, qty, fmtQty(filters.MinQty))
	}
	if filters.MinNotional > 0 && qty.Mul(p).LessThan(decimal.NewFromFloat(filters.MinNotional)) {
		return 0, fmt.Errorf("%w: notional %s < min %s", ErrBelowMinimum, qty.Mul(p), fmtQty(filters.MinNotional))
	}
	return qty.InexactFloat64(), nil
}

// PnL returns the percentage and quote-asset profit of a long round trip.
func PnL(entry, exit, qty float64) (pct, quote float64) {
	if entry <= 0 {
		return 0, 0
	}
	e, x := decimal.NewFromFloat(entry), decimal.NewFromFloat(exit)
	diff := x.Sub(e)
	pct = diff.Div(e).Mul(decimal.NewFromInt(100)).InexactFloat64()
	quote = diff.Mul(decimal.NewFromFloat(qty)).InexactFloat64()
	return pct, quote
}

func (m *Manager) setState(symbol string, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[symbol] = st
}

func (m *Manager) signal(symbol, action, reason string) {
	if m.Metrics != nil {
		m.Metrics.IncrementSignals()
	}
	m.publish(events.EventSignal, events.Signal{Symbol: symbol, Action: action, Reason: reason})
}

func (m *Manager) publish(e events.Event, payload any) {
	if m.Bus != nil {
		m.Bus.Publish(e, payload)
	}
}

// journal runs fn against the journal, if any. Failures are logged; trading continues.
func (m *Manager) journal(what string, fn func(Journal) error) {
	if m.Journal == nil {
		return
	}
	var timer *monitor.Timer
	if m.Metrics != nil {
		timer = monitor.NewTimer(m.Metrics.DBLatency)
	}
	err := fn(m.Journal)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		log.Printf("trade: journal %s: %v", what, err)
		if m.Metrics != nil {
			m.Metrics.IncrementErrors()
		}
	}
}

func fmtQty(v float64) string {
	return decimal.NewFromFloat(v).String()
}
