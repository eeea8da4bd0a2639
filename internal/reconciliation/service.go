package reconciliation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"binance-trader/internal/trade"
	"binance-trader/pkg/db"
	"binance-trader/pkg/exchanges/common"
)

// ExchangeClient reports what the account actually holds.
type ExchangeClient interface {
	GetAccountBalance(ctx context.Context) (common.Balances, error)
	SymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error)
}

// Journal is updated when a journaled position no longer matches the account.
type Journal interface {
	SavePosition(ctx context.Context, p db.Position) error
	DeletePosition(ctx context.Context, symbol string) error
}

// Reconciliation actions.
const (
	ActionShrink = "SHRINK" // account holds less than journaled; quantity reduced
	ActionDrop   = "DROP"   // account holds less than the symbol's minimum quantity
)

// Report contains reconciliation results.
type Report struct {
	Timestamp     time.Time
	PositionDiffs []PositionDiff
	// Positions are the journaled positions adjusted to what the account holds.
	Positions []trade.Position
	HasDiffs  bool
}

// PositionDiff represents a position difference.
type PositionDiff struct {
	Symbol      string
	LocalQty    float64
	ExchangeQty float64
	Difference  float64
	Action      string
}

// Service checks positions restored from the journal against base-asset balances before
// they are handed to the trade manager. Holding more than journaled is left alone: the
// surplus may belong to the operator.
type Service struct {
	exchange ExchangeClient
	journal  Journal
}

// NewService creates a service. journal may be nil.
func NewService(exchange ExchangeClient, journal Journal) *Service {
	return &Service{exchange: exchange, journal: journal}
}

// Reconcile compares each position with free+locked balance of its base asset. A symbol
// whose filters cannot be fetched is kept unchanged.
func (s *Service) Reconcile(ctx context.Context, positions []trade.Position) (*Report, error) {
	report := &Report{Timestamp: time.Now()}
	if len(positions) == 0 {
		return report, nil
	}

	balances, err := s.exchange.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}

	for _, p := range positions {
		filters, err := s.exchange.SymbolFilters(ctx, p.Symbol)
		if err != nil {
			log.Printf("reconcile: %s filters unavailable, keeping position: %v", p.Symbol, err)
			report.Positions = append(report.Positions, p)
			continue
		}
		held := balances[filters.BaseAsset]
		exQty := stepDown(held.Free+held.Locked, filters.StepSize)
		if exQty >= p.Quantity {
			report.Positions = append(report.Positions, p)
			continue
		}

		diff := PositionDiff{
			Symbol:      p.Symbol,
			LocalQty:    p.Quantity,
			ExchangeQty: exQty,
			Difference:  p.Quantity - exQty,
		}
		if exQty <= 0 || (filters.MinQty > 0 && exQty < filters.MinQty) {
			diff.Action = ActionDrop
			s.drop(ctx, p.Symbol)
		} else {
			diff.Action = ActionShrink
			p.Quantity = exQty
			s.save(ctx, p)
			report.Positions = append(report.Positions, p)
		}
		report.PositionDiffs = append(report.PositionDiffs, diff)
		report.HasDiffs = true
	}
	return report, nil
}

// LogReport writes one line per difference.
func LogReport(report *Report) {
	if !report.HasDiffs {
		log.Printf("reconcile: %d positions match account balances", len(report.Positions))
		return
	}
	for _, d := range report.PositionDiffs {
		log.Printf("reconcile: %s %s local=%s exchange=%s",
			d.Symbol, d.Action,
			decimal.NewFromFloat(d.LocalQty).String(),
			decimal.NewFromFloat(d.ExchangeQty).String())
	}
}

func (s *Service) drop(ctx context.Context, symbol string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.DeletePosition(ctx, symbol); err != nil {
		log.Printf("reconcile: delete %s position: %v", symbol, err)
	}
}

func (s *Service) save(ctx context.Context, p trade.Position) {
	if s.journal == nil {
		return
	}
	err := s.journal.SavePosition(ctx, db.Position{
		Symbol:     p.Symbol,
		Qty:        p.Quantity,
		EntryPrice: p.EntryPrice,
		OrderID:    p.OrderID,
		OpenedAt:   p.OpenedAt,
	})
	if err != nil {
		log.Printf("reconcile: save %s position: %v", p.Symbol, err)
	}
}

func stepDown(qty, step float64) float64 {
	q := decimal.NewFromFloat(qty)
	if step > 0 {
		st := decimal.NewFromFloat(step)
		q = q.Div(st).Floor().Mul(st)
	}
	return q.InexactFloat64()
}
