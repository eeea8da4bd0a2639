package market

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	market "binance-trader/pkg/market/binance"
)

// Source provides historical and live candles.
type Source interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan market.Kline, error)
}

// Sink consumes candles; trade.Manager implements it.
type Sink interface {
	Seed(symbol string, klines []market.Kline) int
	HandleKline(ctx context.Context, k market.Kline)
}

// Feed warms up each symbol's strategy from REST history, then hands live candles from
// one stream per symbol to the sink, each on its own consumer goroutine.
type Feed struct {
	Source     Source
	Sink       Sink
	Symbols    []string
	Interval   string
	WarmupBars int

	group    *errgroup.Group
	stopping atomic.Bool
}

// Start seeds history and subscribes every symbol. A warm-up failure is logged and the
// symbol starts cold; a subscribe failure is returned. Consumers run until their stream
// ends; use Stop or Wait to block on them.
func (f *Feed) Start(ctx context.Context) error {
	if f.Source == nil || f.Sink == nil {
		return fmt.Errorf("market feed not fully configured")
	}

	type sub struct {
		symbol string
		ch     <-chan market.Kline
		last   int64
	}
	subs := make([]sub, 0, len(f.Symbols))
	for _, symbol := range f.Symbols {
		last := f.warmup(ctx, symbol)
		ch, err := f.Source.SubscribeKlines(ctx, symbol, f.Interval)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
		subs = append(subs, sub{symbol: symbol, ch: ch, last: last})
	}

	g := &errgroup.Group{}
	for _, s := range subs {
		g.Go(func() error {
			f.consume(ctx, s.symbol, s.ch, s.last)
			return nil
		})
	}
	f.group = g
	return nil
}

// Wait blocks until every consumer has exited.
func (f *Feed) Wait() error {
	if f.group == nil {
		return nil
	}
	return f.group.Wait()
}

// Stop ends the feed without cancelling the context candles are handled with:
// closeStreams ends every subscription, and Stop returns once each consumer has finished
// the candle it was handling, so an order already in flight completes normally.
func (f *Feed) Stop(closeStreams func()) error {
	f.stopping.Store(true)
	if closeStreams != nil {
		closeStreams()
	}
	return f.Wait()
}

// warmup returns the open time of the newest seeded candle, 0 if none.
func (f *Feed) warmup(ctx context.Context, symbol string) int64 {
	if f.WarmupBars <= 0 {
		return 0
	}
	klines, err := f.Source.GetKlines(ctx, symbol, f.Interval, f.WarmupBars)
	if err != nil {
		log.Printf("market feed: warm-up %s failed, starting cold: %v", symbol, err)
		return 0
	}
	n := f.Sink.Seed(symbol, klines)
	var last int64
	for _, k := range klines {
		if k.IsClosed && k.OpenTime > last {
			last = k.OpenTime
		}
	}
	log.Printf("market feed: %s warmed up with %d candles", symbol, n)
	return last
}

func (f *Feed) consume(ctx context.Context, symbol string, ch <-chan market.Kline, seeded int64) {
	for k := range ch {
		if k.IsClosed && k.OpenTime <= seeded {
			continue
		}
		f.Sink.HandleKline(ctx, k)
	}
	if ctx.Err() == nil && !f.stopping.Load() {
		log.Printf("market feed: %s stream ended, no further candles", symbol)
	}
}
