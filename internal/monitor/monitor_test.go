package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-trader/internal/events"
	"binance-trader/pkg/db"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{10, 1, 2, 3, 4} {
		h.Record(v)
	}
	st := h.Stats()
	if st.Count != 4 {
		t.Fatalf("count=%d, expected 4 (oldest sample evicted)", st.Count)
	}
	if st.Min != 1 || st.Max != 4 {
		t.Fatalf("min/max=%v/%v, expected 1/4", st.Min, st.Max)
	}
	if st.Avg != 2.5 {
		t.Fatalf("avg=%v, expected 2.5", st.Avg)
	}
	if again := h.Stats(); again != st {
		t.Fatalf("cached stats changed without new samples: %+v vs %+v", again, st)
	}
}

func TestSnapshotCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.IncrementKlines()
	m.IncrementKlines()
	m.IncrementSignals()
	m.RecordOrder(5*time.Millisecond, nil)
	m.RecordOrder(7*time.Millisecond, errors.New("rejected"))
	m.IncrementOpened()
	m.IncrementClosed()

	s := m.GetSnapshot()
	if s.KlinesProcessed != 2 || s.SignalsGenerated != 1 {
		t.Fatalf("klines=%d signals=%d, expected 2/1", s.KlinesProcessed, s.SignalsGenerated)
	}
	if s.OrdersPlaced != 2 || s.OrdersRejected != 1 {
		t.Fatalf("orders=%d rejected=%d, expected 2/1", s.OrdersPlaced, s.OrdersRejected)
	}
	if s.OrderLatency.Count != 2 {
		t.Fatalf("order latency samples=%d, expected 2", s.OrderLatency.Count)
	}
	if s.PositionsOpened != 1 || s.PositionsClosed != 1 {
		t.Fatalf("opened=%d closed=%d, expected 1/1", s.PositionsOpened, s.PositionsClosed)
	}
}

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSink) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMonitorForwardsAlerts(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	(&Monitor{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "FOOUSDT", Close: 1})
	bus.Publish(events.EventRiskTrigger, events.RiskTrigger{Symbol: "FOOUSDT", Reason: "STOP_LOSS", TriggerPrice: 99, CurrentPrice: 98})
	bus.Publish(events.EventStreamLost, events.StreamLost{Stream: "foousdt@kline_1m", Error: "exhausted"})

	deadline := time.Now().Add(time.Second)
	for len(sink.Messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sink.Messages()
	if len(msgs) != 2 {
		t.Fatalf("alerts=%v, expected 2 (price ticks are not alerts)", msgs)
	}
	if !strings.Contains(msgs[0], "FOOUSDT STOP_LOSS") {
		t.Fatalf("first alert=%q, expected stop-loss", msgs[0])
	}
	if !strings.Contains(msgs[1], "foousdt@kline_1m lost") {
		t.Fatalf("second alert=%q, expected stream loss", msgs[1])
	}
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(nil, []db.SymbolSummary{
		{Symbol: "BTCUSDT", Trades: 4, Wins: 3, Losses: 1, PnLQuote: 12.5, AvgPnLPct: 0.8, BestPnLPct: 2, WorstPnLPct: -1},
		{Symbol: "ETHUSDT", Trades: 1, Wins: 0, Losses: 1, PnLQuote: -2.5, AvgPnLPct: -1, BestPnLPct: -1, WorstPnLPct: -1},
	})
	for _, want := range []string{"BTCUSDT", "ETHUSDT", "75.0", "10.0000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	if empty := RenderSummary(nil, nil); !strings.Contains(empty, "-") {
		t.Fatalf("empty summary should show a dash win rate:\n%s", empty)
	}
}
