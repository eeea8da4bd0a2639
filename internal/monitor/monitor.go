package monitor

import (
	"context"
	"fmt"
	"time"

	"binance-trader/internal/events"
)

// Monitor turns operational events (risk exits, rejected orders, lost streams) into
// alert lines delivered to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

// Start subscribes to the alerting topics and returns immediately. Delivery stops when
// ctx is done or the bus is closed.
func (m *Monitor) Start(ctx context.Context) {
	sink := m.Sink
	if sink == nil {
		sink = LogSink{}
	}
	if m.Bus == nil {
		return
	}
	stream, unsub := m.Bus.Subscribe(50, events.EventRiskTrigger, events.EventOrderRejected, events.EventStreamLost)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				_ = sink.Send(formatAlert(time.Now(), env))
			}
		}
	}()
}

func formatAlert(now time.Time, env events.Envelope) string {
	return "[" + now.UTC().Format(time.RFC3339) + "] " + describe(env)
}

func describe(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case events.RiskTrigger:
		return fmt.Sprintf("%s %s: price %.8g crossed %.8g", p.Symbol, p.Reason, p.CurrentPrice, p.TriggerPrice)
	case events.OrderRejected:
		return fmt.Sprintf("%s %s order rejected: %s", p.Symbol, p.Side, p.Error)
	case events.StreamLost:
		return fmt.Sprintf("stream %s lost: %s", p.Stream, p.Error)
	default:
		return string(env.Event)
	}
}
