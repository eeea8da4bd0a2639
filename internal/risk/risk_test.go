package risk

import (
	"math"
	"testing"
	"time"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestStopLossManagerLevels(t *testing.T) {
	m := NewStopLossManager(Config{StopLossPct: 1, TakeProfitPct: 2})
	pos := m.AddPosition("FOOUSDT", 100)
	if !near(pos.StopLoss, 99) || !near(pos.TakeProfit, 102) {
		t.Fatalf("levels=%v/%v, expected 99/102", pos.StopLoss, pos.TakeProfit)
	}

	tests := []struct {
		name   string
		price  float64
		reason string
	}{
		{name: "inside band", price: 100.5},
		{name: "stop loss", price: 98.9, reason: ReasonStopLoss},
		{name: "take profit", price: 102.5, reason: ReasonTakeProfit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := m.UpdatePrice("FOOUSDT", tt.price)
			if tt.reason == "" {
				if d != nil {
					t.Fatalf("decision=%v, expected none", d)
				}
				return
			}
			if d == nil || d.Reason != tt.reason {
				t.Fatalf("decision=%v, expected %s", d, tt.reason)
			}
		})
	}

	if d := m.UpdatePrice("BARUSDT", 1); d != nil {
		t.Fatalf("untracked symbol produced %v", d)
	}
	m.RemovePosition("FOOUSDT")
	if _, ok := m.GetPosition("FOOUSDT"); ok {
		t.Fatal("position still tracked after RemovePosition")
	}
}

func TestTrailingStopFollowsHighWaterMark(t *testing.T) {
	m := NewStopLossManager(Config{TrailingStopPct: 1})
	m.AddPosition("FOOUSDT", 100)

	for _, p := range []float64{101, 105, 110} {
		if d := m.UpdatePrice("FOOUSDT", p); d != nil {
			t.Fatalf("price %v triggered %v", p, d)
		}
	}
	pos, _ := m.GetPosition("FOOUSDT")
	if pos.HighWaterMark != 110 || !near(pos.TrailingStop, 108.9) {
		t.Fatalf("hwm=%v trail=%v, expected 110/108.9", pos.HighWaterMark, pos.TrailingStop)
	}

	d := m.UpdatePrice("FOOUSDT", 108.8)
	if d == nil || d.Reason != ReasonTrailingStop {
		t.Fatalf("decision=%v, expected trailing stop", d)
	}
	if len(m.GetAllPositions()) != 1 {
		t.Fatal("position must stay tracked until removed")
	}
}

func TestDisabledLevelsNeverTrigger(t *testing.T) {
	m := NewStopLossManager(Config{})
	if m.Enabled() {
		t.Fatal("Enabled=true with zero config")
	}
	m.AddPosition("FOOUSDT", 100)
	for _, p := range []float64{1, 1000} {
		if d := m.UpdatePrice("FOOUSDT", p); d != nil {
			t.Fatalf("price %v triggered %v", p, d)
		}
	}
}

func TestDailyTradeLimit(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	l := NewDailyTradeLimit(2)
	l.now = func() time.Time { return now }

	l.Seed(1)
	if !l.Allow() {
		t.Fatal("Allow=false with 1/2 used")
	}
	l.Record()
	if l.Allow() {
		t.Fatal("Allow=true with 2/2 used")
	}
	if l.Count() != 2 {
		t.Fatalf("Count=%d, expected 2", l.Count())
	}

	now = now.Add(2 * time.Hour)
	if !l.Allow() || l.Count() != 0 {
		t.Fatalf("limit did not reset on a new day: count=%d", l.Count())
	}

	unlimited := NewDailyTradeLimit(0)
	for i := 0; i < 100; i++ {
		unlimited.Record()
	}
	if !unlimited.Allow() {
		t.Fatal("unlimited cap refused an entry")
	}
}

func TestStartOfDay(t *testing.T) {
	got := StartOfDay(time.Date(2024, 3, 1, 15, 4, 5, 0, time.FixedZone("X", 3600)))
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("StartOfDay=%v, expected %v", got, want)
	}
}
