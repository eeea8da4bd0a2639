package risk

import (
	"sync"
	"time"
)

// DailyTradeLimit caps the number of entries per UTC day. A max of 0 means unlimited.
type DailyTradeLimit struct {
	max int
	now func() time.Time

	mu    sync.Mutex
	day   string
	count int
}

// NewDailyTradeLimit creates a limit of max entries per day.
func NewDailyTradeLimit(max int) *DailyTradeLimit {
	return &DailyTradeLimit{max: max, now: time.Now}
}

// Seed sets today's count, e.g. from the trade journal at startup.
func (l *DailyTradeLimit) Seed(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	l.count = count
}

// Allow reports whether another entry fits today's budget.
func (l *DailyTradeLimit) Allow() bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.count < l.max
}

// Record counts one entry.
func (l *DailyTradeLimit) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	l.count++
}

// Count returns today's entries.
func (l *DailyTradeLimit) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.count
}

// Max returns the configured cap.
func (l *DailyTradeLimit) Max() int { return l.max }

// StartOfDay returns midnight UTC of the current day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (l *DailyTradeLimit) rollLocked() {
	day := l.now().UTC().Format(time.DateOnly)
	if day != l.day {
		l.day = day
		l.count = 0
	}
}
