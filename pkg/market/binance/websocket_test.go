package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-trader/pkg/exchanges/common"
)

const klineFrame = `{"e":"kline","E":1700000060000,"s":"FOOUSDT","k":{"t":1700000000000,"T":1700000059999,"s":"FOOUSDT","i":"1m","o":"100.0","c":"%s","h":"101.0","l":"99.0","v":"12.5","n":42,"x":true,"q":"1250.0","V":"6","Q":"600"}}`

func frame(close string) []byte {
	return []byte(strings.Replace(klineFrame, "%s", close, 1))
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(frames ...[]byte) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames)+1), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- f
	}
	return c
}

// drop simulates the server closing the connection after queued frames are read.
func (c *fakeConn) drop() { close(c.frames) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, errors.New("connection reset by peer")
		}
		return websocket.TextMessage, f, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedDialer hands out connections/errors in order; past the end it fails.
type scriptedDialer struct {
	mu     sync.Mutex
	script []any
	calls  int
}

func (d *scriptedDialer) dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.script) == 0 {
		return nil, errors.New("dial refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	switch v := next.(type) {
	case *fakeConn:
		return v, nil
	case error:
		return nil, v
	}
	return nil, errors.New("bad script")
}

func (d *scriptedDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestRegistry(maxRetries int, d *scriptedDialer, s *recordingSleep, onExhausted func(string, error)) *StreamRegistry {
	r := NewStreamRegistry(StreamConfig{BaseURL: "ws://test/ws", MaxRetries: maxRetries, OnExhausted: onExhausted})
	r.dial = d.dial
	r.sleep = s.sleep
	return r
}

func TestBackoffDelays(t *testing.T) {
	r := NewStreamRegistry(StreamConfig{})
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, r.Delay(i), "attempt %d", i)
	}
}

func TestReconnectBacksOffAndResetsRetryCount(t *testing.T) {
	first := newFakeConn(frame("100"), []byte("not json"), frame("101"))
	second := newFakeConn(frame("102"))
	dialer := &scriptedDialer{script: []any{first, errors.New("refused"), errors.New("refused"), second}}
	sleeper := &recordingSleep{}
	r := newTestRegistry(5, dialer, sleeper, nil)

	var mu sync.Mutex
	var closes []float64
	handler := func(ctx context.Context, msg Message) error {
		k, err := ParseKline(msg.Raw)
		if err != nil {
			return err
		}
		mu.Lock()
		closes = append(closes, k.Close)
		mu.Unlock()
		return nil
	}

	done, err := r.Connect(context.Background(), "foousdt@kline_1m", handler)
	require.NoError(t, err)
	first.drop()

	require.Eventually(t, func() bool {
		st := r.Streams()
		return dialer.Calls() == 4 && len(st) == 1 && st[0].State == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.Delays())
	assert.Equal(t, 0, r.Streams()[0].RetryCount)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closes) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []float64{100, 101, 102}, closes, "frames must arrive in order and skip malformed ones")
	mu.Unlock()

	r.CloseAll()
	select {
	case <-done:
	default:
		t.Fatal("done channel still open after CloseAll")
	}
	assert.Empty(t, r.Streams())
}

func TestStreamAbandonedAfterMaxRetries(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{script: []any{conn}}
	sleeper := &recordingSleep{}

	exhausted := make(chan error, 2)
	r := newTestRegistry(3, dialer, sleeper, func(name string, err error) {
		assert.Equal(t, "foousdt@kline_1m", name)
		exhausted <- err
	})

	done, err := r.Connect(context.Background(), "foousdt@kline_1m", func(context.Context, Message) error { return nil })
	require.NoError(t, err)
	conn.drop()

	select {
	case err := <-exhausted:
		assert.ErrorIs(t, err, common.ErrStreamExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("stream was never abandoned")
	}
	<-done

	assert.Equal(t, 1+3, dialer.Calls(), "one initial dial plus exactly MaxRetries attempts")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.Delays())
	assert.Empty(t, r.Streams(), "abandoned stream must be removed")
	assert.Len(t, exhausted, 0)

	// closing an already failed stream is safe
	r.Close("foousdt@kline_1m")
	r.CloseAll()
}

func TestConnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{script: []any{conn, newFakeConn()}}
	r := newTestRegistry(3, dialer, &recordingSleep{}, nil)
	handler := func(context.Context, Message) error { return nil }

	done1, err := r.Connect(context.Background(), "a@kline_1m", handler)
	require.NoError(t, err)
	done2, err := r.Connect(context.Background(), "a@kline_1m", handler)
	require.NoError(t, err)

	assert.Equal(t, 1, dialer.Calls())
	assert.Equal(t, done1, done2)
	assert.Len(t, r.Streams(), 1)

	r.Close("a@kline_1m")
	<-done1
	assert.Empty(t, r.Streams())
	r.Close("a@kline_1m")
	r.Close("never-registered")
}

func TestConnectFailureRegistersNothing(t *testing.T) {
	dialer := &scriptedDialer{script: []any{errors.New("no route to host")}}
	r := newTestRegistry(3, dialer, &recordingSleep{}, nil)

	_, err := r.Connect(context.Background(), "a@kline_1m", func(context.Context, Message) error { return nil })
	require.ErrorIs(t, err, common.ErrConnection)
	assert.Empty(t, r.Streams())
	r.CloseAll()
}

func TestCloseAllInterruptsBackoffSleep(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{script: []any{conn}}
	r := NewStreamRegistry(StreamConfig{BaseURL: "ws://test/ws", MaxRetries: 5, BackoffMin: time.Hour, BackoffMax: 2 * time.Hour})
	r.dial = dialer.dial

	done, err := r.Connect(context.Background(), "a@kline_1m", func(context.Context, Message) error { return nil })
	require.NoError(t, err)
	conn.drop()

	require.Eventually(t, func() bool {
		st := r.Streams()
		return len(st) == 1 && st[0].State == StateReconnecting
	}, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		r.CloseAll()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("CloseAll blocked on a sleeping reconnect")
	}
	<-done
}

func TestContextCancelStopsStream(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{script: []any{conn}}
	r := newTestRegistry(3, dialer, &recordingSleep{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := r.Connect(ctx, "a@kline_1m", func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream ignored context cancellation")
	}
	assert.Equal(t, 1, dialer.Calls(), "a cancelled stream must not reconnect")
	assert.Empty(t, r.Streams())
	r.CloseAll()
}

func TestRegistryWithWebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/ws/foousdt@kline_1m" {
			http.NotFound(w, req)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		combined := `{"stream":"foousdt@kline_1m","data":` + string(frame("86")) + `}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(combined))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	r := NewStreamRegistry(StreamConfig{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"})
	got := make(chan Kline, 1)
	_, err := r.Connect(context.Background(), KlineStreamName("FOOUSDT", "1m"), func(ctx context.Context, msg Message) error {
		k, err := ParseKline(msg.Raw)
		if err != nil {
			return err
		}
		got <- k
		return nil
	})
	require.NoError(t, err)

	select {
	case k := <-got:
		assert.Equal(t, "FOOUSDT", k.Symbol)
		assert.Equal(t, 86.0, k.Close)
		assert.True(t, k.IsClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no kline received")
	}
	r.CloseAll()
}
