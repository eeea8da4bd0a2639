package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"binance-trader/pkg/exchanges/common"
)

// State is the lifecycle state of a stream subscription.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateOpen         State = "OPEN"
	StateReconnecting State = "RECONNECTING"
	StateClosed       State = "CLOSED"
)

// Handler receives decoded messages. It runs on the stream's receive goroutine, so the
// next frame is not read until it returns.
type Handler func(ctx context.Context, msg Message) error

// Conn is the subset of *websocket.Conn the registry needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a websocket connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// StreamConfig controls endpoints and the reconnect policy.
type StreamConfig struct {
	BaseURL    string
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// OnExhausted is called once when a stream is abandoned after MaxRetries failed reconnects.
	OnExhausted func(name string, err error)
}

// DefaultStreamConfig returns the public stream endpoint with 5 retries and 1s..30s backoff.
func DefaultStreamConfig(testnet bool) StreamConfig {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return StreamConfig{
		BaseURL:    (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		MaxRetries: 5,
		BackoffMin: time.Second,
		BackoffMax: 30 * time.Second,
	}
}

// StreamRegistry owns every live stream subscription, keyed by stream name.
type StreamRegistry struct {
	cfg     StreamConfig
	backoff *backoff.Backoff
	dial    Dialer
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// NewStreamRegistry builds a registry that dials with gorilla/websocket.
func NewStreamRegistry(cfg StreamConfig) *StreamRegistry {
	def := DefaultStreamConfig(false)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = def.BackoffMax
	}
	return &StreamRegistry{
		cfg:     cfg,
		backoff: &backoff.Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax, Factor: 2},
		dial:    gorillaDialer(websocket.DefaultDialer),
		sleep:   sleepContext,
		subs:    make(map[string]*Subscription),
	}
}

func gorillaDialer(d *websocket.Dialer) Dialer {
	return func(ctx context.Context, u string) (Conn, error) {
		conn, _, err := d.DialContext(ctx, u, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay returns the wait before reconnect attempt n (0-based): 1,2,4,8,16,30,30...
func (r *StreamRegistry) Delay(attempt int) time.Duration {
	return r.backoff.ForAttempt(float64(attempt))
}

// Subscription is one stream connection plus its receive/reconnect goroutine.
type Subscription struct {
	name    string
	url     string
	handler Handler
	reg     *StreamRegistry
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	conn        Conn
	state       State
	retryCount  int
	connectedAt time.Time
	lastErr     error
}

// Connect subscribes to stream name and returns a channel that is closed when the
// subscription terminates. A name that is already registered is left alone and its
// existing channel returned. The first dial is synchronous: failure returns an error
// wrapping common.ErrConnection and nothing is registered. The subscription lives until
// Close/CloseAll, ctx cancellation, or reconnect exhaustion.
func (r *StreamRegistry) Connect(ctx context.Context, name string, handler Handler) (<-chan struct{}, error) {
	if handler == nil {
		return nil, errors.New("stream handler is nil")
	}

	r.mu.Lock()
	if existing, ok := r.subs[name]; ok {
		r.mu.Unlock()
		log.Printf("stream %s: already connected, ignoring duplicate subscribe", name)
		return existing.done, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		name:    name,
		url:     strings.TrimRight(r.cfg.BaseURL, "/") + "/" + name,
		handler: handler,
		reg:     r,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
	r.subs[name] = sub
	r.wg.Add(1)
	r.mu.Unlock()

	conn, err := r.dial(runCtx, sub.url)
	if err != nil {
		r.remove(name, sub)
		sub.finish(err)
		cancel()
		r.wg.Done()
		return nil, fmt.Errorf("%w: dial %s: %w", common.ErrConnection, name, err)
	}

	sub.opened(conn)
	log.Printf("stream %s: connected", name)
	go sub.run(runCtx, conn)
	return sub.done, nil
}

// Close stops one stream and waits for its goroutine. Unknown or already failed names are a no-op.
func (r *StreamRegistry) Close(name string) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	if ok {
		delete(r.subs, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// CloseAll stops every stream, including ones sleeping between reconnects, and waits for
// all of them to exit.
func (r *StreamRegistry) CloseAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for name, sub := range r.subs {
		subs = append(subs, sub)
		delete(r.subs, name)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	r.wg.Wait()
}

// StreamStatus is a snapshot of one subscription.
type StreamStatus struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	RetryCount  int       `json:"retry_count"`
	ConnectedAt time.Time `json:"connected_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Streams returns the status of every registered stream sorted by name.
func (r *StreamRegistry) Streams() []StreamStatus {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	out := make([]StreamStatus, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns the subscription's current state.
func (s *Subscription) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StreamStatus{Name: s.name, State: s.state, RetryCount: s.retryCount, ConnectedAt: s.connectedAt}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (r *StreamRegistry) remove(name string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[name] == sub {
		delete(r.subs, name)
	}
}

func (s *Subscription) opened(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.state = StateOpen
	s.retryCount = 0
	s.connectedAt = time.Now()
}

func (s *Subscription) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
}

func (s *Subscription) finish(err error) {
	s.setState(StateClosed, err)
	close(s.done)
}

func (s *Subscription) run(ctx context.Context, conn Conn) {
	defer s.reg.wg.Done()

	for {
		err := s.receive(ctx, conn)
		if ctx.Err() != nil {
			log.Printf("stream %s: closed", s.name)
			s.reg.remove(s.name, s)
			s.finish(nil)
			return
		}
		log.Printf("stream %s: connection lost: %v", s.name, err)
		s.setState(StateReconnecting, err)

		conn, err = s.reconnect(ctx)
		if err != nil {
			s.reg.remove(s.name, s)
			s.finish(err)
			if errors.Is(err, common.ErrStreamExhausted) {
				log.Printf("stream %s: abandoned: %v", s.name, err)
				if s.reg.cfg.OnExhausted != nil {
					s.reg.cfg.OnExhausted(s.name, err)
				}
			}
			return
		}
	}
}

// receive reads until the connection fails or ctx is cancelled. Frames are dispatched
// in order; decode failures are logged and skipped.
func (s *Subscription) receive(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	})
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrConnection, err)
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			log.Printf("stream %s: dropping message: %v", s.name, err)
			continue
		}
		if msg.Stream == "" {
			msg.Stream = s.name
		}
		if err := s.handler(ctx, msg); err != nil {
			log.Printf("stream %s: handler error: %v", s.name, err)
		}
	}
}

// reconnect redials with exponential backoff until it succeeds, ctx is done, or
// MaxRetries consecutive attempts have failed.
func (s *Subscription) reconnect(ctx context.Context) (Conn, error) {
	for {
		s.mu.Lock()
		attempt := s.retryCount
		s.mu.Unlock()

		if attempt >= s.reg.cfg.MaxRetries {
			return nil, fmt.Errorf("%w: %s after %d attempts", common.ErrStreamExhausted, s.name, attempt)
		}

		delay := s.reg.Delay(attempt)
		log.Printf("stream %s: reconnecting in %s (attempt %d/%d)", s.name, delay, attempt+1, s.reg.cfg.MaxRetries)
		if err := s.reg.sleep(ctx, delay); err != nil {
			return nil, err
		}

		conn, err := s.reg.dial(ctx, s.url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.mu.Lock()
			s.retryCount++
			s.lastErr = err
			s.mu.Unlock()
			log.Printf("stream %s: reconnect attempt %d failed: %v", s.name, attempt+1, err)
			continue
		}

		s.opened(conn)
		log.Printf("stream %s: reconnected", s.name)
		return conn, nil
	}
}
