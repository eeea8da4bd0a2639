package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"binance-trader/internal/events"
	"binance-trader/internal/monitor"
	"binance-trader/internal/risk"
	"binance-trader/internal/trade"
	"binance-trader/pkg/db"
	"binance-trader/pkg/exchanges/common"
	market "binance-trader/pkg/market/binance"
)

// Trader is the read-only view of the position manager.
type Trader interface {
	Positions() []trade.Position
	States() map[string]trade.State
	Levels() map[string]risk.StopLossPosition
	TradesToday() int
}

// StreamLister reports live stream subscriptions.
type StreamLister interface {
	Streams() []market.StreamStatus
}

// Journal is the read side of the trade journal.
type Journal interface {
	ListOrders(ctx context.Context, limit int) ([]db.Order, error)
	ListTrades(ctx context.Context, limit int) ([]db.Trade, error)
	Summarize(ctx context.Context, since time.Time) ([]db.SymbolSummary, error)
}

// UsageReporter exposes REST weight usage.
type UsageReporter interface {
	Usage() common.Usage
}

// SystemMeta describes the runtime configuration exposed on /api/status.
type SystemMeta struct {
	DryRun   bool     `json:"dry_run"`
	Testnet  bool     `json:"testnet"`
	Symbols  []string `json:"symbols"`
	Interval string   `json:"interval"`
	Version  string   `json:"version"`
}

// Server is the read-only status API: health, positions, journal, streams, metrics and a
// websocket relay of bus events.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	Journal Journal
	Trader  Trader
	Streams StreamLister
	Limiter UsageReporter
	Metrics *monitor.SystemMetrics
	Meta    SystemMeta

	limiters *ipLimiters
	httpSrv  *http.Server
	started  time.Time
}

// Deps bundles the server's collaborators. Nil members disable the endpoints that need them.
type Deps struct {
	Bus     *events.Bus
	Journal Journal
	Trader  Trader
	Streams StreamLister
	Limiter UsageReporter
	Metrics *monitor.SystemMetrics
	Meta    SystemMeta
}

func NewServer(d Deps) *Server {
	r := gin.New()
	s := &Server{
		Router:   r,
		Bus:      d.Bus,
		Journal:  d.Journal,
		Trader:   d.Trader,
		Streams:  d.Streams,
		Limiter:  d.Limiter,
		Metrics:  d.Metrics,
		Meta:     d.Meta,
		limiters: newIPLimiters(rate.Limit(20), 50), // 20 req/s per IP, burst 50
		started:  time.Now(),
	}

	// Middleware stack (order matters!): recovery first, request ID before the logger.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Metrics))
	r.Use(RateLimitMiddleware(s.limiters))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(10 * time.Second))
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/orders", s.getOrders)
		api.GET("/trades", s.getTrades)
		api.GET("/summary", s.getSummary)
		api.GET("/streams", s.getStreams)
		api.GET("/metrics", s.getMetrics)
	}
}

// Start serves on addr until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 5 * time.Second}
	go s.pruneLimiters(ctx)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiters.reset()
		}
	}
}

// health is "ok" while every subscribed stream is OPEN, "degraded" otherwise.
func (s *Server) health(c *gin.Context) {
	status := "ok"
	open := 0
	var streams []market.StreamStatus
	if s.Streams != nil {
		streams = s.Streams.Streams()
		for _, st := range streams {
			if st.State == market.StateOpen {
				open++
			}
		}
		if open < len(s.Meta.Symbols) || open < len(streams) {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"streams_open": open,
		"streams":      len(streams),
		"uptime":       time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{"meta": s.Meta}
	if s.Trader != nil {
		resp["states"] = s.Trader.States()
		resp["trades_today"] = s.Trader.TradesToday()
	}
	c.JSON(http.StatusOK, resp)
}

type positionView struct {
	trade.Position
	Levels *risk.StopLossPosition `json:"levels,omitempty"`
}

func (s *Server) getPositions(c *gin.Context) {
	if s.Trader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trader not ready"})
		return
	}
	levels := s.Trader.Levels()
	positions := s.Trader.Positions()
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		v := positionView{Position: p}
		if lv, ok := levels[p.Symbol]; ok {
			v.Levels = &lv
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) getOrders(c *gin.Context) {
	if s.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not available"})
		return
	}
	orders, err := s.Journal.ListOrders(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if orders == nil {
		orders = []db.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getTrades(c *gin.Context) {
	if s.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not available"})
		return
	}
	trades, err := s.Journal.ListTrades(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// getSummary aggregates closed trades; ?days=N limits the window (default all time).
func (s *Server) getSummary(c *gin.Context) {
	if s.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal not available"})
		return
	}
	var since time.Time
	if v := c.Query("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		since = risk.StartOfDay(time.Now()).AddDate(0, 0, -(days - 1))
	}
	rows, err := s.Journal.Summarize(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []db.SymbolSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

func (s *Server) getStreams(c *gin.Context) {
	streams := []market.StreamStatus{}
	if s.Streams != nil {
		streams = s.Streams.Streams()
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (s *Server) getMetrics(c *gin.Context) {
	resp := gin.H{}
	if s.Metrics != nil {
		resp["system"] = s.Metrics.GetSnapshot()
	}
	if s.Limiter != nil {
		resp["rate_limit"] = s.Limiter.Usage()
	}
	c.JSON(http.StatusOK, resp)
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
