package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stopbot/gostop/internal/domain"
	"github.com/stopbot/gostop/internal/protection"
)

var log = logrus.WithField("component", "controlplane")

// Controller is the runner surface the API drives. All calls are
// serialized onto the engine goroutine by the implementation.
type Controller interface {
	Track(ctx context.Context, symbol string, entryTarget, stopTarget, quantity decimal.Decimal) error
	Remove(ctx context.Context, symbol string) error
	CancelProtection(ctx context.Context, symbol string) error
	Sessions(ctx context.Context) ([]protection.SessionView, error)
	Requests(ctx context.Context) (protection.RequestsView, error)
}

// QuoteSink accepts externally injected quotes. Wired in paper mode,
// where no market data stream exists.
type QuoteSink interface {
	PushQuote(ctx context.Context, q domain.Quote) error
}

// Server is the local control plane: inspect sessions and pending
// synthetic work, admit or drop instruments, and browse action history.
type Server struct {
	controller Controller
	history    *HistoryStore
	quotes     QuoteSink
	httpSrv    *http.Server
}

func New(controller Controller, history *HistoryStore) *Server {
	return &Server{controller: controller, history: history}
}

// SetQuoteSink enables the quote injection endpoint. Must be called
// before Start.
func (s *Server) SetQuoteSink(sink QuoteSink) {
	s.quotes = sink
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	api := r.Group("/api")
	api.GET("/sessions", s.handleSessions)
	api.GET("/requests", s.handleRequests)
	api.GET("/history", s.handleHistory)

	instruments := api.Group("/instruments/:symbol")
	instruments.POST("/track", s.handleTrack)
	instruments.POST("/remove", s.handleRemove)
	instruments.POST("/cancel_protection", s.handleCancelProtection)

	if s.quotes != nil {
		api.POST("/quotes/:symbol", s.handleQuote)
	}

	return r
}

// Start serves the API until ctx is canceled.
func (s *Server) Start(ctx context.Context, listen string) error {
	s.httpSrv = &http.Server{
		Addr:    listen,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()
	log.WithField("listen", listen).Info("control plane listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions, err := s.controller.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []protection.SessionView{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleRequests(c *gin.Context) {
	requests, err := s.controller.Requests(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, requests)
}

type trackRequest struct {
	EntryTarget decimal.Decimal `json:"entry_target" binding:"required"`
	StopTarget  decimal.Decimal `json:"stop_target" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
}

func (s *Server) handleTrack(c *gin.Context) {
	symbol := c.Param("symbol")
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Quantity.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be non-zero"})
		return
	}
	if err := s.controller.Track(c.Request.Context(), symbol, req.EntryTarget, req.StopTarget, req.Quantity); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "tracked": true})
}

func (s *Server) handleRemove(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.controller.Remove(c.Request.Context(), symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "removed": true})
}

func (s *Server) handleCancelProtection(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.controller.CancelProtection(c.Request.Context(), symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "canceled": true})
}

type quoteRequest struct {
	Last decimal.Decimal `json:"last"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
}

func (s *Server) handleQuote(c *gin.Context) {
	symbol := c.Param("symbol")
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q := domain.Quote{
		Symbol: symbol,
		Last:   req.Last,
		Bid:    req.Bid,
		Ask:    req.Ask,
		At:     time.Now(),
	}
	if err := s.quotes.PushQuote(c.Request.Context(), q); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "applied": true})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, gin.H{"actions": []HistoryEntry{}})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.history.Query(c.Query("symbol"), c.Query("kind"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": entries})
}
