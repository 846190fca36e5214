package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"currency-rate-alerts/internal/alert"
	"currency-rate-alerts/internal/storage"
	"currency-rate-alerts/internal/syncer"
)

// SyncTrigger runs one on-demand synchronization cycle.
type SyncTrigger func(ctx context.Context) (syncer.CycleResult, error)

// Options tune the HTTP listener.
type Options struct {
	Addr               string
	WindowHours        int
	AlertCheckInterval time.Duration
}

// Server exposes the query API and the websocket alert push endpoint.
type Server struct {
	opts       Options
	currencies storage.CurrencyStore
	records    storage.RecordStore
	rules      storage.RuleStore
	evaluator  *alert.Evaluator
	runSync    SyncTrigger
	logger     zerolog.Logger
}

// New constructs the API server.
func New(opts Options, currencies storage.CurrencyStore, records storage.RecordStore, rules storage.RuleStore, evaluator *alert.Evaluator, runSync SyncTrigger, logger zerolog.Logger) *Server {
	if opts.AlertCheckInterval <= 0 {
		opts.AlertCheckInterval = 30 * time.Second
	}
	return &Server{
		opts:       opts,
		currencies: currencies,
		records:    records,
		rules:      rules,
		evaluator:  evaluator,
		runSync:    runSync,
		logger:     logger.With().Str("component", "server").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/currencies", s.listCurrencies)
	api.GET("/rates/current", s.currentRates)
	api.GET("/rates/:code", s.currencyRates)
	api.POST("/sync", s.triggerSync)
	api.GET("/alerts", s.listAlerts)
	api.POST("/alerts", s.upsertAlert)
	api.DELETE("/alerts/:code/:type", s.deleteAlert)

	router.GET("/ws", s.serveAlertSocket)

	return router
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listCurrencies(c *gin.Context) {
	currencies, err := s.currencies.ListTracked(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, currencies)
}

func (s *Server) currentRates(c *gin.Context) {
	records, err := s.records.LatestValues(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) currencyRates(c *gin.Context) {
	hours := s.opts.WindowHours
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = parsed
	}

	now := time.Now().UTC()
	records, err := s.records.QueryWindow(c.Request.Context(), c.Param("code"), now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) triggerSync(c *gin.Context) {
	result, err := s.runSync(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listAlerts(c *gin.Context) {
	rules, err := s.rules.ListRules(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

type upsertAlertRequest struct {
	Currency  string  `json:"currency" binding:"required"`
	Type      string  `json:"type" binding:"required"`
	Threshold float64 `json:"threshold"`
}

func (s *Server) upsertAlert(c *gin.Context) {
	var req upsertAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alertType := storage.AlertType(req.Type)
	if !alertType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown alert type"})
		return
	}

	rule, err := s.rules.UpsertRule(c.Request.Context(), storage.AlertRule{
		Currency:  req.Currency,
		Type:      alertType,
		Threshold: decimal.NewFromFloat(req.Threshold),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteAlert(c *gin.Context) {
	alertType := storage.AlertType(c.Param("type"))
	if !alertType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown alert type"})
		return
	}

	if err := s.rules.DeleteRule(c.Request.Context(), c.Param("code"), alertType); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
