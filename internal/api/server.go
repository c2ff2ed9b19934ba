// Package api exposes a read-only status HTTP server: health probe plus a
// snapshot of the ledger and trailing-stop state. It never mutates trading
// state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/state"
)

// Config holds server settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins string
	Debug          bool
}

// Server serves the status API.
type Server struct {
	cfg    Config
	store  *state.Store
	router *gin.Engine
	http   *http.Server
	logger zerolog.Logger

	startedAt time.Time
}

// NewServer builds the router.
func NewServer(cfg Config, store *state.Store, logger zerolog.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		store:     store,
		router:    router,
		logger:    logger.With().Str("component", "StatusAPI").Logger(),
		startedAt: time.Now(),
	}

	router.GET("/health", s.handleHealth)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
	}
	return s
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", addr).Msg("status API listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status API server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// statusResponse is the public snapshot of the ledger.
type statusResponse struct {
	Position            string                `json:"position"`
	Shares              int64                 `json:"shares"`
	AvailableCash       decimal.Decimal       `json:"available_cash"`
	AccumulatedLeftover decimal.Decimal       `json:"accumulated_leftover"`
	StartingAmount      decimal.Decimal       `json:"starting_amount"`
	DayStartBalance     decimal.Decimal       `json:"day_start_balance"`
	DayStartDate        string                `json:"day_start_date"`
	Orphaned            *state.OrphanedShares `json:"orphaned_shares,omitempty"`
	IsStoppedOut        bool                  `json:"is_stopped_out"`
	StoppedOutDirection string                `json:"stopped_out_direction"`
	HighWaterMark       decimal.Decimal       `json:"high_water_mark"`
	LowWaterMark        decimal.Decimal       `json:"low_water_mark"`
	TrailingStopValue   decimal.Decimal       `json:"trailing_stop_value"`
	WashoutLevel        decimal.Decimal       `json:"washout_level"`
}

func (s *Server) handleStatus(c *gin.Context) {
	// Copy under the ledger lock: the consumer loop and the fill-confirmation
	// task keep mutating the live state while requests are served.
	st := s.store.Snapshot()
	c.JSON(http.StatusOK, statusResponse{
		Position:            st.CurrentPosition,
		Shares:              st.CurrentShares,
		AvailableCash:       st.AvailableCash,
		AccumulatedLeftover: st.AccumulatedLeftover,
		StartingAmount:      st.StartingAmount,
		DayStartBalance:     st.DayStartBalance,
		DayStartDate:        st.DayStartDate,
		Orphaned:            st.Orphaned,
		IsStoppedOut:        st.IsStoppedOut,
		StoppedOutDirection: st.StoppedOutDirection,
		HighWaterMark:       st.HighWaterMark,
		LowWaterMark:        st.LowWaterMark,
		TrailingStopValue:   st.TrailingStopValue,
		WashoutLevel:        st.WashoutLevel,
	})
}
