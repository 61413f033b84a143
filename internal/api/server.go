// Package api exposes allocation and availability over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tablealloc/internal/allocation"
	"tablealloc/internal/availability"
	"tablealloc/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Allocator is the write side: the locked allocation transaction and the
// reservation lifecycle.
type Allocator interface {
	Run(ctx context.Context, req allocation.Request) allocation.Result
	ChangePartySize(ctx context.Context, reservationID int64, adults, children int) (*model.Reservation, error)
	Cancel(ctx context.Context, reservationID, expectedVersion int64) (*model.Reservation, error)
	MarkNoShow(ctx context.Context, reservationID, expectedVersion int64) (*model.Reservation, error)
}

// Availability is the advisory read side.
type Availability interface {
	CheckAvailability(ctx context.Context, restaurantID int64, at time.Time, partySize int) (availability.Availability, error)
	AvailableTimes(ctx context.Context, restaurantID int64, date time.Time, partySize int) ([]availability.TimeSlot, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Config struct {
	Port           int
	RatePerSecond  float64
	RateBurst      int
	RequestTimeout time.Duration
	EnableMetrics  bool
}

type Server struct {
	allocator    Allocator
	availability Availability
	checks       []Check
	cfg          Config
	logger       zerolog.Logger
	engine       *gin.Engine
	server       *http.Server
}

func NewServer(alloc Allocator, avail Availability, cfg Config, logger *zerolog.Logger, checks ...Check) *Server {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "api").Logger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		allocator:    alloc,
		availability: avail,
		checks:       checks,
		cfg:          cfg,
		logger:       l,
	}
	s.engine = s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)
	if s.cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.Use(newClientLimiter(s.cfg.RatePerSecond, s.cfg.RateBurst).middleware(), s.requestTimeout())
	{
		v1.GET("/restaurants/:id/availability", s.handleAvailability)
		v1.GET("/restaurants/:id/times", s.handleAvailableTimes)
		v1.POST("/reservations", s.handleCreateReservation)
		v1.PATCH("/reservations/:id/party", s.handleChangeParty)
		v1.POST("/reservations/:id/cancel", s.handleCancel)
		v1.POST("/reservations/:id/no-show", s.handleNoShow)
	}
	return r
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", check.Name).Msg("readiness check failed")
			c.String(http.StatusServiceUnavailable, "%s not ready", check.Name)
			return
		}
	}
	c.String(http.StatusOK, "ready")
}
