// Package httpapi serves the operational HTTP surface — health, readiness,
// status and Prometheus metrics — on a port separate from the WebSocket
// listener.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/lokutor-stream/internal/config"
	"github.com/lokutor-ai/lokutor-stream/internal/logging"
	"github.com/lokutor-ai/lokutor-stream/pkg/backpressure"
)

// Source is the live state the API surface reports on. *runtime.Runtime
// satisfies it structurally; httpapi never imports pkg/runtime directly
// to keep the dependency direction pointing one way, from cmd/server down.
type Source interface {
	QueueDepths() (final, interim int)
	BackpressureSnapshot() backpressure.State
	Ready() bool
}

// Server is the echo-backed HTTP API.
type Server struct {
	echo *echo.Echo
	src  Source
	cfg  config.Config
	log  logging.Logger
}

// New constructs a Server and registers its routes.
func New(src Source, cfg config.Config, log logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, src: src, cfg: cfg, log: log}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Run starts the server on addr and blocks until ctx is canceled, then
// drains in-flight requests for up to 5 seconds.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutCtx)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleReady(c echo.Context) error {
	if !s.src.Ready() {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type statusResponse struct {
	Env           string  `json:"env"`
	SampleRate    int     `json:"sample_rate"`
	FinalQueue    int     `json:"final_queue_depth"`
	InterimQueue  int     `json:"interim_queue_depth"`
	Backpressure  string  `json:"backpressure"`
	CooldownMs    int64   `json:"cooldown_ms"`
	TailSeconds   float64 `json:"tail_seconds"`
	InterimPaused bool    `json:"interims_paused"`
}

func (s *Server) handleStatus(c echo.Context) error {
	final, interim := s.src.QueueDepths()
	bp := s.src.BackpressureSnapshot()
	return c.JSON(http.StatusOK, statusResponse{
		Env:           s.cfg.Env,
		SampleRate:    s.cfg.SampleRate,
		FinalQueue:    final,
		InterimQueue:  interim,
		Backpressure:  bp.Level.String(),
		CooldownMs:    bp.CooldownMs,
		TailSeconds:   bp.TailSeconds,
		InterimPaused: bp.InterimsPaused,
	})
}

// jsonErrorHandler ensures all error responses have a consistent JSON body.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
