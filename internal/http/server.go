package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/eventlog"
	"github.com/jmehdipour/subsync/internal/http/middleware"
	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/jmehdipour/subsync/internal/reconcile"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/jmehdipour/subsync/internal/service/ingest"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the services the API exposes. History, Verifier and Redis may be nil.
type Deps struct {
	Events   *eventlog.Service
	Ingest   *ingest.Service
	Sweeper  *reconcile.Sweeper
	History  repository.CHEventsRepository
	Verifier *provider.StripeVerifier
	Redis    *redis.Client
	Log      *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

var registerMetrics sync.Once

func NewServer(cfg config.Config, d Deps) *Server {
	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.ERROR)
	e.Use(echoMid.Recover(), requestLogger(d.Log))
	if cfg.HTTP.BodyLimit != "" {
		e.Use(echoMid.BodyLimit(cfg.HTTP.BodyLimit))
	}

	registerMetrics.Do(func() { metrics.MustRegister(prometheus.DefaultRegisterer) })

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// provider webhooks authenticate by signature, not API key
	e.POST("/webhooks/stripe", stripeWebhookHandler(d.Verifier, d.Ingest, d.Log))

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.Auth.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "subsync:rl:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/events", logEventHandler(d.Ingest, d.Events))
	v1.PATCH("/events/:id/status", updateEventStatusHandler(d.Events))
	v1.GET("/events/retry", eventsForRetryHandler(d.Events, cfg.Retry))
	v1.GET("/events/stats", eventStatsHandler(d.Events))
	v1.GET("/events/history", historyHandler(d.History))
	v1.GET("/subscriptions/:owner/consistency", consistencyHandler(d.Sweeper))
	v1.POST("/subscriptions/:owner/sync", syncNowHandler(d.Ingest))
	v1.GET("/sync/metrics", syncMetricsHandler(d.Ingest))

	return &Server{e: e, log: d.Log}
}

// requestLogger logs one line per request through zap.
func requestLogger(l *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogURI:     true,
		LogMethod:  true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if client, ok := middleware.ClientFromCtx(c); ok {
				fields = append(fields, zap.String("client", client))
			}
			if v.Error != nil {
				l.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			l.Debug("request", fields...)
			return nil
		},
	})
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
