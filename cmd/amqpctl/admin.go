package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/amqpwire/internal/amqp"
	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const adminApp = "amqpctl"

// statusSource is satisfied by *amqp.Connection.
type statusSource interface {
	Status() amqp.Status
	IsOpen() bool
}

func newAdminRouter(src statusSource, corsOrigins []string, startedAt time.Time) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminAccessLog(observability.ComponentLogger(adminApp)))
	r.Use(observability.AdminRequestMetrics(adminApp))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		state := "ok"
		if !src.IsOpen() {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"uptime":  time.Since(startedAt).String(),
			"service": adminApp,
			"version": amqp.Version,
		})
	})
	r.GET("/connection", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serveAdmin runs router on addr until ctx is done.
func serveAdmin(ctx context.Context, addr string, router http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("amqpctl.admin listen addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
