package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/metrics"
)

// serveMetrics exposes pc at addr/metrics until ctx ends.
func serveMetrics(ctx context.Context, addr string, pc *metrics.PrometheusCollector) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", gin.WrapH(pc.Handler()))
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("module", "main").Str("addr", addr).Msg("metrics server failed")
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}
