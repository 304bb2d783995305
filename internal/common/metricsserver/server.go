// Package metricsserver runs the Prometheus scrape endpoint on its own
// listener, isolated from the public gateway port.
package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
)

// Handler serves the metrics exposition body.
type Handler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Start launches the metrics server in the background and returns it
// for shutdown. A disabled config returns (nil, nil).
func Start(cfg configtypes.MetricsConfig, handler Handler, logger *zap.Logger) (*fasthttp.Server, error) {
	if !cfg.Enabled {
		logger.Info("Metrics collection disabled")
		return nil, nil
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	srv := &fasthttp.Server{
		Handler:            route(path, handler),
		Name:               "FormWarden-Metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1024,
		TCPKeepalive:       true,
		TCPKeepalivePeriod: 30 * time.Second,
		MaxConnsPerIP:      100,
		MaxRequestsPerConn: 1000,
		Concurrency:        100,
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", cfg.Listen),
			zap.String("path", path))
		if err := srv.ListenAndServe(cfg.Listen); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", cfg.Listen),
				zap.Error(err))
		}
	}()

	return srv, nil
}

// route answers the scrape path and 404s everything else. The metrics
// port is firewalled but still never exposes other handlers.
func route(path string, handler Handler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == path {
			handler.ServeHTTP(ctx)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("Not Found")
	}
}
