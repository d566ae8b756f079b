package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/pipeline"
)

// NewServer assembles the gin engine: health and metrics endpoints plus one
// protected proxy mount per configured route.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, logger *slog.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	for _, route := range cfg.Routes {
		handler, err := NewProxyHandler(route, cfg.BackendKeys[route.BackendKeyRef], logger)
		if err != nil {
			return nil, err
		}
		engine.Any("/"+route.RouteKey+"/*path", PaymentMiddleware(pipe, route), handler)
		logger.Info("route mounted", "route", route.RouteKey, "backend", route.BackendBaseURL, "price", route.DisplayPrice)
	}

	return engine, nil
}
