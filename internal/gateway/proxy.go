package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// NewProxyHandler builds the reverse proxy for one route. Payment headers are
// stripped so the backend never sees x402, and the route's internal credential
// is injected instead. The X-x402-Payer header passes through untouched as
// untrusted client metadata.
func NewProxyHandler(route config.Route, backendKey string, logger *slog.Logger) (gin.HandlerFunc, error) {
	target, err := url.Parse(route.BackendBaseURL)
	if err != nil {
		return nil, fmt.Errorf("route %s: invalid backend url: %w", route.RouteKey, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("backend proxy error", "route", route.RouteKey, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"backend unavailable"}`))
	}

	return func(c *gin.Context) {
		c.Request.Header.Del(protocol.HeaderPaymentSignature)
		c.Request.Header.Del(protocol.HeaderXPayment)
		if route.BackendKeyHeader != "" && backendKey != "" {
			c.Request.Header.Set(route.BackendKeyHeader, backendKey)
		}
		c.Request.URL.Path = c.Param("path")
		c.Request.Host = target.Host

		proxy.ServeHTTP(c.Writer, c.Request)
	}, nil
}
