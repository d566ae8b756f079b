// Package gateway is the HTTP surface: the gin payment middleware, the
// backend reverse proxy, and the metrics endpoint.
package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/pipeline"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// PaymentMiddleware runs the payment pipeline before the proxy handler.
// Rejections never reach the backend; on proceed it sets the receipt headers
// and schedules credit issuance once the backend status is known.
func PaymentMiddleware(p *pipeline.Pipeline, route config.Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(protocol.HeaderPaymentSignature)
		if header == "" {
			header = c.GetHeader(protocol.HeaderXPayment)
		}

		out := p.Process(c.Request.Context(), route, c.Request.URL.Path, header)
		observe(route.RouteKey, out)

		if !out.Proceed {
			if out.ChallengeHeader != "" {
				c.Header(protocol.HeaderPaymentRequired, out.ChallengeHeader)
			}
			c.Data(out.Status, "application/json", out.Body)
			c.Abort()
			return
		}

		if out.CreditConsumed {
			c.Header(protocol.HeaderCredit, protocol.CreditConsumedValue)
		}
		if out.ReceiptHeader != "" {
			c.Header(protocol.HeaderPaymentResponse, out.ReceiptHeader)
		}

		c.Next()

		p.ScheduleCreditIssue(route, out, c.Writer.Status())
	}
}
