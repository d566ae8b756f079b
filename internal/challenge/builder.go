// Package challenge assembles 402 Payment Required responses: one accept
// entry per active network the route can receive on, plus the base64 header
// form of the same body.
package challenge

import (
	"fmt"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// maxTimeoutSeconds is the validity window advertised to clients.
const maxTimeoutSeconds = 3600

// Builder renders challenges and per-network payment requirements.
type Builder struct {
	registry  *chains.Registry
	publicURL string
	feePayer  string // SVM fee-payer address, empty when SVM is inactive
}

// NewBuilder creates a challenge builder. feePayer is advertised in the extra
// of SVM accept entries so clients leave the fee-payer slot for the gateway.
func NewBuilder(registry *chains.Registry, publicURL, feePayer string) *Builder {
	return &Builder{registry: registry, publicURL: publicURL, feePayer: feePayer}
}

// Requirements renders the payment requirements for one route on one network.
// Returns false when the route has no receiving address for the network.
func (b *Builder) Requirements(route config.Route, d *chains.Descriptor, resourcePath string) (protocol.PaymentRequirements, bool) {
	var payTo string
	extra := map[string]interface{}{}

	switch {
	case d.IsSVM():
		payTo = route.PayToSVM
		extra["feePayer"] = b.feePayer
	case d.UsesExternalFacilitator():
		payTo = d.Facilitator.Recipient
		extra["name"] = d.Token.Name
		extra["version"] = d.Token.Version
	default:
		payTo = route.PayToEVM
		extra["name"] = d.Token.Name
		extra["version"] = d.Token.Version
	}
	if payTo == "" {
		return protocol.PaymentRequirements{}, false
	}

	amount := chains.RequiredAmount(route.PriceAtomic, d.Token).String()
	return protocol.PaymentRequirements{
		Scheme:            protocol.SchemeExact,
		Network:           d.ID,
		MaxAmountRequired: amount,
		Amount:            amount,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Resource:          b.publicURL + resourcePath,
		Description:       route.Description,
		MimeType:          route.MimeType,
		PayTo:             payTo,
		Asset:             d.Token.Address,
		Extra:             extra,
	}, true
}

// Build renders the full 402 body for a route. reason is optional failure
// detail carried alongside the standard error text.
func (b *Builder) Build(route config.Route, resourcePath, reason string) (*protocol.PaymentRequired, error) {
	accepts := make([]protocol.PaymentRequirements, 0)
	for _, d := range b.registry.Active() {
		req, ok := b.Requirements(route, d, resourcePath)
		if !ok {
			continue
		}
		accepts = append(accepts, req)
	}
	if len(accepts) == 0 {
		return nil, fmt.Errorf("route %s: no active network with a receiving address", route.RouteKey)
	}

	return &protocol.PaymentRequired{
		X402Version: protocol.X402Version,
		Error:       "payment required",
		Message:     fmt.Sprintf("payment of %s is required to access this resource", route.DisplayPrice),
		Reason:      reason,
		Accepts:     accepts,
		Extensions: map[string]interface{}{
			"payment-identifier": map[string]interface{}{
				"supported": true,
				"required":  false,
			},
		},
	}, nil
}
