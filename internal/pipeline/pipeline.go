// Package pipeline orchestrates one paid request: decode, idempotency lookup,
// verification, credit consumption, nonce reservation, settlement, receipt.
// It owns the ordering rules; the HTTP layer only translates its outcome.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/challenge"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/provider"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/store"
)

// ProviderSource selects the payment provider for a network descriptor.
// Implemented by *provider.Selector; stubbed in tests.
type ProviderSource interface {
	For(ctx context.Context, d *chains.Descriptor) (provider.PaymentProvider, error)
}

// Outcome is the pipeline's verdict on one request.
type Outcome struct {
	// Proceed is true when the request may reach the backend.
	Proceed bool

	// Status and Body describe the rejection response when Proceed is false.
	Status          int
	Body            []byte
	ChallengeHeader string

	// ReceiptHeader carries the PAYMENT-RESPONSE value on settled (or cached)
	// requests; CreditConsumed marks credit-redeemed requests instead.
	ReceiptHeader  string
	CreditConsumed bool

	// Settled is true only when an on-chain settlement happened in this
	// request; cached idempotent replays leave it false.
	Settled bool

	Payer     string
	PaymentID string
	Reason    string
}

// Pipeline wires the payment components into the request state machine.
type Pipeline struct {
	registry      *chains.Registry
	builder       *challenge.Builder
	providers     ProviderSource
	nonces        *store.NonceStore
	idempotency   *store.IdempotencyStore
	credits       *store.CreditStore
	creditEnabled bool
	logger        *slog.Logger
}

// New assembles the pipeline.
func New(
	registry *chains.Registry,
	builder *challenge.Builder,
	providers ProviderSource,
	nonces *store.NonceStore,
	idempotency *store.IdempotencyStore,
	credits *store.CreditStore,
	creditEnabled bool,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		registry:      registry,
		builder:       builder,
		providers:     providers,
		nonces:        nonces,
		idempotency:   idempotency,
		credits:       credits,
		creditEnabled: creditEnabled,
		logger:        logger,
	}
}

// Process runs the state machine for one request. header is the raw payment
// header value, empty when the client sent none.
func (p *Pipeline) Process(ctx context.Context, route config.Route, resourcePath, header string) *Outcome {
	logger := p.logger.With("requestId", uuid.NewString(), "route", route.RouteKey)

	if header == "" {
		return p.challenge(logger, route, resourcePath, "")
	}

	payload, err := protocol.DecodePaymentHeader(header)
	if err != nil {
		logger.Info("malformed payment envelope", "error", err)
		return &Outcome{
			Status: http.StatusBadRequest,
			Body:   []byte(`{"error":"malformed payment envelope"}`),
			Reason: "malformed_envelope",
		}
	}

	// Cached idempotent replay short-circuits everything, but only when the
	// resubmission decodes and targets the same route.
	paymentID := payload.PaymentID()
	if paymentID != "" {
		if rec := p.idempotency.Lookup(ctx, paymentID); rec != nil && rec.RouteKey == route.RouteKey {
			logger.Info("idempotent replay served from cache", "paymentId", paymentID, "tx", rec.TxHash)
			return &Outcome{
				Proceed:       true,
				ReceiptHeader: rec.ReceiptHeader,
				Payer:         rec.Payer,
				PaymentID:     paymentID,
			}
		}
	}

	if payload.Scheme != protocol.SchemeExact {
		return p.challenge(logger, route, resourcePath, "unsupported scheme")
	}
	descriptor, ok := p.registry.Lookup(payload.Network)
	if !ok || !p.registry.IsActive(payload.Network) {
		return p.challenge(logger, route, resourcePath, "unsupported network")
	}
	requirements, ok := p.builder.Requirements(route, descriptor, resourcePath)
	if !ok {
		return p.challenge(logger, route, resourcePath, "network not accepted on this route")
	}

	prov, err := p.providers.For(ctx, descriptor)
	if err != nil {
		logger.Error("provider construction failed", "network", descriptor.ID, "error", err)
		return p.challenge(logger, route, resourcePath, "payment processing unavailable")
	}

	verification, err := prov.Verify(ctx, payload, requirements)
	if err != nil {
		reason := verifyReason(err)
		logger.Info("verification rejected", "network", descriptor.ID, "reason", reason)
		out := p.challenge(logger, route, resourcePath, reason)
		out.Reason = reason
		return out
	}

	// Credit redemption replaces settlement entirely when a credit exists.
	if p.creditEnabled {
		consumed, err := p.credits.Consume(ctx, verification.Payer, route.RouteKey)
		if err != nil {
			logger.Warn("credit consume failed, falling through to settlement", "payer", verification.Payer, "error", err)
		} else if consumed {
			logger.Info("credit consumed", "payer", verification.Payer)
			return &Outcome{
				Proceed:        true,
				CreditConsumed: true,
				Payer:          verification.Payer,
				PaymentID:      paymentID,
			}
		}
	}

	meta := store.NonceRecord{
		Network: string(descriptor.ID),
		Payer:   verification.Payer,
		Route:   route.RouteKey,
		VM:      string(descriptor.VM),
	}
	acquired, err := p.nonces.Reserve(ctx, verification.NonceKey, meta)
	if err != nil {
		logger.Error("nonce reservation failed", "error", err)
		out := p.challenge(logger, route, resourcePath, "payment could not be reserved, retry")
		out.Reason = "reserve_failed"
		return out
	}
	if !acquired {
		logger.Info("nonce already reserved", "nonce", verification.NonceKey)
		out := p.challenge(logger, route, resourcePath, "nonce already used or settlement in progress")
		out.Reason = provider.ReasonNonceUsed
		return out
	}

	// Funds can move from here on. Detach from the request context so a
	// client disconnect cannot abort settlement, the nonce record, or the
	// idempotency record; the providers carry their own timeouts.
	settleCtx := context.WithoutCancel(ctx)

	settlement, err := prov.Settle(settleCtx, payload, requirements)
	if err != nil {
		if relErr := p.nonces.Release(settleCtx, verification.NonceKey); relErr != nil {
			logger.Warn("nonce release failed", "nonce", verification.NonceKey, "error", relErr)
		}
		reason := settleReason(err)
		logger.Error("settlement failed", "network", descriptor.ID, "reason", reason, "error", err)
		out := p.challenge(logger, route, resourcePath, "settlement failed: "+reason)
		out.Reason = reason
		return out
	}

	meta.TxHash = settlement.TxHash
	if err := p.nonces.Confirm(settleCtx, verification.NonceKey, meta); err != nil {
		// On-chain state is canonical; the request still succeeds.
		logger.Warn("nonce confirmation write failed", "nonce", verification.NonceKey, "error", err)
	}

	receipt := &protocol.Receipt{
		Success:     true,
		TxHash:      settlement.TxHash,
		Network:     settlement.Network,
		BlockNumber: settlement.BlockNumber,
		Facilitator: settlement.Facilitator,
	}
	receiptHeader, err := protocol.EncodeReceipt(receipt)
	if err != nil {
		logger.Error("receipt encoding failed", "error", err)
		receiptHeader = ""
	}

	if paymentID != "" && receiptHeader != "" {
		if err := p.idempotency.Record(settleCtx, paymentID, store.IdempotencyRecord{
			RouteKey:      route.RouteKey,
			ReceiptHeader: receiptHeader,
			Network:       string(settlement.Network),
			Payer:         verification.Payer,
			TxHash:        settlement.TxHash,
		}); err != nil {
			logger.Warn("idempotency record write failed", "paymentId", paymentID, "error", err)
		}
	}

	logger.Info("payment settled", "network", settlement.Network, "tx", settlement.TxHash, "payer", verification.Payer)

	return &Outcome{
		Proceed:       true,
		Settled:       true,
		ReceiptHeader: receiptHeader,
		Payer:         verification.Payer,
		PaymentID:     paymentID,
	}
}

// ScheduleCreditIssue adjusts the payer's credit balance after the backend
// response when the downstream status qualifies: a settled request earns a
// fresh credit, a credit-paid request gets the redeemed credit back. It runs
// asynchronously; the response never waits on it.
func (p *Pipeline) ScheduleCreditIssue(route config.Route, out *Outcome, backendStatus int) {
	if !p.creditEnabled || out.Payer == "" {
		return
	}
	if !out.Settled && !out.CreditConsumed {
		return
	}
	if !route.CreditPolicy.ShouldCredit(backendStatus) {
		return
	}
	payer := out.Payer
	refund := out.CreditConsumed
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cap := route.CreditPolicy.MaxCreditsPerPayer
		ttl := time.Duration(route.CreditPolicy.CreditTTLSeconds) * time.Second
		var count int64
		var err error
		if refund {
			count, err = p.credits.Refund(ctx, payer, route.RouteKey, cap, ttl)
		} else {
			count, err = p.credits.Issue(ctx, payer, route.RouteKey, cap, ttl)
		}
		if err != nil {
			p.logger.Warn("credit adjustment failed", "payer", payer, "route", route.RouteKey, "refund", refund, "error", err)
			return
		}
		p.logger.Info("credit granted", "payer", payer, "route", route.RouteKey, "status", backendStatus, "refund", refund, "count", count)
	}()
}

// challenge renders the regenerated 402 outcome.
func (p *Pipeline) challenge(logger *slog.Logger, route config.Route, resourcePath, reason string) *Outcome {
	body, err := p.builder.Build(route, resourcePath, reason)
	if err != nil {
		logger.Error("challenge build failed", "error", err)
		return &Outcome{
			Status: http.StatusInternalServerError,
			Body:   []byte(`{"error":"payment configuration error"}`),
			Reason: "challenge_unavailable",
		}
	}
	headerB64, bodyJSON, err := protocol.EncodePaymentRequired(body)
	if err != nil {
		logger.Error("challenge encoding failed", "error", err)
		return &Outcome{
			Status: http.StatusInternalServerError,
			Body:   []byte(`{"error":"payment configuration error"}`),
			Reason: "challenge_unavailable",
		}
	}
	return &Outcome{
		Status:          http.StatusPaymentRequired,
		Body:            bodyJSON,
		ChallengeHeader: headerB64,
	}
}

func verifyReason(err error) string {
	var ve *provider.VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return "verification_failed"
}

func settleReason(err error) string {
	var se *provider.SettleError
	if errors.As(err, &se) {
		return se.Reason
	}
	return provider.ReasonSettlementFailed
}
