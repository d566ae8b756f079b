package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// facilitatorHTTPTimeout bounds each verify/settle round trip.
const facilitatorHTTPTimeout = 15 * time.Second

// FacilitatorEVM delegates verification and settlement to an external
// facilitator service over HTTP with bearer-token auth.
type FacilitatorEVM struct {
	descriptor *chains.Descriptor
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFacilitatorEVM builds the facilitator-routed provider for one network.
// apiKey may be empty when the facilitator is unauthenticated.
func NewFacilitatorEVM(descriptor *chains.Descriptor, apiKey string, logger *slog.Logger) *FacilitatorEVM {
	return &FacilitatorEVM{
		descriptor: descriptor,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: facilitatorHTTPTimeout},
		logger:     logger,
	}
}

// externalRequirements rewrites the route requirements into the shape the
// facilitator expects: its own network name and receiving contract.
func (p *FacilitatorEVM) externalRequirements(req protocol.PaymentRequirements) protocol.PaymentRequirements {
	out := req
	out.Network = protocol.Network(p.descriptor.Facilitator.NetworkName)
	out.PayTo = p.descriptor.Facilitator.Recipient
	out.Recipient = p.descriptor.Facilitator.Recipient
	out.MaxTimeoutSeconds = 3600
	return out
}

func (p *FacilitatorEVM) post(ctx context.Context, path string, payload *protocol.PaymentPayload, req protocol.PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"x402Version":         protocol.X402Version,
		"paymentPayload":      payload,
		"paymentRequirements": p.externalRequirements(req),
	})
	if err != nil {
		return fmt.Errorf("marshaling facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.descriptor.Facilitator.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	// Facilitators report rejection detail in the JSON body even on non-2xx,
	// so decode before judging the status.
	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr != nil {
			return fmt.Errorf("facilitator %s returned %s", path, resp.Status)
		}
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("decoding facilitator %s response: %w", path, decodeErr)
	}
	return nil
}

func (p *FacilitatorEVM) Verify(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Verification, error) {
	network := p.descriptor.ID

	if payload.Scheme != protocol.SchemeExact {
		return nil, NewVerifyError(ReasonInvalidScheme, "", network, nil)
	}

	var resp protocol.VerifyResponse
	if err := p.post(ctx, "/verify", payload, req, &resp); err != nil {
		return nil, NewVerifyError(ReasonFacilitatorError, "", network, err)
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = ReasonFacilitatorRejected
		}
		return nil, NewVerifyError(reason, resp.Payer, network, nil)
	}

	// Replay key still derives from the client's own authorization so that
	// the local nonce gate applies to facilitator-routed payments too.
	nonceKey, err := facilitatorNonceKey(payload)
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidPayload, resp.Payer, network, err)
	}

	return &Verification{Payer: resp.Payer, NonceKey: nonceKey}, nil
}

func (p *FacilitatorEVM) Settle(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Settlement, error) {
	network := p.descriptor.ID

	var resp protocol.SettleResponse
	if err := p.post(ctx, "/settle", payload, req, &resp); err != nil {
		return nil, NewSettleError(ReasonFacilitatorError, "", network, "", err)
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = ReasonSettlementFailed
		}
		return nil, NewSettleError(reason, resp.Payer, network, resp.Transaction, nil)
	}

	p.logger.Info("facilitator settlement confirmed",
		"network", network, "tx", resp.Transaction, "facilitator", p.descriptor.Facilitator.URL)

	return &Settlement{
		TxHash:      resp.Transaction,
		Network:     network,
		Facilitator: p.descriptor.Facilitator.URL,
		Payer:       resp.Payer,
	}, nil
}

// facilitatorNonceKey extracts the replay key from the EIP-3009 authorization
// inside the scheme payload.
func facilitatorNonceKey(payload *protocol.PaymentPayload) (string, error) {
	evmPayload, err := payload.EVMPayload()
	if err != nil {
		return "", err
	}
	if evmPayload.Authorization.Nonce == "" {
		return "", fmt.Errorf("authorization nonce missing")
	}
	return evmNonceKey(evmPayload.Authorization.Nonce), nil
}
