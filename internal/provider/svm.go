package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/store"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/svm"
)

// SVM verifies and settles Solana payments through the gateway's fee-payer
// co-signing facilitator.
type SVM struct {
	facilitator *svm.Facilitator
	descriptor  *chains.Descriptor
	logger      *slog.Logger
}

// NewSVM builds the SVM provider for one network descriptor.
func NewSVM(facilitator *svm.Facilitator, descriptor *chains.Descriptor, logger *slog.Logger) *SVM {
	return &SVM{facilitator: facilitator, descriptor: descriptor, logger: logger}
}

func (p *SVM) params(req protocol.PaymentRequirements) (svm.TransferParams, error) {
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		return svm.TransferParams{}, fmt.Errorf("invalid required amount: %s", req.Amount)
	}
	return svm.TransferParams{
		Mint:           req.Asset,
		PayTo:          req.PayTo,
		RequiredAmount: amount,
	}, nil
}

func (p *SVM) Verify(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Verification, error) {
	network := p.descriptor.ID

	if payload.Scheme != protocol.SchemeExact {
		return nil, NewVerifyError(ReasonInvalidScheme, "", network, nil)
	}
	if payload.Network != req.Network {
		return nil, NewVerifyError(ReasonNetworkMismatch, "", network, nil)
	}

	svmPayload, err := payload.SVMPayload()
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidPayload, "", network, err)
	}
	params, err := p.params(req)
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidPayload, "", network, err)
	}

	payer, err := p.facilitator.Verify(ctx, svmPayload.Transaction, params)
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidPayload, payer, network, err)
	}

	return &Verification{
		Payer:    payer,
		NonceKey: store.SVMNonceKey(svmPayload.Transaction),
	}, nil
}

func (p *SVM) Settle(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Settlement, error) {
	network := p.descriptor.ID

	svmPayload, err := payload.SVMPayload()
	if err != nil {
		return nil, NewSettleError(ReasonInvalidPayload, "", network, "", err)
	}

	signature, err := p.facilitator.Settle(ctx, svmPayload.Transaction)
	if err != nil {
		// A zero signature means the failure happened before submission.
		tx := ""
		if !signature.IsZero() {
			tx = signature.String()
		}
		return nil, NewSettleError(ReasonSettlementFailed, "", network, tx, err)
	}

	p.logger.Info("svm settlement confirmed", "network", network, "tx", signature.String())

	return &Settlement{
		TxHash:  signature.String(),
		Network: network,
	}, nil
}
