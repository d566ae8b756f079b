// Package provider implements payment verification and settlement. Three
// variants exist behind one interface: local EVM (the gateway verifies and
// settles itself), external-facilitator EVM (delegated over HTTP), and SVM
// (fee-payer co-signing). The variant is selected once per request from the
// network descriptor.
package provider

import (
	"context"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// Verification is the successful result of verifying a payment.
type Verification struct {
	// Payer is the authenticated payer identity recovered from the payment
	// itself, never from request metadata.
	Payer string

	// NonceKey is the replay-protection key for this payment: the EVM
	// authorization nonce, or the hashed transaction blob for SVM.
	NonceKey string
}

// Settlement is the successful result of settling a payment on-chain.
type Settlement struct {
	TxHash      string
	Network     protocol.Network
	BlockNumber *uint64
	Facilitator string
	Payer       string
}

// PaymentProvider verifies and settles payments for one network.
type PaymentProvider interface {
	// Verify checks the payment against the route's requirements without
	// persisting anything. Rejections are *VerifyError.
	Verify(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Verification, error)

	// Settle executes the payment on-chain. Failures are *SettleError.
	Settle(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Settlement, error)
}
