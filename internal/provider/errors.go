package provider

import (
	"fmt"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// Verification failure reason codes carried back to clients in the 402 body.
const (
	ReasonInvalidScheme       = "invalid_scheme"
	ReasonNetworkMismatch     = "network_mismatch"
	ReasonInvalidPayload      = "invalid_payload"
	ReasonInsufficientAmount  = "insufficient_amount"
	ReasonRecipientMismatch   = "recipient_mismatch"
	ReasonNotYetValid         = "authorization_not_yet_valid"
	ReasonExpired             = "authorization_expired"
	ReasonNonceUsed           = "nonce_already_used"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBalanceCheckFailed  = "balance_check_failed"
	ReasonFacilitatorRejected = "facilitator_rejected"
	ReasonFacilitatorError    = "facilitator_unreachable"
	ReasonSettlementFailed    = "settlement_failed"
	ReasonConfirmationFailed  = "transaction_confirmation_failed"
)

// VerifyError is a payment rejected at verification time.
type VerifyError struct {
	Reason  string
	Payer   string
	Network protocol.Network
	Err     error
}

func NewVerifyError(reason, payer string, network protocol.Network, err error) *VerifyError {
	return &VerifyError{Reason: reason, Payer: payer, Network: network, Err: err}
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify failed (%s) on %s: %v", e.Reason, e.Network, e.Err)
	}
	return fmt.Sprintf("verify failed (%s) on %s", e.Reason, e.Network)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// SettleError is a payment that verified but could not be settled.
type SettleError struct {
	Reason  string
	Payer   string
	Network protocol.Network
	Tx      string
	Err     error
}

func NewSettleError(reason, payer string, network protocol.Network, tx string, err error) *SettleError {
	return &SettleError{Reason: reason, Payer: payer, Network: network, Tx: tx, Err: err}
}

func (e *SettleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settle failed (%s) on %s: %v", e.Reason, e.Network, e.Err)
	}
	return fmt.Sprintf("settle failed (%s) on %s", e.Reason, e.Network)
}

func (e *SettleError) Unwrap() error { return e.Err }
