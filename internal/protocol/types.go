// Package protocol defines the x402 wire types exchanged with clients and
// facilitators: the 402 challenge body, the payment envelope, verify/settle
// messages, and the settlement receipt.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// X402Version is the protocol version the gateway speaks.
const X402Version = 1

// SchemeExact is the only payment scheme the gateway accepts.
const SchemeExact = "exact"

// Network is a CAIP-2 chain identifier, e.g. "eip155:8453" or
// "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp".
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// PaymentRequirements is one accept entry in the 402 challenge.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Amount            string                 `json:"amount"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	Recipient         string                 `json:"recipient,omitempty"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body. The same payload, base64-encoded,
// travels in the PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// PaymentPayload is the decoded payment envelope submitted by a client.
// Payload is scheme-specific: EVMAuthorizationPayload for EVM networks,
// SVMTransactionPayload for SVM networks.
type PaymentPayload struct {
	X402Version int                        `json:"x402Version"`
	Scheme      string                     `json:"scheme"`
	Network     Network                    `json:"network"`
	Payload     json.RawMessage            `json:"payload"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

// EVMAuthorization mirrors the EIP-3009 TransferWithAuthorization message.
// Numeric fields travel as decimal strings; nonce is 32 bytes of hex.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMAuthorizationPayload is the EVM scheme payload: a signed EIP-3009
// authorization.
type EVMAuthorizationPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// SVMTransactionPayload is the SVM scheme payload: a base64-encoded
// partially-signed transaction with the fee-payer slot left empty.
type SVMTransactionPayload struct {
	Transaction string `json:"transaction"`
}

// EVMPayload decodes the scheme-specific payload as an EVM authorization.
func (p *PaymentPayload) EVMPayload() (*EVMAuthorizationPayload, error) {
	var out EVMAuthorizationPayload
	if err := json.Unmarshal(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("invalid evm payload: %w", err)
	}
	if out.Authorization.From == "" || out.Authorization.To == "" {
		return nil, fmt.Errorf("invalid evm payload: missing authorization addresses")
	}
	return &out, nil
}

// SVMPayload decodes the scheme-specific payload as an SVM transaction blob.
func (p *PaymentPayload) SVMPayload() (*SVMTransactionPayload, error) {
	var out SVMTransactionPayload
	if err := json.Unmarshal(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("invalid svm payload: %w", err)
	}
	if out.Transaction == "" {
		return nil, fmt.Errorf("invalid svm payload: missing transaction")
	}
	return &out, nil
}

// VerifyRequest is the body POSTed to an external facilitator's /verify.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      json.RawMessage     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's /verify result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's /settle result.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// Receipt is the settlement receipt returned to clients in the
// PAYMENT-RESPONSE header (base64 of this JSON).
type Receipt struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	Network     Network `json:"network"`
	BlockNumber *uint64 `json:"blockNumber"`
	Facilitator string  `json:"facilitator,omitempty"`
}
