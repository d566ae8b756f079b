package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Header names. Inbound payment headers are matched case-insensitively by the
// HTTP layer; these are the canonical spellings.
const (
	HeaderPaymentSignature = "Payment-Signature"
	HeaderXPayment         = "X-Payment"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderCredit           = "X-x402-Credit"
	HeaderUntrustedPayer   = "X-x402-Payer"
)

// CreditConsumedValue is the sentinel value carried in the X-x402-Credit
// header when a request is served by redeeming a credit.
const CreditConsumedValue = "consumed"

// DecodePaymentHeader decodes a base64 payment envelope and validates it
// against the envelope schema. Malformed base64 or JSON, schema violations,
// and bad payment identifiers all return an error; the caller maps these
// to HTTP 400.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header encoding: %w", err)
	}
	if err := validateEnvelope(raw); err != nil {
		return nil, err
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment envelope: %w", err)
	}
	return &payload, nil
}

// EncodePaymentRequired renders the 402 challenge as (headerBase64, bodyJSON).
// Standard (non-URL) base64 of the JSON body, per the x402 convention.
func EncodePaymentRequired(body *PaymentRequired) (string, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode payment required body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), data, nil
}

// EncodeReceipt renders a settlement receipt for the PAYMENT-RESPONSE header.
func EncodeReceipt(r *Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt parses a PAYMENT-RESPONSE header value. Used by tests and by
// the idempotency store when re-emitting cached receipts.
func DecodeReceipt(header string) (*Receipt, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid receipt encoding: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("invalid receipt: %w", err)
	}
	return &r, nil
}

// PaymentID extracts the optional payment-identifier extension from the
// envelope. Returns "" when the extension is absent. The identifier's shape
// is already guaranteed by the envelope schema.
func (p *PaymentPayload) PaymentID() string {
	ext, ok := p.Extensions["payment-identifier"]
	if !ok {
		return ""
	}
	var id struct {
		PaymentID string `json:"paymentId"`
	}
	if err := json.Unmarshal(ext, &id); err != nil {
		return ""
	}
	return id.PaymentID
}
