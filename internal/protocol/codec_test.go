package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEnvelope(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func validEnvelope() map[string]interface{} {
	return map[string]interface{}{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "eip155:8453",
		"payload": map[string]interface{}{
			"signature": "0xabc",
			"authorization": map[string]interface{}{
				"from":        "0x1111111111111111111111111111111111111111",
				"to":          "0x2222222222222222222222222222222222222222",
				"value":       "10000",
				"validAfter":  "0",
				"validBefore": "9999999999",
				"nonce":       "0x0000000000000000000000000000000000000000000000000000000000000001",
			},
		},
	}
}

func TestDecodePaymentHeader(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		payload, err := DecodePaymentHeader(encodeEnvelope(t, validEnvelope()))
		require.NoError(t, err)
		assert.Equal(t, SchemeExact, payload.Scheme)
		assert.Equal(t, Network("eip155:8453"), payload.Network)

		evmPayload, err := payload.EVMPayload()
		require.NoError(t, err)
		assert.Equal(t, "10000", evmPayload.Authorization.Value)
	})

	t.Run("rejects bad base64", func(t *testing.T) {
		_, err := DecodePaymentHeader("not-base64!!")
		assert.Error(t, err)
	})

	t.Run("rejects non-json", func(t *testing.T) {
		_, err := DecodePaymentHeader(base64.StdEncoding.EncodeToString([]byte("plain text")))
		assert.Error(t, err)
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		env := validEnvelope()
		delete(env, "payload")
		_, err := DecodePaymentHeader(encodeEnvelope(t, env))
		assert.Error(t, err)
	})

	t.Run("rejects malformed network id", func(t *testing.T) {
		env := validEnvelope()
		env["network"] = "base"
		_, err := DecodePaymentHeader(encodeEnvelope(t, env))
		assert.Error(t, err)
	})

	t.Run("payment identifier bounds", func(t *testing.T) {
		cases := []struct {
			name      string
			paymentID string
			valid     bool
		}{
			{"minimum length", "abcdefgh12345678", true},
			{"with allowed punctuation", "retry_0001-ABCDEF", true},
			{"too short", "short", false},
			{"illegal characters", "abcdefgh1234567$", false},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				env := validEnvelope()
				env["extensions"] = map[string]interface{}{
					"payment-identifier": map[string]interface{}{"paymentId": tc.paymentID},
				}
				payload, err := DecodePaymentHeader(encodeEnvelope(t, env))
				if !tc.valid {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.paymentID, payload.PaymentID())
			})
		}
	})

	t.Run("payment id empty when extension absent", func(t *testing.T) {
		payload, err := DecodePaymentHeader(encodeEnvelope(t, validEnvelope()))
		require.NoError(t, err)
		assert.Empty(t, payload.PaymentID())
	})
}

func TestEncodePaymentRequired(t *testing.T) {
	body := &PaymentRequired{
		X402Version: X402Version,
		Error:       "payment required",
		Accepts: []PaymentRequirements{{
			Scheme:            SchemeExact,
			Network:           "eip155:8453",
			MaxAmountRequired: "10000",
			Amount:            "10000",
			MaxTimeoutSeconds: 3600,
			PayTo:             "0x2222222222222222222222222222222222222222",
			Asset:             "0x3333333333333333333333333333333333333333",
		}},
		Extensions: map[string]interface{}{
			"payment-identifier": map[string]interface{}{"supported": true, "required": false},
		},
	}

	header, bodyJSON, err := EncodePaymentRequired(body)
	require.NoError(t, err)

	// The header is the standard base64 of the exact body bytes.
	decoded, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)
	assert.Equal(t, bodyJSON, decoded)

	var round PaymentRequired
	require.NoError(t, json.Unmarshal(decoded, &round))
	assert.Equal(t, SchemeExact, round.Accepts[0].Scheme)
	ext := round.Extensions["payment-identifier"].(map[string]interface{})
	assert.Equal(t, true, ext["supported"])
}

func TestReceiptCodec(t *testing.T) {
	block := uint64(123456)
	header, err := EncodeReceipt(&Receipt{
		Success:     true,
		TxHash:      "0xdeadbeef",
		Network:     "eip155:8453",
		BlockNumber: &block,
	})
	require.NoError(t, err)

	r, err := DecodeReceipt(header)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, "0xdeadbeef", r.TxHash)
	require.NotNil(t, r.BlockNumber)
	assert.Equal(t, block, *r.BlockNumber)
}

func TestNetworkParse(t *testing.T) {
	ns, ref, err := Network("eip155:8453").Parse()
	require.NoError(t, err)
	assert.Equal(t, "eip155", ns)
	assert.Equal(t, "8453", ref)

	_, _, err = Network("nonsense").Parse()
	assert.Error(t, err)
}
