package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/svm"
)

func svmTestProvider(t *testing.T) *SVM {
	t.Helper()
	fac, err := svm.NewFacilitator("http://127.0.0.1:1", solana.NewWallet().PrivateKey.String(), testLogger())
	require.NoError(t, err)
	return NewSVM(fac, &chains.Descriptor{
		ID:        "solana:mainnet",
		VM:        chains.VMSVM,
		RPCURLRef: "SOLANA_RPC_URL",
		Token:     chains.Token{Address: "EPjF", Name: "USDC", Decimals: 6},
	}, testLogger())
}

func svmEnvelope(t *testing.T, transaction string) *protocol.PaymentPayload {
	t.Helper()
	raw, err := json.Marshal(&protocol.SVMTransactionPayload{Transaction: transaction})
	require.NoError(t, err)
	return &protocol.PaymentPayload{
		X402Version: protocol.X402Version,
		Scheme:      protocol.SchemeExact,
		Network:     "solana:mainnet",
		Payload:     raw,
	}
}

func TestSVMSettleErrors(t *testing.T) {
	ctx := context.Background()
	p := svmTestProvider(t)

	t.Run("failure before submission carries no signature", func(t *testing.T) {
		_, err := p.Settle(ctx, svmEnvelope(t, "!!not base64!!"), protocol.PaymentRequirements{})
		var se *SettleError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, ReasonSettlementFailed, se.Reason)
		assert.Empty(t, se.Tx)
	})

	t.Run("missing transaction is an invalid payload", func(t *testing.T) {
		payload := &protocol.PaymentPayload{
			X402Version: protocol.X402Version,
			Scheme:      protocol.SchemeExact,
			Network:     "solana:mainnet",
			Payload:     json.RawMessage(`{}`),
		}
		_, err := p.Settle(ctx, payload, protocol.PaymentRequirements{})
		var se *SettleError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, ReasonInvalidPayload, se.Reason)
		assert.Empty(t, se.Tx)
	})
}
