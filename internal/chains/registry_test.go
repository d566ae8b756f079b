package chains

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:           "eip155:8453",
			VM:           VMEVM,
			ChainNumeric: big.NewInt(8453),
			RPCURLRef:    "RPC_URL_8453",
			Token:        Token{Address: "0x8453", Name: "USD Coin", Version: "2", Decimals: 6},
		},
		{
			ID:           "eip155:56",
			VM:           VMEVM,
			ChainNumeric: big.NewInt(56),
			RPCURLRef:    "RPC_URL_56",
			Token:        Token{Address: "0x56", Name: "USD Coin", Version: "2", Decimals: 18},
			Facilitator:  &Facilitator{URL: "https://facilitator.example", NetworkName: "bsc", Recipient: "0xfac"},
		},
		{
			ID:        "solana:mainnet",
			VM:        VMSVM,
			RPCURLRef: "SOLANA_RPC_URL",
			Token:     Token{Address: "EPjF", Name: "USDC", Decimals: 6},
		},
	}
}

func TestRequiredAmount(t *testing.T) {
	t.Run("identity at 6 decimals", func(t *testing.T) {
		got := RequiredAmount(10000, Token{Decimals: 6})
		assert.Equal(t, "10000", got.String())
	})

	t.Run("scales to 18 decimals", func(t *testing.T) {
		got := RequiredAmount(10000, Token{Decimals: 18})
		assert.Equal(t, "10000000000000000", got.String())
	})
}

func TestRegistryActivation(t *testing.T) {
	t.Run("active requires rpc endpoint", func(t *testing.T) {
		r, err := NewRegistry(testDescriptors(), ActivationInputs{
			RPCURLs: map[string]string{"RPC_URL_8453": "https://rpc.example"},
		})
		require.NoError(t, err)

		assert.True(t, r.IsActive("eip155:8453"))
		assert.False(t, r.IsActive("eip155:56"))
		assert.False(t, r.IsActive("solana:mainnet"))
		assert.Len(t, r.Active(), 1)
	})

	t.Run("svm requires fee payer", func(t *testing.T) {
		rpcs := map[string]string{"SOLANA_RPC_URL": "https://solana.example"}

		r, err := NewRegistry(testDescriptors(), ActivationInputs{RPCURLs: rpcs})
		require.NoError(t, err)
		assert.False(t, r.IsActive("solana:mainnet"))

		r, err = NewRegistry(testDescriptors(), ActivationInputs{RPCURLs: rpcs, SVMFeePayerSet: true})
		require.NoError(t, err)
		assert.True(t, r.IsActive("solana:mainnet"))
	})

	t.Run("lookup covers inactive networks", func(t *testing.T) {
		r, err := NewRegistry(testDescriptors(), ActivationInputs{})
		require.NoError(t, err)

		d, ok := r.Lookup("eip155:56")
		require.True(t, ok)
		assert.True(t, d.UsesExternalFacilitator())
		assert.False(t, r.IsActive("eip155:56"))

		_, ok = r.Lookup("eip155:1")
		assert.False(t, ok)
	})

	t.Run("rejects decimals below quote width", func(t *testing.T) {
		bad := []Descriptor{{
			ID:           "eip155:99",
			VM:           VMEVM,
			ChainNumeric: big.NewInt(99),
			RPCURLRef:    "RPC_URL_99",
			Token:        Token{Address: "0x99", Decimals: 2},
		}}
		_, err := NewRegistry(bad, ActivationInputs{})
		assert.Error(t, err)
	})

	t.Run("rejects evm descriptor without numeric chain id", func(t *testing.T) {
		bad := []Descriptor{{
			ID:        "eip155:99",
			VM:        VMEVM,
			RPCURLRef: "RPC_URL_99",
			Token:     Token{Address: "0x99", Decimals: 6},
		}}
		_, err := NewRegistry(bad, ActivationInputs{})
		assert.Error(t, err)
	})
}

func TestDescriptorPaths(t *testing.T) {
	descs := testDescriptors()

	assert.False(t, descs[0].IsSVM())
	assert.False(t, descs[0].UsesExternalFacilitator())
	assert.True(t, descs[1].UsesExternalFacilitator())
	assert.True(t, descs[2].IsSVM())
	// SVM networks never delegate, even if a facilitator were configured.
	svmWithFac := descs[2]
	svmWithFac.Facilitator = &Facilitator{URL: "https://facilitator.example"}
	assert.False(t, svmWithFac.UsesExternalFacilitator())
}
