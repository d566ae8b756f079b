package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

var testToken = chains.Token{
	Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	Name:     "USD Coin",
	Version:  "2",
	Decimals: 6,
}

var testChainID = big.NewInt(8453)

func signedAuthorization(t *testing.T, key *ecdsa.PrivateKey) *Authorization {
	t.Helper()
	auth := &Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          crypto.PubkeyToAddress(key.PublicKey),
		Value:       big.NewInt(10000),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(9999999999),
	}
	auth.Nonce[31] = 0x01

	digest, err := AuthorizationDigest(auth, testChainID, testToken)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	// Wallets report the recovery id as 27/28.
	sig[64] += 27
	auth.Signature = sig
	return auth
}

func TestVerifyAuthorizationSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	t.Run("valid signature recovers from address", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("raw recovery id accepted", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		auth.Signature[64] -= 27
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("mutated value fails", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		auth.Value = big.NewInt(20000)
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("mutated recipient fails", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		auth.To = crypto.PubkeyToAddress(other.PublicKey)
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("mutated nonce fails", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		auth.Nonce[0] = 0xff
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong chain id fails", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		ok, err := VerifyAuthorizationSignature(auth, big.NewInt(1), testToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signature by another key fails", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		digest, err := AuthorizationDigest(auth, testChainID, testToken)
		require.NoError(t, err)
		sig, err := crypto.Sign(digest, other)
		require.NoError(t, err)
		auth.Signature = sig
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("garbage signature is a clean reject", func(t *testing.T) {
		auth := signedAuthorization(t, key)
		auth.Signature = make([]byte, 65)
		ok, err := VerifyAuthorizationSignature(auth, testChainID, testToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestParseAuthorization(t *testing.T) {
	valid := func() *protocol.EVMAuthorizationPayload {
		return &protocol.EVMAuthorizationPayload{
			Signature: "0x" + hex.EncodeToString(make([]byte, 65)),
			Authorization: protocol.EVMAuthorization{
				From:        "0x1111111111111111111111111111111111111111",
				To:          "0x2222222222222222222222222222222222222222",
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x" + hex.EncodeToString(make([]byte, 32)),
			},
		}
	}

	t.Run("valid payload", func(t *testing.T) {
		auth, err := ParseAuthorization(valid())
		require.NoError(t, err)
		assert.Equal(t, "10000", auth.Value.String())
		assert.Len(t, auth.Signature, 65)
	})

	t.Run("rejects non-decimal value", func(t *testing.T) {
		p := valid()
		p.Authorization.Value = "0x2710"
		_, err := ParseAuthorization(p)
		assert.Error(t, err)
	})

	t.Run("rejects negative value", func(t *testing.T) {
		p := valid()
		p.Authorization.Value = "-1"
		_, err := ParseAuthorization(p)
		assert.Error(t, err)
	})

	t.Run("rejects short nonce", func(t *testing.T) {
		p := valid()
		p.Authorization.Nonce = "0xdeadbeef"
		_, err := ParseAuthorization(p)
		assert.Error(t, err)
	})

	t.Run("rejects wrong signature length", func(t *testing.T) {
		p := valid()
		p.Signature = "0x" + hex.EncodeToString(make([]byte, 64))
		_, err := ParseAuthorization(p)
		assert.Error(t, err)
	})
}
