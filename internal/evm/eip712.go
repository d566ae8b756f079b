// Package evm implements the EVM side of the gateway: EIP-712 hashing and
// signature recovery for EIP-3009 authorizations, and a chain client that
// submits transferWithAuthorization from the gateway's settlement key.
package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// Authorization is a parsed and validated EIP-3009 authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

// ParseAuthorization validates the wire form of an authorization and decodes
// it into chain-native types. The signature must be the 65-byte r||s||v form.
func ParseAuthorization(p *protocol.EVMAuthorizationPayload) (*Authorization, error) {
	auth := &Authorization{
		From: common.HexToAddress(p.Authorization.From),
		To:   common.HexToAddress(p.Authorization.To),
	}

	var ok bool
	if auth.Value, ok = new(big.Int).SetString(p.Authorization.Value, 10); !ok || auth.Value.Sign() < 0 {
		return nil, fmt.Errorf("invalid authorization value: %s", p.Authorization.Value)
	}
	if auth.ValidAfter, ok = new(big.Int).SetString(p.Authorization.ValidAfter, 10); !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", p.Authorization.ValidAfter)
	}
	if auth.ValidBefore, ok = new(big.Int).SetString(p.Authorization.ValidBefore, 10); !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", p.Authorization.ValidBefore)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(p.Authorization.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid nonce: must be 32 bytes of hex")
	}
	copy(auth.Nonce[:], nonceBytes)

	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length: got %d, want 65", len(sig))
	}
	auth.Signature = sig

	return auth, nil
}

// AuthorizationDigest computes the EIP-712 digest a wallet signs for
// transferWithAuthorization: keccak256(0x19 0x01 || domainSeparator || structHash).
func AuthorizationDigest(auth *Authorization, chainID *big.Int, token chains.Token) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              token.Name,
			Version:           token.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Address,
		},
		Message: map[string]interface{}{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce[:],
		},
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hashing authorization struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hashing domain: %w", err)
	}

	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner recovers the address that produced the signature over the
// digest. Accepts both 0/1 and 27/28 recovery ids.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyAuthorizationSignature checks that the authorization was signed by
// its declared from address under the token's EIP-712 domain.
func VerifyAuthorizationSignature(auth *Authorization, chainID *big.Int, token chains.Token) (bool, error) {
	digest, err := AuthorizationDigest(auth, chainID, token)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverSigner(digest, auth.Signature)
	if err != nil {
		return false, nil
	}
	return recovered == auth.From, nil
}
