package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/evm"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/store"
)

// EVMChain is the chain surface the local EVM provider needs. Implemented by
// *evm.ChainClient; faked in tests.
type EVMChain interface {
	BalanceOf(ctx context.Context, token common.Address, holder common.Address) (*big.Int, error)
	AuthorizationUsed(ctx context.Context, token common.Address, authorizer common.Address, nonce [32]byte) (bool, error)
	SubmitTransferWithAuthorization(ctx context.Context, token common.Address, auth *evm.Authorization) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// NonceReader exposes read-only access to the replay store for verification.
type NonceReader interface {
	Lookup(ctx context.Context, nonceKey string) *store.NonceRecord
}

// evmNonceKey normalizes an authorization nonce into the replay store key.
func evmNonceKey(nonce string) string {
	return strings.ToLower(strings.TrimPrefix(nonce, "0x"))
}

// LocalEVM verifies EIP-3009 authorizations itself and settles them with the
// gateway's own settlement key.
type LocalEVM struct {
	chain         EVMChain
	descriptor    *chains.Descriptor
	nonces        NonceReader
	strictBalance bool
	logger        *slog.Logger
}

// NewLocalEVM builds the local EVM provider for one network descriptor. When
// strictBalance is set, a failed balance read rejects the payment instead of
// deferring to on-chain settlement.
func NewLocalEVM(chain EVMChain, descriptor *chains.Descriptor, nonces NonceReader, strictBalance bool, logger *slog.Logger) *LocalEVM {
	return &LocalEVM{
		chain:         chain,
		descriptor:    descriptor,
		nonces:        nonces,
		strictBalance: strictBalance,
		logger:        logger,
	}
}

func (p *LocalEVM) Verify(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Verification, error) {
	network := p.descriptor.ID

	if payload.Scheme != protocol.SchemeExact {
		return nil, NewVerifyError(ReasonInvalidScheme, "", network, nil)
	}
	if payload.Network != req.Network {
		return nil, NewVerifyError(ReasonNetworkMismatch, "", network, nil)
	}

	evmPayload, err := payload.EVMPayload()
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidPayload, "", network, err)
	}
	auth, err := evm.ParseAuthorization(evmPayload)
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidPayload, "", network, err)
	}
	payer := auth.From.Hex()

	if auth.To != common.HexToAddress(req.PayTo) {
		return nil, NewVerifyError(ReasonRecipientMismatch, payer, network, nil)
	}

	required, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, NewVerifyError(ReasonInvalidPayload, payer, network, fmt.Errorf("invalid required amount: %s", req.Amount))
	}
	if auth.Value.Cmp(required) < 0 {
		return nil, NewVerifyError(ReasonInsufficientAmount, payer, network, nil)
	}

	now := big.NewInt(time.Now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 {
		return nil, NewVerifyError(ReasonNotYetValid, payer, network, nil)
	}
	if now.Cmp(auth.ValidBefore) > 0 {
		return nil, NewVerifyError(ReasonExpired, payer, network, nil)
	}

	nonceKey := evmNonceKey(evmPayload.Authorization.Nonce)
	if rec := p.nonces.Lookup(ctx, nonceKey); rec != nil {
		return nil, NewVerifyError(ReasonNonceUsed, payer, network,
			fmt.Errorf("nonce record exists with status %s", rec.Status))
	}

	valid, err := evm.VerifyAuthorizationSignature(auth, p.descriptor.ChainNumeric, p.descriptor.Token)
	if err != nil {
		return nil, NewVerifyError(ReasonInvalidSignature, payer, network, err)
	}
	if !valid {
		return nil, NewVerifyError(ReasonInvalidSignature, payer, network, nil)
	}

	token := common.HexToAddress(p.descriptor.Token.Address)

	// On-chain nonce state catches replays the store has already expired.
	used, err := p.chain.AuthorizationUsed(ctx, token, auth.From, auth.Nonce)
	if err != nil {
		p.logger.Warn("authorizationState read failed", "network", network, "error", err)
	} else if used {
		return nil, NewVerifyError(ReasonNonceUsed, payer, network, nil)
	}

	balance, err := p.chain.BalanceOf(ctx, token, auth.From)
	if err != nil {
		if p.strictBalance {
			return nil, NewVerifyError(ReasonBalanceCheckFailed, payer, network, err)
		}
		// Fail soft: settlement itself rejects an underfunded transfer.
		p.logger.Warn("balance read failed, deferring to settlement", "network", network, "payer", payer, "error", err)
	} else if balance.Cmp(auth.Value) < 0 {
		return nil, NewVerifyError(ReasonInsufficientBalance, payer, network, nil)
	}

	return &Verification{Payer: payer, NonceKey: nonceKey}, nil
}

func (p *LocalEVM) Settle(ctx context.Context, payload *protocol.PaymentPayload, req protocol.PaymentRequirements) (*Settlement, error) {
	network := p.descriptor.ID

	evmPayload, err := payload.EVMPayload()
	if err != nil {
		return nil, NewSettleError(ReasonInvalidPayload, "", network, "", err)
	}
	auth, err := evm.ParseAuthorization(evmPayload)
	if err != nil {
		return nil, NewSettleError(ReasonInvalidPayload, "", network, "", err)
	}
	payer := auth.From.Hex()
	token := common.HexToAddress(p.descriptor.Token.Address)

	txHash, err := p.chain.SubmitTransferWithAuthorization(ctx, token, auth)
	if err != nil {
		return nil, NewSettleError(ReasonSettlementFailed, payer, network, "", err)
	}

	receipt, err := p.chain.WaitForReceipt(ctx, txHash)
	if err != nil {
		return nil, NewSettleError(ReasonConfirmationFailed, payer, network, txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, NewSettleError(ReasonSettlementFailed, payer, network, txHash.Hex(),
			fmt.Errorf("transaction reverted"))
	}

	block := receipt.BlockNumber.Uint64()
	p.logger.Info("settlement confirmed",
		"network", network, "tx", txHash.Hex(), "block", block, "payer", payer)

	return &Settlement{
		TxHash:      txHash.Hex(),
		Network:     network,
		BlockNumber: &block,
		Payer:       payer,
	}, nil
}
