package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// confirmationTimeout bounds how long a request waits for the settlement
	// transaction to mine before reporting failure.
	confirmationTimeout = 60 * time.Second
	receiptPollInterval = 2 * time.Second

	fallbackGasLimit = uint64(120_000)
)

// ChainClient submits and reads the stablecoin contract on one EVM chain,
// paying gas from the gateway's settlement key.
type ChainClient struct {
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	sender  common.Address
}

// NewChainClient dials the chain's RPC endpoint and loads the settlement key.
func NewChainClient(ctx context.Context, rpcURL, privateKeyHex string, chainID *big.Int) (*ChainClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement private key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc: %w", err)
	}
	return &ChainClient{
		client:  client,
		chainID: chainID,
		key:     key,
		sender:  crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Sender returns the settlement key's address.
func (c *ChainClient) Sender() common.Address {
	return c.sender
}

// ChainID returns the numeric chain id this client settles on.
func (c *ChainClient) ChainID() *big.Int {
	return c.chainID
}

// BalanceOf reads the holder's token balance.
func (c *ChainClient) BalanceOf(ctx context.Context, token common.Address, holder common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack(functionBalanceOf, holder)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call: %w", err)
	}
	out, err := tokenABI.Unpack(functionBalanceOf, raw)
	if err != nil {
		return nil, fmt.Errorf("unpacking balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type")
	}
	return balance, nil
}

// AuthorizationUsed reports whether the EIP-3009 nonce is already consumed on
// chain for the authorizer.
func (c *ChainClient) AuthorizationUsed(ctx context.Context, token common.Address, authorizer common.Address, nonce [32]byte) (bool, error) {
	data, err := tokenABI.Pack(functionAuthorizationState, authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("packing authorizationState: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("authorizationState call: %w", err)
	}
	out, err := tokenABI.Unpack(functionAuthorizationState, raw)
	if err != nil {
		return false, fmt.Errorf("unpacking authorizationState: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type")
	}
	return used, nil
}

// SubmitTransferWithAuthorization sends transferWithAuthorization for the
// signed authorization and returns the transaction hash.
func (c *ChainClient) SubmitTransferWithAuthorization(ctx context.Context, token common.Address, auth *Authorization) (common.Hash, error) {
	var r, s [32]byte
	copy(r[:], auth.Signature[:32])
	copy(s[:], auth.Signature[32:64])
	v := auth.Signature[64]
	if v < 27 {
		v += 27
	}

	callData, err := tokenABI.Pack(functionTransferWithAuthorization,
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing transferWithAuthorization: %w", err)
	}

	txNonce, err := c.client.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	gasLimit := fallbackGasLimit
	if est, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.sender,
		To:   &token,
		Data: callData,
	}); err == nil {
		gasLimit = est * 12 / 10
	}

	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	tip := big.NewInt(1e9)
	feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     txNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &token,
		Value:     new(big.Int),
		Data:      callData,
	})
	signed, err := types.SignTx(tx, types.NewLondonSigner(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing settlement tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("sending settlement tx: %w", err)
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction mines or the confirmation
// timeout elapses.
func (c *ChainClient) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the underlying RPC connection.
func (c *ChainClient) Close() {
	c.client.Close()
}
