// Package svm implements local verification and settlement of Solana
// payments. Clients submit a partially-signed transaction with the fee-payer
// slot left empty; the gateway validates its structure, co-signs as fee
// payer, simulates, and submits.
package svm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// maxComputeUnitPriceMicroLamports caps the priority fee a client can
	// make the gateway's fee payer spend (5 lamports per compute unit).
	maxComputeUnitPriceMicroLamports = 5_000_000

	confirmationTimeout = 60 * time.Second
	statusPollInterval  = 2 * time.Second
)

// TransferParams is what the route's challenge demanded; the submitted
// transaction must match it exactly.
type TransferParams struct {
	Mint           string
	PayTo          string
	RequiredAmount uint64
}

// Facilitator verifies and settles SVM payments against one RPC endpoint,
// co-signing with the gateway's fee-payer key.
type Facilitator struct {
	rpc      *rpc.Client
	feePayer solana.PrivateKey
	logger   *slog.Logger
}

// NewFacilitator parses the fee-payer key and connects the RPC client.
func NewFacilitator(rpcURL, feePayerKeyBase58 string, logger *slog.Logger) (*Facilitator, error) {
	key, err := solana.PrivateKeyFromBase58(feePayerKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer key: %w", err)
	}
	return &Facilitator{
		rpc:      rpc.New(rpcURL),
		feePayer: key,
		logger:   logger,
	}, nil
}

// FeePayer returns the gateway's fee-payer address, advertised to clients in
// the challenge extra.
func (f *Facilitator) FeePayer() solana.PublicKey {
	return f.feePayer.PublicKey()
}

// DecodeTransaction deserializes a base64-encoded wire transaction.
func DecodeTransaction(base64Tx string) (*solana.Transaction, error) {
	txBytes, err := base64.StdEncoding.DecodeString(base64Tx)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(txBytes))
	if err != nil {
		return nil, fmt.Errorf("deserializing transaction: %w", err)
	}
	return tx, nil
}

// Verify checks the transaction's structure against the route's demands,
// co-signs it, and simulates it. Returns the token payer (the TransferChecked
// authority) on success.
func (f *Facilitator) Verify(ctx context.Context, base64Tx string, params TransferParams) (string, error) {
	tx, err := DecodeTransaction(base64Tx)
	if err != nil {
		return "", err
	}

	// Exactly ComputeLimit + ComputePrice + TransferChecked; anything else
	// could make the fee payer sign arbitrary instructions.
	if len(tx.Message.Instructions) != 3 {
		return "", fmt.Errorf("transaction must contain exactly 3 instructions, got %d", len(tx.Message.Instructions))
	}
	if err := f.verifyComputeLimitInstruction(tx, tx.Message.Instructions[0]); err != nil {
		return "", err
	}
	if err := f.verifyComputePriceInstruction(tx, tx.Message.Instructions[1]); err != nil {
		return "", err
	}
	payer, err := f.verifyTransferInstruction(tx, tx.Message.Instructions[2], params)
	if err != nil {
		return payer, err
	}

	// First account is the fee payer slot the client must have left for us.
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(f.feePayer.PublicKey()) {
		return payer, fmt.Errorf("transaction fee payer is not the gateway fee payer")
	}

	if err := f.signAsFeePayer(tx); err != nil {
		return payer, fmt.Errorf("co-signing transaction: %w", err)
	}

	// Simulation proves the transfer would succeed: balance, ATAs, blockhash.
	sim, err := f.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return payer, fmt.Errorf("transaction simulation failed: %w", err)
	}
	if sim != nil && sim.Value != nil && sim.Value.Err != nil {
		return payer, fmt.Errorf("transaction simulation failed: %v", sim.Value.Err)
	}

	return payer, nil
}

// Settle co-signs and submits the transaction, then waits for confirmation.
func (f *Facilitator) Settle(ctx context.Context, base64Tx string) (solana.Signature, error) {
	tx, err := DecodeTransaction(base64Tx)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := f.signAsFeePayer(tx); err != nil {
		return solana.Signature{}, fmt.Errorf("co-signing transaction: %w", err)
	}

	signature, err := f.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sending transaction: %w", err)
	}

	if err := f.confirmTransaction(ctx, signature); err != nil {
		return signature, err
	}
	return signature, nil
}

// signAsFeePayer writes the fee payer's ed25519 signature into slot 0.
func (f *Facilitator) signAsFeePayer(tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	signature, err := f.feePayer.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	index, err := tx.GetAccountIndex(f.feePayer.PublicKey())
	if err != nil {
		return fmt.Errorf("fee payer not present in transaction: %w", err)
	}
	if len(tx.Signatures) <= int(index) {
		grown := make([]solana.Signature, index+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[index] = signature
	return nil
}

// confirmTransaction polls signature status until confirmed or finalized.
func (f *Facilitator) confirmTransaction(ctx context.Context, signature solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		statuses, err := f.rpc.GetSignatureStatuses(ctx, true, signature)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on-chain: %v", signature, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmation of %s: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (f *Facilitator) verifyComputeLimitInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if !progID.Equals(solana.ComputeBudget) {
		return fmt.Errorf("first instruction must set the compute unit limit")
	}
	// Discriminator 2 is SetComputeUnitLimit.
	if len(inst.Data) < 1 || inst.Data[0] != 2 {
		return fmt.Errorf("first instruction must set the compute unit limit")
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("first instruction must set the compute unit limit")
	}
	if _, err := computebudget.DecodeInstruction(accounts, inst.Data); err != nil {
		return fmt.Errorf("first instruction must set the compute unit limit")
	}
	return nil
}

func (f *Facilitator) verifyComputePriceInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) error {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if !progID.Equals(solana.ComputeBudget) {
		return fmt.Errorf("second instruction must set the compute unit price")
	}
	// Discriminator 3 is SetComputeUnitPrice.
	if len(inst.Data) < 1 || inst.Data[0] != 3 {
		return fmt.Errorf("second instruction must set the compute unit price")
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return fmt.Errorf("second instruction must set the compute unit price")
	}
	decoded, err := computebudget.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return fmt.Errorf("second instruction must set the compute unit price")
	}
	priceInst, ok := decoded.Impl.(*computebudget.SetComputeUnitPrice)
	if !ok {
		return fmt.Errorf("second instruction must set the compute unit price")
	}
	if priceInst.MicroLamports > maxComputeUnitPriceMicroLamports {
		return fmt.Errorf("compute unit price exceeds the fee payer's cap")
	}
	return nil
}

// verifyTransferInstruction checks the TransferChecked against the route's
// demands and returns the authority (the payer) when identifiable.
func (f *Facilitator) verifyTransferInstruction(tx *solana.Transaction, inst solana.CompiledInstruction, params TransferParams) (string, error) {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if progID != solana.TokenProgramID && progID != solana.Token2022ProgramID {
		return "", fmt.Errorf("third instruction must be a token transfer")
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil || len(accounts) < 4 {
		return "", fmt.Errorf("third instruction must be a token transfer")
	}
	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return "", fmt.Errorf("third instruction must be a token transfer")
	}
	transfer, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return "", fmt.Errorf("third instruction must be a TransferChecked")
	}

	// TransferChecked accounts: source, mint, destination, authority.
	payer := accounts[3].PublicKey.String()

	// The fee payer must never be the party moving funds.
	if accounts[3].PublicKey.Equals(f.feePayer.PublicKey()) {
		return payer, fmt.Errorf("fee payer cannot transfer its own funds")
	}

	if accounts[1].PublicKey.String() != params.Mint {
		return payer, fmt.Errorf("transfer mint does not match the required asset")
	}

	payToPubkey, err := solana.PublicKeyFromBase58(params.PayTo)
	if err != nil {
		return payer, fmt.Errorf("invalid recipient address: %w", err)
	}
	mintPubkey, err := solana.PublicKeyFromBase58(params.Mint)
	if err != nil {
		return payer, fmt.Errorf("invalid mint address: %w", err)
	}
	expectedDestATA, _, err := solana.FindAssociatedTokenAddress(payToPubkey, mintPubkey)
	if err != nil {
		return payer, fmt.Errorf("deriving recipient token account: %w", err)
	}
	if !transfer.GetDestinationAccount().PublicKey.Equals(expectedDestATA) {
		return payer, fmt.Errorf("transfer destination does not match the required recipient")
	}

	if transfer.Amount == nil || *transfer.Amount < params.RequiredAmount {
		return payer, fmt.Errorf("transfer amount below the required price")
	}

	return payer, nil
}
