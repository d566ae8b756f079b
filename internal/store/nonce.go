package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Nonce record TTLs. A reservation that never settles expires after an hour;
// a confirmed nonce is pinned for a week to block late replays.
const (
	noncePendingTTL   = time.Hour
	nonceConfirmedTTL = 7 * 24 * time.Hour
	noncePrefix       = "x402:nonce:"
)

// Nonce record states.
const (
	NonceStatusPending   = "pending"
	NonceStatusConfirmed = "confirmed"
)

// NonceRecord is the stored lifecycle state of one authorization nonce.
type NonceRecord struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Network   string `json:"network"`
	Payer     string `json:"payer"`
	Route     string `json:"route"`
	VM        string `json:"vm"`
	TxHash    string `json:"txHash,omitempty"`
}

// SVMNonceKey derives a replay key for an SVM payment from its transaction
// blob. Identical partial signatures hash to the same key, so resubmitting
// the same blob hits the same record.
func SVMNonceKey(transactionBase64 string) string {
	sum := sha256.Sum256([]byte(transactionBase64))
	return "svm:" + hex.EncodeToString(sum[:])
}

// NonceStore guards against double settlement of one authorization.
type NonceStore struct {
	kv     KV
	logger *slog.Logger
}

// NewNonceStore builds a nonce store over the KV adapter.
func NewNonceStore(kv KV, logger *slog.Logger) *NonceStore {
	return &NonceStore{kv: kv, logger: logger}
}

// Lookup returns the record for a nonce key, or nil when absent. Transport
// failures fail open: the caller proceeds and on-chain settlement remains the
// backstop against duplicates.
func (s *NonceStore) Lookup(ctx context.Context, nonceKey string) *NonceRecord {
	data, err := s.kv.Get(ctx, noncePrefix+nonceKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("nonce lookup failed, treating as absent", "nonce", nonceKey, "error", err)
		return nil
	}
	var rec NonceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("nonce record corrupt, treating as absent", "nonce", nonceKey, "error", err)
		return nil
	}
	return &rec
}

// Reserve attempts to acquire exclusivity for the nonce. Returns true iff the
// caller owns the reservation. Transport failures fail closed: an error here
// rejects the payment rather than risking a double settlement race.
func (s *NonceStore) Reserve(ctx context.Context, nonceKey string, meta NonceRecord) (bool, error) {
	meta.Status = NonceStatusPending
	meta.Timestamp = time.Now().Unix()
	data, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encoding nonce record: %w", err)
	}
	ok, err := s.kv.SetIfAbsent(ctx, noncePrefix+nonceKey, data, noncePendingTTL)
	if err != nil {
		return false, fmt.Errorf("reserving nonce: %w", err)
	}
	return ok, nil
}

// Confirm rewrites the record as settled with the long TTL. The on-chain
// state is canonical, so a failed confirmation write is reported for the
// caller to log but must not fail the request.
func (s *NonceStore) Confirm(ctx context.Context, nonceKey string, meta NonceRecord) error {
	meta.Status = NonceStatusConfirmed
	meta.Timestamp = time.Now().Unix()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding nonce record: %w", err)
	}
	if err := s.kv.Set(ctx, noncePrefix+nonceKey, data, nonceConfirmedTTL); err != nil {
		return fmt.Errorf("confirming nonce: %w", err)
	}
	return nil
}

// Release deletes the reservation so the client can retry after a settlement
// failure.
func (s *NonceStore) Release(ctx context.Context, nonceKey string) error {
	return s.kv.Del(ctx, noncePrefix+nonceKey)
}
