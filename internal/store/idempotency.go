package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	idempotencyTTL    = time.Hour
	idempotencyPrefix = "x402:idempotency:"
)

// IdempotencyRecord is the cached outcome of a settled payment, keyed by the
// client-chosen payment identifier. It is written only after settlement
// succeeds, so a hit always represents a payment that went through.
type IdempotencyRecord struct {
	Timestamp     int64  `json:"timestamp"`
	RouteKey      string `json:"routeKey"`
	ReceiptHeader string `json:"receiptHeader"`
	Network       string `json:"network"`
	Payer         string `json:"payer"`
	TxHash        string `json:"txHash"`
}

// IdempotencyStore lets clients retry a request after a network failure
// without being charged twice.
type IdempotencyStore struct {
	kv     KV
	logger *slog.Logger
}

// NewIdempotencyStore builds an idempotency store over the KV adapter.
func NewIdempotencyStore(kv KV, logger *slog.Logger) *IdempotencyStore {
	return &IdempotencyStore{kv: kv, logger: logger}
}

// Lookup returns the record for a payment identifier, or nil when absent.
// Like nonce reads, transport failures fail open: the worst case is a fresh
// settlement attempt, which the nonce store then arbitrates.
func (s *IdempotencyStore) Lookup(ctx context.Context, paymentID string) *IdempotencyRecord {
	data, err := s.kv.Get(ctx, idempotencyPrefix+paymentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("idempotency lookup failed, treating as absent", "paymentId", paymentID, "error", err)
		return nil
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("idempotency record corrupt, treating as absent", "paymentId", paymentID, "error", err)
		return nil
	}
	return &rec
}

// Record stores the settled outcome for replayed retries. Failures are
// returned for logging but never fail the request that already settled.
func (s *IdempotencyStore) Record(ctx context.Context, paymentID string, rec IdempotencyRecord) error {
	rec.Timestamp = time.Now().Unix()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}
	if err := s.kv.Set(ctx, idempotencyPrefix+paymentID, data, idempotencyTTL); err != nil {
		return fmt.Errorf("recording idempotency: %w", err)
	}
	return nil
}
