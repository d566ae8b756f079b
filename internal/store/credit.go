package store

import (
	"context"
	"strings"
	"time"
)

const creditPrefix = "x402:credit:"

// CreditStore tracks per-payer retry credits issued when a paid request hits
// a transient backend failure. Counters are per payer per route and capped.
type CreditStore struct {
	kv KV
}

// NewCreditStore builds a credit store over the KV adapter.
func NewCreditStore(kv KV) *CreditStore {
	return &CreditStore{kv: kv}
}

func creditKey(payer, routeKey string) string {
	return creditPrefix + strings.ToLower(payer) + ":" + routeKey
}

// Consume redeems one credit for the payer on the route. Returns true iff a
// credit was available and consumed.
func (s *CreditStore) Consume(ctx context.Context, payer, routeKey string) (bool, error) {
	return s.kv.DecrementIfPositive(ctx, creditKey(payer, routeKey))
}

// Issue grants one credit up to the cap and refreshes the window in either
// case, so an ongoing outage keeps the balance alive. Returns the balance
// after the operation.
func (s *CreditStore) Issue(ctx context.Context, payer, routeKey string, cap int64, ttl time.Duration) (int64, error) {
	return s.kv.IncrementCapped(ctx, creditKey(payer, routeKey), cap, ttl)
}

// Refund returns a consumed credit after a settlement failure by issuing it
// back under the same cap and window.
func (s *CreditStore) Refund(ctx context.Context, payer, routeKey string, cap int64, ttl time.Duration) (int64, error) {
	return s.kv.IncrementCapped(ctx, creditKey(payer, routeKey), cap, ttl)
}
