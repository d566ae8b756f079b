package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/evm"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/svm"
)

// Selector picks the provider variant for a network descriptor and caches
// the expensive chain handles behind it. EVM read clients are memoized per
// network; the SVM facilitator is a lazy single-flight singleton.
type Selector struct {
	cfg    *config.Config
	nonces NonceReader
	logger *slog.Logger

	mu         sync.RWMutex
	evmClients map[protocol.Network]*evm.ChainClient

	svmMu       sync.Mutex
	svmFac      *svm.Facilitator
	svmInFlight chan struct{}
}

// NewSelector builds the provider selector.
func NewSelector(cfg *config.Config, nonces NonceReader, logger *slog.Logger) *Selector {
	return &Selector{
		cfg:        cfg,
		nonces:     nonces,
		logger:     logger,
		evmClients: make(map[protocol.Network]*evm.ChainClient),
	}
}

// For returns the provider serving the descriptor's network. SVM networks
// always use the co-signing path; EVM networks with a facilitator descriptor
// are delegated; the rest settle locally.
func (s *Selector) For(ctx context.Context, d *chains.Descriptor) (PaymentProvider, error) {
	switch {
	case d.IsSVM():
		fac, err := s.svmFacilitator()
		if err != nil {
			return nil, err
		}
		return NewSVM(fac, d, s.logger), nil

	case d.UsesExternalFacilitator():
		apiKey := s.cfg.FacilitatorAPIKeys[d.Facilitator.APIKeyRef]
		return NewFacilitatorEVM(d, apiKey, s.logger), nil

	default:
		client, err := s.evmClient(ctx, d)
		if err != nil {
			return nil, err
		}
		return NewLocalEVM(client, d, s.nonces, s.cfg.BalanceCheckStrict, s.logger), nil
	}
}

// evmClient memoizes chain clients per network. Read-compare-write: a
// duplicate built on a race is discarded, instances are interchangeable.
func (s *Selector) evmClient(ctx context.Context, d *chains.Descriptor) (*evm.ChainClient, error) {
	s.mu.RLock()
	client, ok := s.evmClients[d.ID]
	s.mu.RUnlock()
	if ok {
		return client, nil
	}

	rpcURL := s.cfg.RPCURLs[d.RPCURLRef]
	if rpcURL == "" {
		return nil, fmt.Errorf("no RPC endpoint configured for %s", d.ID)
	}
	built, err := evm.NewChainClient(ctx, rpcURL, s.cfg.SettlementPrivateKey, d.ChainNumeric)
	if err != nil {
		return nil, fmt.Errorf("building chain client for %s: %w", d.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.evmClients[d.ID]; ok {
		built.Close()
		return existing, nil
	}
	s.evmClients[d.ID] = built
	return built, nil
}

// svmFacilitator lazily builds the fee-payer facilitator. The first caller
// constructs it while concurrent callers wait on the in-flight channel; a
// failed construction clears the slot so the next call retries.
func (s *Selector) svmFacilitator() (*svm.Facilitator, error) {
	for {
		s.svmMu.Lock()
		if s.svmFac != nil {
			fac := s.svmFac
			s.svmMu.Unlock()
			return fac, nil
		}
		if s.svmInFlight != nil {
			wait := s.svmInFlight
			s.svmMu.Unlock()
			<-wait
			continue
		}
		inFlight := make(chan struct{})
		s.svmInFlight = inFlight
		s.svmMu.Unlock()

		fac, err := svm.NewFacilitator(s.cfg.SolanaRPCURL, s.cfg.SVMFeePayerKey, s.logger)

		s.svmMu.Lock()
		if err == nil {
			s.svmFac = fac
		}
		s.svmInFlight = nil
		s.svmMu.Unlock()
		close(inFlight)

		if err != nil {
			return nil, fmt.Errorf("building svm facilitator: %w", err)
		}
		return fac, nil
	}
}
