package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	solana "github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/challenge"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/gateway"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/pipeline"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/provider"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/store"
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("no routes configured; set ROUTES_JSON or ROUTES_FILE")
	}

	descriptors := chains.DefaultDescriptors(chains.FacilitatorConfig{
		URLs:       cfg.FacilitatorURLs,
		Recipients: cfg.FacilitatorRecipients,
	})
	registry, err := chains.NewRegistry(descriptors, chains.ActivationInputs{
		RPCURLs:        cfg.RPCURLs,
		SVMFeePayerSet: cfg.SVMFeePayerKey != "",
	})
	if err != nil {
		return fmt.Errorf("building network registry: %w", err)
	}
	for _, d := range registry.Active() {
		logger.Info("network active", "network", d.ID, "vm", d.VM, "token", d.Token.Address)
	}

	var kv store.KV
	if cfg.RedisURL != "" {
		redisKV, err := store.NewRedisKV(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		defer redisKV.Close()
		kv = redisKV
		logger.Info("redis connected")
	} else {
		// Single-node development fallback; replay protection does not
		// survive restarts without redis.
		kv = store.NewMemoryKV()
		logger.Warn("REDIS_URL not set, using in-memory store")
	}

	nonces := store.NewNonceStore(kv, logger)
	idempotency := store.NewIdempotencyStore(kv, logger)
	credits := store.NewCreditStore(kv)

	feePayer := ""
	if cfg.SVMFeePayerKey != "" {
		key, err := solana.PrivateKeyFromBase58(cfg.SVMFeePayerKey)
		if err != nil {
			return fmt.Errorf("invalid SVM_FEE_PAYER_KEY: %w", err)
		}
		feePayer = key.PublicKey().String()
		logger.Info("svm fee payer", "address", feePayer)
	}

	builder := challenge.NewBuilder(registry, cfg.GatewayPublicURL, feePayer)
	selector := provider.NewSelector(cfg, nonces, logger)
	pipe := pipeline.New(registry, builder, selector, nonces, idempotency, credits, cfg.EnableCreditSystem, logger)

	engine, err := gateway.NewServer(cfg, pipe, logger)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("gateway listening", "addr", addr, "routes", len(cfg.Routes), "creditSystem", cfg.EnableCreditSystem)
	return engine.Run(addr)
}
