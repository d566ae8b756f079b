// Package config loads the gateway's immutable configuration from the
// environment: settlement keys, RPC endpoints, the redis URL, the route
// table, and the credit-system master flag. Load is called once at startup;
// the resulting value is passed through the component graph.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CreditPolicy controls the refund-free compensation subsystem for one route.
type CreditPolicy struct {
	CreditOnStatusCodes []int `json:"creditOnStatusCodes"`
	MaxCreditsPerPayer  int64 `json:"maxCreditsPerPayer"`
	CreditTTLSeconds    int   `json:"creditTtlSeconds"`
}

// DefaultCreditPolicy returns the policy applied when a route omits one.
func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		CreditOnStatusCodes: []int{500, 502, 503, 504},
		MaxCreditsPerPayer:  10,
		CreditTTLSeconds:    86400,
	}
}

// ShouldCredit reports whether a downstream status code earns a credit.
func (p CreditPolicy) ShouldCredit(status int) bool {
	for _, s := range p.CreditOnStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// Route is one protected backend route. Immutable after load.
type Route struct {
	RouteKey         string       `json:"routeKey"`
	BackendBaseURL   string       `json:"backendBaseUrl"`
	BackendKeyRef    string       `json:"backendKeyRef"`
	BackendKeyHeader string       `json:"backendKeyHeader"`
	PriceAtomic      int64        `json:"priceAtomic"`
	DisplayPrice     string       `json:"displayPrice"`
	PayToEVM         string       `json:"payToEvm"`
	PayToSVM         string       `json:"payToSvm,omitempty"`
	Description      string       `json:"description"`
	MimeType         string       `json:"mimeType"`
	CreditPolicy     CreditPolicy `json:"creditPolicy"`
}

// Config is the process-wide configuration value.
type Config struct {
	Port             int
	GatewayPublicURL string

	SettlementPrivateKey string
	RPCURLs              map[string]string // config key (e.g. "RPC_URL_8453") -> endpoint
	SolanaRPCURL         string
	SVMFeePayerKey       string

	RedisURL string

	FacilitatorAPIKeys    map[string]string // facilitator name -> bearer token
	FacilitatorURLs       map[string]string // facilitator name -> base URL
	FacilitatorRecipients map[string]string // facilitator name -> receiving contract

	Routes map[string]Route

	EnableCreditSystem bool
	BalanceCheckStrict bool

	BackendKeys map[string]string // backendKeyRef -> secret
}

// Load reads the environment into a Config. Route definitions come from
// ROUTES_JSON (inline) or ROUTES_FILE (path to the same JSON).
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 envInt("PORT", 8080),
		GatewayPublicURL:     os.Getenv("GATEWAY_PUBLIC_URL"),
		SettlementPrivateKey: os.Getenv("SETTLEMENT_PRIVATE_KEY"),
		SolanaRPCURL:         os.Getenv("SOLANA_RPC_URL"),
		SVMFeePayerKey:       os.Getenv("SVM_FEE_PAYER_KEY"),
		RedisURL:             os.Getenv("REDIS_URL"),
		EnableCreditSystem:   envBool("ENABLE_CREDIT_SYSTEM"),
		BalanceCheckStrict:   envBool("BALANCE_CHECK_STRICT"),
		RPCURLs:               make(map[string]string),
		FacilitatorAPIKeys:    make(map[string]string),
		FacilitatorURLs:       make(map[string]string),
		FacilitatorRecipients: make(map[string]string),
		BackendKeys:           make(map[string]string),
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(key, "RPC_URL_"):
			cfg.RPCURLs[key] = value
		case strings.HasPrefix(key, "FACILITATOR_API_KEY_"):
			cfg.FacilitatorAPIKeys[strings.TrimPrefix(key, "FACILITATOR_API_KEY_")] = value
		case strings.HasPrefix(key, "FACILITATOR_URL_"):
			cfg.FacilitatorURLs[strings.TrimPrefix(key, "FACILITATOR_URL_")] = value
		case strings.HasPrefix(key, "FACILITATOR_RECIPIENT_"):
			cfg.FacilitatorRecipients[strings.TrimPrefix(key, "FACILITATOR_RECIPIENT_")] = value
		case strings.HasPrefix(key, "BACKEND_KEY_"):
			cfg.BackendKeys[key] = value
		}
	}
	if cfg.SolanaRPCURL != "" {
		cfg.RPCURLs["SOLANA_RPC_URL"] = cfg.SolanaRPCURL
	}

	routesJSON := os.Getenv("ROUTES_JSON")
	if routesJSON == "" {
		if path := os.Getenv("ROUTES_FILE"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading routes file: %w", err)
			}
			routesJSON = string(data)
		}
	}
	if routesJSON != "" {
		routes, err := ParseRoutes([]byte(routesJSON))
		if err != nil {
			return nil, err
		}
		cfg.Routes = routes
	} else {
		cfg.Routes = make(map[string]Route)
	}

	return cfg, nil
}

// ParseRoutes decodes and validates the route table. Every route must carry
// a positive price and at least one receiving address.
func ParseRoutes(data []byte) (map[string]Route, error) {
	var list []Route
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}
	routes := make(map[string]Route, len(list))
	for _, r := range list {
		if r.RouteKey == "" {
			return nil, fmt.Errorf("route with empty routeKey")
		}
		if r.PriceAtomic <= 0 {
			return nil, fmt.Errorf("route %s: priceAtomic must be positive", r.RouteKey)
		}
		if r.PayToEVM == "" && r.PayToSVM == "" {
			return nil, fmt.Errorf("route %s: no receiving address", r.RouteKey)
		}
		// Each policy field defaults independently; a route may pin one and
		// inherit the rest.
		def := DefaultCreditPolicy()
		if len(r.CreditPolicy.CreditOnStatusCodes) == 0 {
			r.CreditPolicy.CreditOnStatusCodes = def.CreditOnStatusCodes
		}
		if r.CreditPolicy.MaxCreditsPerPayer == 0 {
			r.CreditPolicy.MaxCreditsPerPayer = def.MaxCreditsPerPayer
		}
		if r.CreditPolicy.CreditTTLSeconds == 0 {
			r.CreditPolicy.CreditTTLSeconds = def.CreditTTLSeconds
		}
		if _, dup := routes[r.RouteKey]; dup {
			return nil, fmt.Errorf("route %s: duplicate routeKey", r.RouteKey)
		}
		routes[r.RouteKey] = r
	}
	return routes, nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1" || v == "yes"
}
