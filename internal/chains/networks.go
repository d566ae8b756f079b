package chains

import "math/big"

// Built-in network table. Stablecoin addresses and EIP-712 domain parameters
// follow the published USDC deployments; BSC USDC is 18 decimals and is
// settled through an external facilitator rather than locally. Facilitator
// endpoints are resolved from configuration at descriptor construction, not
// here.
var DefaultNetworks = []Descriptor{
	{
		ID:           "eip155:8453",
		VM:           VMEVM,
		ChainNumeric: big.NewInt(8453),
		RPCURLRef:    "RPC_URL_8453",
		Token: Token{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	{
		ID:           "eip155:84532",
		VM:           VMEVM,
		ChainNumeric: big.NewInt(84532),
		RPCURLRef:    "RPC_URL_84532",
		Token: Token{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	{
		ID:           "eip155:56",
		VM:           VMEVM,
		ChainNumeric: big.NewInt(56),
		RPCURLRef:    "RPC_URL_56",
		Token: Token{
			Address:  "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 18,
		},
		Facilitator: &Facilitator{
			APIKeyRef:       "BSC",
			NetworkName:     "bsc",
			ProtocolVersion: 1,
		},
	},
	{
		ID:        "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		VM:        VMSVM,
		RPCURLRef: "SOLANA_RPC_URL",
		Token: Token{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Name:     "USDC",
			Decimals: 6,
		},
	},
	{
		ID:        "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
		VM:        VMSVM,
		RPCURLRef: "SOLANA_RPC_URL",
		Token: Token{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Name:     "USDC",
			Decimals: 6,
		},
	},
}

// FacilitatorConfig carries the configured facilitator endpoints, keyed by
// the descriptor's APIKeyRef name.
type FacilitatorConfig struct {
	URLs       map[string]string
	Recipients map[string]string
}

// DefaultDescriptors resolves the built-in table against the facilitator
// configuration. Facilitator-routed networks missing their URL or receiving
// contract are dropped rather than half-wired.
func DefaultDescriptors(fac FacilitatorConfig) []Descriptor {
	out := make([]Descriptor, 0, len(DefaultNetworks))
	for _, d := range DefaultNetworks {
		if d.Facilitator != nil {
			resolved := *d.Facilitator
			resolved.URL = fac.URLs[resolved.APIKeyRef]
			resolved.Recipient = fac.Recipients[resolved.APIKeyRef]
			if resolved.URL == "" || resolved.Recipient == "" {
				continue
			}
			d.Facilitator = &resolved
		}
		out = append(out, d)
	}
	return out
}
