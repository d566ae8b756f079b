// Package chains holds the static table of supported networks and the
// amount-scaling rules between the gateway's 6-decimal price quotes and each
// token's on-chain decimal width.
package chains

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
)

// VM is the virtual-machine family of a network.
type VM string

const (
	VMEVM VM = "evm"
	VMSVM VM = "svm"
)

// PriceDecimals is the decimal width prices are quoted in (USDC atomic units).
const PriceDecimals = 6

// Token describes the stablecoin accepted on a network.
type Token struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// Facilitator describes an external settlement service for networks the
// gateway cannot settle locally.
type Facilitator struct {
	URL             string
	APIKeyRef       string
	NetworkName     string // network identifier the facilitator expects
	Recipient       string // facilitator-side receiving contract
	ProtocolVersion int
}

// Descriptor is one immutable network table entry.
type Descriptor struct {
	ID           protocol.Network
	VM           VM
	ChainNumeric *big.Int // EVM only
	RPCURLRef    string   // config key carrying the RPC endpoint
	Token        Token
	Facilitator  *Facilitator
}

// IsSVM reports whether the descriptor is a Solana-family network.
func (d *Descriptor) IsSVM() bool { return d.VM == VMSVM }

// UsesExternalFacilitator reports whether verification and settlement are
// delegated to an external facilitator. SVM networks never use this path;
// they are served by the gateway's own fee-payer co-signing.
func (d *Descriptor) UsesExternalFacilitator() bool {
	return d.VM == VMEVM && d.Facilitator != nil
}

// Registry is the immutable, id-indexed network table. The active view is a
// filter over it: a network is active only if its RPC endpoint (and, for SVM,
// the fee-payer key) is configured.
type Registry struct {
	networks map[protocol.Network]*Descriptor
	active   map[protocol.Network]*Descriptor
}

// ActivationInputs carries the configuration presence checks used to build
// the active view.
type ActivationInputs struct {
	RPCURLs        map[string]string // config key -> endpoint
	SVMFeePayerSet bool
}

// NewRegistry builds the registry and its active view. Token decimal widths
// below the 6-decimal quote width cannot be scaled and are rejected here,
// at load time, rather than per request.
func NewRegistry(descriptors []Descriptor, inputs ActivationInputs) (*Registry, error) {
	r := &Registry{
		networks: make(map[protocol.Network]*Descriptor, len(descriptors)),
		active:   make(map[protocol.Network]*Descriptor),
	}
	for i := range descriptors {
		d := descriptors[i]
		if d.Token.Decimals < PriceDecimals {
			return nil, fmt.Errorf("network %s: token decimals %d below quote width %d", d.ID, d.Token.Decimals, PriceDecimals)
		}
		if d.VM == VMEVM && d.ChainNumeric == nil {
			return nil, fmt.Errorf("network %s: missing numeric chain id", d.ID)
		}
		if _, dup := r.networks[d.ID]; dup {
			return nil, fmt.Errorf("network %s: duplicate descriptor", d.ID)
		}
		r.networks[d.ID] = &d

		rpcOK := inputs.RPCURLs[d.RPCURLRef] != ""
		if !rpcOK {
			continue
		}
		if d.IsSVM() && !inputs.SVMFeePayerSet {
			continue
		}
		r.active[d.ID] = &d
	}
	return r, nil
}

// Lookup returns the descriptor for a chain id, or false when unknown.
func (r *Registry) Lookup(id protocol.Network) (*Descriptor, bool) {
	d, ok := r.networks[id]
	return d, ok
}

// Active returns the active descriptors in a stable order (sorted by id).
func (r *Registry) Active() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.active))
	for _, d := range r.active {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsActive reports whether the network is in the active view.
func (r *Registry) IsActive(id protocol.Network) bool {
	_, ok := r.active[id]
	return ok
}
