// Package feed defines the wire-level data model shared by every extractor:
// headers, components, snapshots, deltas, and the per-tick FeedMessage this
// program emits to its MessageSink.
package feed

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ExtractorId names an upstream source, e.g. "uniswap_v3". Unique within a
// session.
type ExtractorId string

// ComponentId identifies a tracked unit (pool, pair, vault) within one
// extractor's namespace. (ExtractorId, ComponentId) is globally unique.
type ComponentId string

// ChainTag names the chain a session is scoped to.
type ChainTag string

// BlockHeader is the per-block anchor every message is tagged with.
type BlockHeader struct {
	Height     uint64      `json:"height"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parent_hash"`
	Timestamp  uint64      `json:"timestamp"`
	Chain      ChainTag    `json:"chain"`
}

// TokenMetadata describes a token encountered in a delta for the first time.
type TokenMetadata struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Component is the static part of a trackable unit.
type Component struct {
	Id             ComponentId               `json:"id"`
	Tokens         []common.Address          `json:"tokens"`
	StaticAttrs    map[string]hexutil.Bytes   `json:"static_attrs"`
	ProtocolSystem ExtractorId                `json:"protocol_system"`
}

// ComponentState is the dynamic part of a tracked unit. Attribute values
// are big-endian integer encodings unless the protocol specifies otherwise.
type ComponentState struct {
	Attributes map[string]hexutil.Bytes `json:"attributes"`
}

// ContractData is a VM account snapshot, present only for VM-simulated
// protocols.
type ContractData struct {
	Address       common.Address              `json:"address"`
	Code          hexutil.Bytes               `json:"code"`
	Storage       map[common.Hash]common.Hash `json:"storage"`
	NativeBalance hexutil.Bytes               `json:"native_balance"`
	Nonce         uint64                      `json:"nonce"`
}

// ComponentWithState bundles a component's static, dynamic and (optional)
// VM-account state.
type ComponentWithState struct {
	Component Component      `json:"component"`
	State     ComponentState `json:"state"`
	Account   *ContractData  `json:"account,omitempty"`
}

// Snapshot is the full current state of a set of components at a block.
type Snapshot struct {
	States     map[ComponentId]ComponentWithState `json:"states"`
	VMAccounts map[common.Address]ContractData    `json:"vm_accounts"`
}

// NewSnapshot returns an empty, initialized Snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{
		States:     make(map[ComponentId]ComponentWithState),
		VMAccounts: make(map[common.Address]ContractData),
	}
}

// Delta is one extractor's per-block, absolute-valued change set.
//
// component_balances is modeled as ComponentId -> TokenAddress -> balance
// rather than a (ComponentId, TokenAddress) tuple key: Go's encoding/json
// cannot serialize a map keyed by a struct, and nesting is the natural
// representation of the same pairing.
type Delta struct {
	StateUpdates              map[ComponentId]map[string]hexutil.Bytes       `json:"state_updates"`
	AccountUpdates            map[common.Address]map[common.Hash]common.Hash `json:"account_updates"`
	NewProtocolComponents     map[ComponentId]Component                      `json:"new_protocol_components"`
	DeletedProtocolComponents map[ComponentId]struct{}                       `json:"deleted_protocol_components"`
	NewTokens                 map[common.Address]TokenMetadata               `json:"new_tokens"`
	ComponentBalances         map[ComponentId]map[common.Address]hexutil.Bytes `json:"component_balances"`
	ComponentTVL              map[ComponentId]float64                        `json:"component_tvl"`
}

// NewDelta returns an empty, initialized Delta.
func NewDelta() Delta {
	return Delta{
		StateUpdates:              make(map[ComponentId]map[string]hexutil.Bytes),
		AccountUpdates:            make(map[common.Address]map[common.Hash]common.Hash),
		NewProtocolComponents:     make(map[ComponentId]Component),
		DeletedProtocolComponents: make(map[ComponentId]struct{}),
		NewTokens:                 make(map[common.Address]TokenMetadata),
		ComponentBalances:         make(map[ComponentId]map[common.Address]hexutil.Bytes),
		ComponentTVL:              make(map[ComponentId]float64),
	}
}

// AttrInt decodes a big-endian integer attribute value. Missing keys decode
// as zero, matching the spec's "absence of a TVL entry means TVL is 0"
// convention applied generally to attribute lookups.
func AttrInt(attrs map[string]hexutil.Bytes, key string) *big.Int {
	v, ok := attrs[key]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(v)
}

// EncodeBigEndian encodes v as a big-endian attribute value.
func EncodeBigEndian(v *big.Int) hexutil.Bytes {
	if v == nil {
		return nil
	}
	return hexutil.Bytes(v.Bytes())
}
