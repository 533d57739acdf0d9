package feed

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StateKind is the tag of a SynchronizerState variant.
type StateKind string

const (
	StateStarted  StateKind = "started"
	StateReady    StateKind = "ready"
	StateAdvanced StateKind = "advanced"
	StateDelayed  StateKind = "delayed"
	StateStale    StateKind = "stale"
	StateEnded    StateKind = "ended"
)

// EndReason classifies why a synchronizer reached StateEnded.
type EndReason string

const (
	EndUnspecified    EndReason = ""
	EndOfStream       EndReason = "end_of_stream"
	EndTransportFailed EndReason = "transport_failed"
	EndProtocolError  EndReason = "protocol_error"
	EndBufferOverflow EndReason = "buffer_overflow"
	EndCancelled      EndReason = "cancelled"
	EndStale          EndReason = "stale"
)

// SynchronizerState is a tagged variant, encoded as {kind, param} per
// spec.md §9 ("implementations that lack sum types should encode it as
// { kind: string, param: u64? }").
type SynchronizerState struct {
	Kind   StateKind
	Param  uint64    // meaningful for Advanced(k)/Delayed(k)
	Reason EndReason // meaningful for Ended
}

func Started() SynchronizerState { return SynchronizerState{Kind: StateStarted} }
func Ready() SynchronizerState   { return SynchronizerState{Kind: StateReady} }
func Advanced(k uint64) SynchronizerState {
	return SynchronizerState{Kind: StateAdvanced, Param: k}
}
func Delayed(k uint64) SynchronizerState {
	return SynchronizerState{Kind: StateDelayed, Param: k}
}
func Stale() SynchronizerState { return SynchronizerState{Kind: StateStale} }
func Ended(reason EndReason) SynchronizerState {
	return SynchronizerState{Kind: StateEnded, Reason: reason}
}

// IsTerminal reports whether no further progress is expected from this
// state without external intervention (Stale is excluded: per spec.md
// §4.1 a Stale synchronizer is dropped from tracking by the aligner, but
// the state itself is not "Ended").
func (s SynchronizerState) IsTerminal() bool {
	return s.Kind == StateEnded
}

func (s SynchronizerState) String() string {
	switch s.Kind {
	case StateAdvanced:
		return fmt.Sprintf("advanced(%d)", s.Param)
	case StateDelayed:
		return fmt.Sprintf("delayed(%d)", s.Param)
	case StateEnded:
		if s.Reason != EndUnspecified {
			return fmt.Sprintf("ended(%s)", s.Reason)
		}
		return "ended"
	default:
		return string(s.Kind)
	}
}

type synchronizerStateWire struct {
	Kind   StateKind  `json:"kind"`
	Param  *uint64    `json:"param,omitempty"`
	Reason *EndReason `json:"reason,omitempty"`
}

func (s SynchronizerState) MarshalJSON() ([]byte, error) {
	w := synchronizerStateWire{Kind: s.Kind}
	if s.Kind == StateAdvanced || s.Kind == StateDelayed {
		p := s.Param
		w.Param = &p
	}
	if s.Kind == StateEnded && s.Reason != EndUnspecified {
		r := s.Reason
		w.Reason = &r
	}
	return json.Marshal(w)
}

func (s *SynchronizerState) UnmarshalJSON(data []byte) error {
	var w synchronizerStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Kind = w.Kind
	if w.Param != nil {
		s.Param = *w.Param
	}
	if w.Reason != nil {
		s.Reason = *w.Reason
	}
	return nil
}

// StateSyncMessage is one extractor's contribution to a single tick.
type StateSyncMessage struct {
	Header           BlockHeader                  `json:"header"`
	Snapshots        Snapshot                     `json:"snapshots"`
	Deltas           Delta                        `json:"deltas"`
	RemovedComponents []ComponentId                `json:"removed_components"`
	State            SynchronizerState            `json:"state"`
	HeaderMismatch   bool                         `json:"header_mismatch,omitempty"`
}

// FeedMessage is the single user-facing aggregate emitted once per tick.
type FeedMessage struct {
	Height    uint64                                `json:"height"`
	SyncStates map[ExtractorId]SynchronizerState     `json:"sync_states"`
	StateMsgs  map[ExtractorId]StateSyncMessage      `json:"state_msgs"`
}

// NewFeedMessage returns an empty FeedMessage for the given tick height.
func NewFeedMessage(height uint64) FeedMessage {
	return FeedMessage{
		Height:     height,
		SyncStates: make(map[ExtractorId]SynchronizerState),
		StateMsgs:  make(map[ExtractorId]StateSyncMessage),
	}
}

// StripState removes snapshot/delta-heavy fields in place, implementing
// --no-state ("light mode"): new/removed components, tokens, balances and
// TVL survive (they live inside Deltas, minus the fields explicitly
// suppressed below); only the bulk state fields are cleared.
func (m *FeedMessage) StripState() {
	for id, msg := range m.StateMsgs {
		msg.Snapshots = NewSnapshot()
		msg.Deltas.StateUpdates = map[ComponentId]map[string]hexutil.Bytes{}
		msg.Deltas.AccountUpdates = map[common.Address]map[common.Hash]common.Hash{}
		m.StateMsgs[id] = msg
	}
}
