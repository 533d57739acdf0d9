package feed

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestSynchronizerStateJSONRoundTrip(t *testing.T) {
	cases := []SynchronizerState{
		Started(),
		Ready(),
		Advanced(3),
		Delayed(2),
		Stale(),
		Ended(EndProtocolError),
		Ended(EndUnspecified),
	}

	for _, s := range cases {
		data, err := json.Marshal(s)
		require.NoError(t, err)

		var out SynchronizerState
		require.NoError(t, json.Unmarshal(data, &out))
		require.Equal(t, s, out)
	}
}

func TestSynchronizerStateString(t *testing.T) {
	require.Equal(t, "ready", Ready().String())
	require.Equal(t, "advanced(3)", Advanced(3).String())
	require.Equal(t, "delayed(2)", Delayed(2).String())
	require.Equal(t, "ended(protocol_error)", Ended(EndProtocolError).String())
	require.Equal(t, "ended", Ended(EndUnspecified).String())
}

func TestFeedMessageStripStateKeepsAdmissionFields(t *testing.T) {
	msg := NewFeedMessage(100)
	compID := ComponentId("c1")

	sm := StateSyncMessage{
		Header: BlockHeader{Height: 100},
		State:  Ready(),
	}
	sm.Snapshots = NewSnapshot()
	sm.Snapshots.States[compID] = ComponentWithState{Component: Component{Id: compID}}

	sm.Deltas = NewDelta()
	sm.Deltas.StateUpdates[compID] = map[string]hexutil.Bytes{}
	sm.Deltas.NewProtocolComponents[compID] = Component{Id: compID}
	sm.Deltas.ComponentTVL[compID] = 123.4

	msg.StateMsgs["ext"] = sm

	msg.StripState()

	got := msg.StateMsgs["ext"]
	require.Empty(t, got.Snapshots.States)
	require.Empty(t, got.Deltas.StateUpdates)
	require.Equal(t, 123.4, got.Deltas.ComponentTVL[compID])
	require.Contains(t, got.Deltas.NewProtocolComponents, compID)
}

func TestAttrIntMissingKeyIsZero(t *testing.T) {
	attrs := map[string]hexutil.Bytes{}
	require.Equal(t, int64(0), AttrInt(attrs, "tvl").Int64())
}
