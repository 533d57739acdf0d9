package tracker

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tycho-sync/block-feed/internal/indexerclient"
	"github.com/tycho-sync/block-feed/pkg/feed"
)

type fakeClient struct {
	components []feed.ComponentId
	snapshot   feed.Snapshot
}

func (f *fakeClient) ListComponents(ctx context.Context, extractor feed.ExtractorId, filter indexerclient.Filter) ([]feed.ComponentId, error) {
	return f.components, nil
}

func (f *fakeClient) FetchSnapshot(ctx context.Context, extractor feed.ExtractorId, components []feed.ComponentId) (feed.Snapshot, error) {
	return f.snapshot, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, extractor feed.ExtractorId) (<-chan indexerclient.DeltaBatch, <-chan error, error) {
	panic("not used in tracker tests")
}

func newTestTracker(t *testing.T, policy Policy) *Tracker {
	t.Helper()
	return New("test_ext", policy, &fakeClient{snapshot: feed.NewSnapshot()}, zerolog.Nop())
}

func deltaWithTVL(id feed.ComponentId, tvl float64) feed.Delta {
	d := feed.NewDelta()
	d.ComponentTVL[id] = tvl
	return d
}

// TestRangedHysteresis mirrors spec.md §8 S3: remove=95, add=100, TVL
// sequence 90,100,97,94,96,100 over a component that starts untracked.
// new_protocol_components on block 1 seeds the component into the TVL map.
func TestRangedHysteresis(t *testing.T) {
	add, remove := 100.0, 95.0
	policy, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)

	tr := newTestTracker(t, policy)
	ctx := context.Background()
	compID := feed.ComponentId("c1")

	tvls := []float64{90, 100, 97, 94, 96, 100}
	admitEvents, removeEvents := 0, 0
	trackedAfterBlock := make([]bool, len(tvls))

	for i, v := range tvls {
		d := feed.NewDelta()
		if i == 0 {
			d.NewProtocolComponents[compID] = feed.Component{Id: compID}
		}
		d.ComponentTVL[compID] = v

		result, err := tr.Reconcile(ctx, uint64(i+1), d)
		require.NoError(t, err)
		admitEvents += len(result.ToEmitSnapshots)
		removeEvents += len(result.ToRemove)
		tr.Apply(ctx, result, d)
		trackedAfterBlock[i] = tr.IsTracked(compID)
	}

	require.Equal(t, 2, admitEvents, "admitted at block 2 (TVL==100) and re-admitted at block 6")
	require.Equal(t, 1, removeEvents, "removed once, at block 4 (TVL==94 < remove)")
	require.Equal(t, []bool{false, true, true, false, false, true}, trackedAfterBlock)
}

// TestRangedHysteresisRemovalSide exercises the removal side once a
// component has been tracked: TVL 97 stays within [remove, add) and keeps
// it tracked, then TVL 94 < remove(95) evicts it.
func TestRangedHysteresisRemovalSide(t *testing.T) {
	add, remove := 100.0, 95.0
	policy, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)

	tr := newTestTracker(t, policy)
	ctx := context.Background()
	compID := feed.ComponentId("c1")

	seed := feed.NewDelta()
	seed.NewProtocolComponents[compID] = feed.Component{Id: compID}
	seed.ComponentTVL[compID] = 100
	result, err := tr.Reconcile(ctx, 1, seed)
	require.NoError(t, err)
	tr.Apply(ctx, result, seed)
	require.True(t, tr.IsTracked(compID))

	result, err = tr.Reconcile(ctx, 2, deltaWithTVL(compID, 97))
	require.NoError(t, err)
	tr.Apply(ctx, result, feed.Delta{})
	require.True(t, tr.IsTracked(compID), "97 stays within [remove, add)")
	require.Empty(t, result.ToRemove)

	result, err = tr.Reconcile(ctx, 3, deltaWithTVL(compID, 94))
	require.NoError(t, err)
	tr.Apply(ctx, result, feed.Delta{})
	require.False(t, tr.IsTracked(compID), "94 < remove evicts")
	require.Equal(t, []feed.ComponentId{compID}, result.ToRemove)
}

func TestAdmitThenRemoveSameBlockTieBreak(t *testing.T) {
	add, remove := 100.0, 50.0
	policy, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)

	tr := newTestTracker(t, policy)
	ctx := context.Background()
	compID := feed.ComponentId("c1")

	d := feed.NewDelta()
	d.NewProtocolComponents[compID] = feed.Component{Id: compID}
	d.ComponentTVL[compID] = 500
	d.DeletedProtocolComponents[compID] = struct{}{}

	result, err := tr.Reconcile(ctx, 1, d)
	require.NoError(t, err)
	require.Equal(t, []feed.ComponentId{compID}, result.ToEmitSnapshots, "admitted once")
	require.Equal(t, []feed.ComponentId{compID}, result.ToRemove, "removed once")

	tr.Apply(ctx, result, d)
	require.False(t, tr.IsTracked(compID))
}

func TestExplicitModeIgnoresTVL(t *testing.T) {
	policy, err := Resolve(PolicyConfig{ExplicitComponents: []string{"c1"}})
	require.NoError(t, err)
	require.Equal(t, ModeExplicit, policy.Mode)

	tr := newTestTracker(t, policy)
	ctx := context.Background()

	snap, err := tr.InitialSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.States)
	require.True(t, tr.IsTracked("c1"))

	d := feed.NewDelta()
	d.ComponentTVL["c1"] = 0
	d.ComponentTVL["c2"] = 1_000_000

	result, err := tr.Reconcile(ctx, 1, d)
	require.NoError(t, err)
	require.Empty(t, result.ToEmitSnapshots)
	require.Empty(t, result.ToRemove)
}

func TestNewProtocolComponentMissingTokenMetadataHardFails(t *testing.T) {
	add, remove := 100.0, 100.0
	policy, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)

	tr := newTestTracker(t, policy)
	ctx := context.Background()

	d := feed.NewDelta()
	tokenWithMeta := common.HexToAddress("0x1")
	tokenMissing := common.HexToAddress("0x2")
	d.NewProtocolComponents["c9"] = feed.Component{Id: "c9", Tokens: []common.Address{tokenWithMeta, tokenMissing}}
	d.NewTokens[tokenWithMeta] = feed.TokenMetadata{Symbol: "T1"}
	d.ComponentTVL["c9"] = 500

	_, err = tr.Reconcile(ctx, 50, d)
	require.Error(t, err, "I5 violation must hard-fail per SPEC_FULL.md S4 resolution")
}

func TestMissingTVLDefaultsToZero(t *testing.T) {
	add, remove := 10.0, 10.0
	policy, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)

	tr := newTestTracker(t, policy)
	ctx := context.Background()

	d := feed.NewDelta()
	d.NewProtocolComponents["c1"] = feed.Component{Id: "c1"}
	// no component_tvl entry for c1

	result, err := tr.Reconcile(ctx, 1, d)
	require.NoError(t, err)
	require.Empty(t, result.ToEmitSnapshots, "TVL defaults to 0, below add threshold")
}

func TestResolvePrecedenceRangedBeatsMinTVL(t *testing.T) {
	minTVL := 42.0
	add, remove := 100.0, 80.0
	policy, err := Resolve(PolicyConfig{MinTVL: &minTVL, AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)
	require.Equal(t, 100.0, policy.Add)
	require.Equal(t, 80.0, policy.Remove)
}

func TestResolveMinTVLAloneIsRangedWithEqualThresholds(t *testing.T) {
	minTVL := 42.0
	policy, err := Resolve(PolicyConfig{MinTVL: &minTVL})
	require.NoError(t, err)
	require.Equal(t, 42.0, policy.Add)
	require.Equal(t, 42.0, policy.Remove)
}

func TestResolveRejectsInvertedThresholds(t *testing.T) {
	add, remove := 10.0, 20.0
	_, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.Error(t, err)
}

func TestResolveRejectsOnesidedRangedConfig(t *testing.T) {
	add := 10.0
	_, err := Resolve(PolicyConfig{AddThreshold: &add})
	require.Error(t, err)
}

func TestBoundaryExactlyAtThresholds(t *testing.T) {
	add, remove := 100.0, 95.0
	policy, err := Resolve(PolicyConfig{AddThreshold: &add, RemoveThreshold: &remove})
	require.NoError(t, err)

	require.True(t, policy.ShouldAdmit(100), "exactly at add_threshold admits")
	require.False(t, policy.ShouldRemove(95), "exactly at remove_threshold remains tracked")
	require.True(t, policy.ShouldRemove(94.999))
}
