package tracker

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tycho-sync/block-feed/internal/indexerclient"
	"github.com/tycho-sync/block-feed/pkg/feed"
)

var (
	trackedComponents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_tracker_tracked_components",
		Help: "Number of components currently tracked, per extractor",
	}, []string{"extractor"})

	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_tracker_admissions_total",
		Help: "Total number of component admission events, per extractor",
	}, []string{"extractor"})

	removalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_tracker_removals_total",
		Help: "Total number of component removal events, per extractor",
	}, []string{"extractor"})
)

// Tracker maintains the tracked-component set and running TVL map for one
// extractor (spec.md §4.2). It owns no shared mutable state: each extractor
// gets its own Tracker, matching the "owned exclusively by that extractor's
// pipeline task" rule in spec.md §5.
type Tracker struct {
	extractor feed.ExtractorId
	policy    Policy
	client    indexerclient.Client
	logger    zerolog.Logger

	tracked map[feed.ComponentId]struct{}
	tvl     map[feed.ComponentId]float64
}

// New constructs a Tracker for one extractor.
func New(extractor feed.ExtractorId, policy Policy, client indexerclient.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		extractor: extractor,
		policy:    policy,
		client:    client,
		logger:    logger.With().Str("component", "tracker").Str("extractor", string(extractor)).Logger(),
		tracked:   make(map[feed.ComponentId]struct{}),
		tvl:       make(map[feed.ComponentId]float64),
	}
}

// TrackedCount returns the number of components currently tracked.
func (t *Tracker) TrackedCount() int {
	return len(t.tracked)
}

// InitialSnapshot discovers components via ListComponents, filters by the
// admission policy, fetches their snapshot in one batched call, and records
// them as tracked. Used once at startup (spec.md §4.3 step 3).
func (t *Tracker) InitialSnapshot(ctx context.Context) (feed.Snapshot, error) {
	var ids []feed.ComponentId

	switch t.policy.Mode {
	case ModeExplicit:
		for id := range t.policy.Explicit {
			ids = append(ids, feed.ComponentId(id))
		}
	default:
		filter := indexerclient.Filter{MinTVL: t.policy.Add}
		discovered, err := t.client.ListComponents(ctx, t.extractor, filter)
		if err != nil {
			return feed.Snapshot{}, fmt.Errorf("tracker: list_components: %w", err)
		}
		ids = discovered
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	snap, err := t.client.FetchSnapshot(ctx, t.extractor, ids)
	if err != nil {
		return feed.Snapshot{}, fmt.Errorf("tracker: fetch_snapshot: %w", err)
	}

	for _, id := range ids {
		t.tracked[id] = struct{}{}
	}

	trackedComponents.WithLabelValues(string(t.extractor)).Set(float64(len(t.tracked)))
	t.logger.Info().Int("components", len(t.tracked)).Msg("initial snapshot recorded")

	return snap, nil
}

// ReconcileResult is the outcome of projecting one block's delta onto the
// tracked set.
type ReconcileResult struct {
	ToEmitSnapshots []feed.ComponentId
	ToRemove        []feed.ComponentId
	Projected       feed.Delta

	// UpdatedTVL is the full TVL history after this block: every component
	// id ever seen via component_tvl, tracked or not, plus newly-created
	// components. Apply commits it verbatim so an untracked component's TVL
	// survives across blocks until it crosses add_threshold (spec.md §4.2
	// step 1).
	UpdatedTVL map[feed.ComponentId]float64
}

// Reconcile implements spec.md §4.2's five-step algorithm: update the TVL
// map, compute admissions and removals (admissions processed before
// removals within the block), list the newly-admitted components whose
// snapshots the caller fetches (ToEmitSnapshots), and project the delta
// onto tracked ∪ newly-admitted \ removed.
//
// Reconcile does not mutate tracker state; call Apply with the result to
// commit. This split lets the caller (the aligner) perform the snapshot RPC between Reconcile and Apply without holding the
// tracked set in an inconsistent state if the RPC fails.
func (t *Tracker) Reconcile(ctx context.Context, blockHeight uint64, delta feed.Delta) (ReconcileResult, error) {
	if err := t.checkTokenIntegrity(delta); err != nil {
		return ReconcileResult{}, err
	}

	tvl := make(map[feed.ComponentId]float64, len(t.tvl))
	for id, v := range t.tvl {
		tvl[id] = v
	}

	// Step 1: update the running TVL history for every component mentioned
	// this block, tracked or not. An untracked component's TVL must survive
	// across blocks (not just tracked-or-new ones) or it can never later
	// accumulate enough to cross add_threshold.
	for id, v := range delta.ComponentTVL {
		tvl[id] = v
	}

	// Step 2: admissions — already-known untracked components whose
	// updated TVL crosses add_threshold this block, plus newly-created
	// components (spec.md §4.2 step 2: "those crossing the admission side
	// of the policy this block, plus new_protocol_components").
	var admitted []feed.ComponentId
	admittedSet := make(map[feed.ComponentId]struct{})

	if t.policy.Mode != ModeExplicit {
		candidates := make(map[feed.ComponentId]struct{}, len(delta.ComponentTVL)+len(delta.NewProtocolComponents))
		for id := range delta.ComponentTVL {
			candidates[id] = struct{}{}
		}
		for id := range delta.NewProtocolComponents {
			candidates[id] = struct{}{}
		}
		for id := range candidates {
			if _, already := t.tracked[id]; already {
				continue
			}
			if t.policy.ShouldAdmit(tvl[id]) {
				admitted = append(admitted, id)
				admittedSet[id] = struct{}{}
			}
		}
	}

	// Step 3: removals. Currently-tracked components crossing the removal
	// side this block, plus anything explicitly deleted.
	var removed []feed.ComponentId
	removedSet := make(map[feed.ComponentId]struct{})

	for id := range t.tracked {
		if _, already := admittedSet[id]; already {
			continue
		}
		if _, deleted := delta.DeletedProtocolComponents[id]; deleted {
			removed = append(removed, id)
			removedSet[id] = struct{}{}
			continue
		}
		if v, ok := tvl[id]; ok && t.policy.ShouldRemove(v) {
			removed = append(removed, id)
			removedSet[id] = struct{}{}
		}
	}
	// A component admitted this very block can still be deleted in the
	// same block (tie-break: admit then remove, spec.md §4.2).
	for _, id := range admitted {
		if _, deleted := delta.DeletedProtocolComponents[id]; deleted {
			removed = append(removed, id)
			removedSet[id] = struct{}{}
		}
	}

	sort.Slice(admitted, func(i, j int) bool { return admitted[i] < admitted[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	// Step 4: snapshot fetch for newly-admitted components only.
	snapshotIDs := admitted

	// Step 5: project the delta onto tracked ∪ newly-admitted \ removed.
	live := make(map[feed.ComponentId]struct{}, len(t.tracked)+len(admitted))
	for id := range t.tracked {
		live[id] = struct{}{}
	}
	for id := range admittedSet {
		live[id] = struct{}{}
	}
	for id := range removedSet {
		delete(live, id)
	}

	projected := feed.NewDelta()
	for id, attrs := range delta.StateUpdates {
		if _, ok := live[id]; ok {
			projected.StateUpdates[id] = attrs
		}
	}
	for addr, storage := range delta.AccountUpdates {
		projected.AccountUpdates[addr] = storage
	}
	for id, comp := range delta.NewProtocolComponents {
		if _, ok := live[id]; ok {
			projected.NewProtocolComponents[id] = comp
		}
	}
	for id := range delta.DeletedProtocolComponents {
		projected.DeletedProtocolComponents[id] = struct{}{}
	}
	for addr, meta := range delta.NewTokens {
		projected.NewTokens[addr] = meta
	}
	for id, balances := range delta.ComponentBalances {
		if _, ok := live[id]; ok {
			projected.ComponentBalances[id] = balances
		}
	}
	for id, v := range delta.ComponentTVL {
		if _, ok := live[id]; ok {
			projected.ComponentTVL[id] = v
		}
	}

	if len(removed) > 0 {
		t.logger.Debug().Uint64("height", blockHeight).Int("count", len(removed)).Msg("components scheduled for removal")
	}

	return ReconcileResult{
		ToEmitSnapshots: snapshotIDs,
		ToRemove:        removed,
		Projected:       projected,
		UpdatedTVL:      tvl,
	}, nil
}

// checkTokenIntegrity enforces invariant I5: a token mentioned by any
// component created in this delta must appear in new_tokens the first time
// the client encounters it. Per SPEC_FULL.md §9 (resolving spec.md §8 S4),
// this implementation hard-fails rather than synthesizing "unknown"
// metadata.
func (t *Tracker) checkTokenIntegrity(delta feed.Delta) error {
	for id, comp := range delta.NewProtocolComponents {
		for _, tok := range comp.Tokens {
			if _, ok := delta.NewTokens[tok]; !ok {
				return fmt.Errorf("tracker: component %s references token %s with no new_tokens entry (I5 violation)", id, tok.Hex())
			}
		}
	}
	return nil
}

// Apply commits a ReconcileResult: admits newly-tracked components (with
// their fetched snapshots folded in by the caller beforehand), drops
// removed ones, and updates the running TVL map.
func (t *Tracker) Apply(ctx context.Context, result ReconcileResult, delta feed.Delta) {
	for id := range result.Projected.NewProtocolComponents {
		t.tracked[id] = struct{}{}
	}
	for _, id := range result.ToEmitSnapshots {
		t.tracked[id] = struct{}{}
	}
	for id, v := range result.UpdatedTVL {
		t.tvl[id] = v
	}
	for _, id := range result.ToRemove {
		delete(t.tracked, id)
		delete(t.tvl, id)
	}

	if len(result.ToEmitSnapshots) > 0 {
		admissionsTotal.WithLabelValues(string(t.extractor)).Add(float64(len(result.ToEmitSnapshots)))
	}
	if len(result.ToRemove) > 0 {
		removalsTotal.WithLabelValues(string(t.extractor)).Add(float64(len(result.ToRemove)))
	}
	trackedComponents.WithLabelValues(string(t.extractor)).Set(float64(len(t.tracked)))
}

// EvictAll returns every currently-tracked component id and clears the
// tracked set. Used when a synchronizer transitions to Stale (spec.md
// §4.1/§4.3): its components become removed_components in the next feed
// message.
func (t *Tracker) EvictAll() []feed.ComponentId {
	ids := make([]feed.ComponentId, 0, len(t.tracked))
	for id := range t.tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	t.tracked = make(map[feed.ComponentId]struct{})
	t.tvl = make(map[feed.ComponentId]float64)
	removalsTotal.WithLabelValues(string(t.extractor)).Add(float64(len(ids)))
	trackedComponents.WithLabelValues(string(t.extractor)).Set(0)
	return ids
}

// FetchSnapshotFor requests a fresh snapshot for exactly the given component
// ids. Used by the aligner to populate a StateSyncMessage's Snapshots field
// for components a Reconcile call just admitted (spec.md §4.2 step 4).
func (t *Tracker) FetchSnapshotFor(ctx context.Context, ids []feed.ComponentId) (feed.Snapshot, error) {
	snap, err := t.client.FetchSnapshot(ctx, t.extractor, ids)
	if err != nil {
		return feed.Snapshot{}, fmt.Errorf("tracker: fetch_snapshot: %w", err)
	}
	return snap, nil
}

// IsTracked reports whether a component id is currently tracked.
func (t *Tracker) IsTracked(id feed.ComponentId) bool {
	_, ok := t.tracked[id]
	return ok
}
