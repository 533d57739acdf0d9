// Package aligner implements the BlockAligner/Feed coordinator: the
// top-level loop that picks the next expected block height, waits for every
// synchronizer to deliver it, classifies laggards, and assembles one
// FeedMessage per tick (spec.md §4.3).
package aligner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tycho-sync/block-feed/internal/indexerclient"
	"github.com/tycho-sync/block-feed/internal/synchronizer"
	"github.com/tycho-sync/block-feed/internal/tracker"
	"github.com/tycho-sync/block-feed/pkg/feed"
)

// ExitReason distinguishes the aligner's termination causes so cmd/tycho-feed
// can map them to spec.md §6's exit codes.
type ExitReason int

const (
	ExitNormal ExitReason = iota
	ExitAllEnded
	ExitSinkFailure
	ExitCancelled
)

// Source bundles one extractor's synchronizer and tracker: the aligner drives
// both in lockstep.
type Source struct {
	Extractor feed.ExtractorId
	Sync      *synchronizer.Synchronizer
	Tracker   *tracker.Tracker
}

// Sink is the external MessageSink boundary (spec.md §2).
type Sink interface {
	Write(msg feed.FeedMessage) error
}

// Config carries the tunables spec.md §4.3 and §6 name.
type Config struct {
	BlockTime time.Duration // per-tick barrier timeout, default 12s
	Quota     int           // -n N: stop after N messages; 0 means unbounded
	NoState   bool          // --no-state light mode
}

// Aligner is the singleton top-level coordinator.
type Aligner struct {
	sources []*Source
	sink    Sink
	cfg     Config
	logger  zerolog.Logger
}

// New constructs an Aligner over a fixed set of sources.
func New(sources []*Source, sink Sink, cfg Config, logger zerolog.Logger) *Aligner {
	return &Aligner{
		sources: sources,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("component", "aligner").Logger(),
	}
}

// Run executes startup and the per-tick loop until all sources end, the
// quota is reached, the sink fails, or ctx is cancelled.
func (a *Aligner) Run(ctx context.Context) (ExitReason, error) {
	h0, err := a.startup(ctx)
	if err != nil {
		return ExitCancelled, err
	}

	h := h0
	emitted := 0

	for {
		select {
		case <-ctx.Done():
			a.emitFinal(feed.EndCancelled)
			return ExitCancelled, nil
		default:
		}

		if a.allEnded() {
			return ExitAllEnded, nil
		}

		msg := a.tick(ctx, h)

		if a.cfg.NoState {
			msg.StripState()
		}

		if err := a.sink.Write(msg); err != nil {
			return ExitSinkFailure, fmt.Errorf("aligner: sink write failed: %w", err)
		}

		emitted++
		if a.cfg.Quota > 0 && emitted >= a.cfg.Quota {
			return ExitNormal, nil
		}

		h++
	}
}

// startup starts every synchronizer in parallel, computes H0 = max(h0_i),
// and drives each tracker's initial snapshot at H0 (spec.md §4.3 steps 1-3).
func (a *Aligner) startup(ctx context.Context) (uint64, error) {
	h0s := make([]uint64, len(a.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			h, err := src.Sync.Start(gctx)
			if err != nil {
				return fmt.Errorf("aligner: start %s: %w", src.Extractor, err)
			}
			h0s[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var h0 uint64
	for _, h := range h0s {
		if h > h0 {
			h0 = h
		}
	}

	snapGroup, snapCtx := errgroup.WithContext(ctx)
	for _, src := range a.sources {
		src := src
		snapGroup.Go(func() error {
			if _, err := src.Tracker.InitialSnapshot(snapCtx); err != nil {
				return fmt.Errorf("aligner: initial snapshot %s: %w", src.Extractor, err)
			}
			return nil
		})
	}
	if err := snapGroup.Wait(); err != nil {
		return 0, err
	}

	a.logger.Info().Uint64("h0", h0).Int("sources", len(a.sources)).Msg("aligned startup")
	return h0, nil
}

// tickOutcome is one source's result for a single tick, computed
// concurrently and folded into the FeedMessage sequentially afterward.
type tickOutcome struct {
	src      *Source
	batch    indexerclient.DeltaBatch
	got      bool
	state    feed.SynchronizerState
	nowStale bool

	// skip is set when src was already Ended as of the start of this tick:
	// it contributes nothing to the FeedMessage at all (spec.md §4.3 step 2
	// only polls "non-Ended" synchronizers, and S2 requires a dropped source
	// be absent from sync_states the tick after it goes Stale).
	skip bool
}

// tick runs one bounded-wait join across every non-Ended source and
// assembles the resulting FeedMessage (spec.md §4.3 per-tick loop).
func (a *Aligner) tick(ctx context.Context, h uint64) feed.FeedMessage {
	deadline := time.Now().Add(a.cfg.BlockTime)
	msg := feed.NewFeedMessage(h)

	outcomes := make([]tickOutcome, len(a.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			outcomes[i] = a.resolveOne(gctx, src, h, deadline)
			return nil
		})
	}
	_ = g.Wait() // resolveOne never returns an error; errgroup used only for the bounded-wait join

	a.checkHeaderAgreement(outcomes)

	for _, o := range outcomes {
		a.applyOutcome(ctx, msg, o)
	}

	return msg
}

// resolveOne waits for one source's batch at height h, classifying it per
// spec.md §4.3 step 3.
func (a *Aligner) resolveOne(ctx context.Context, src *Source, h uint64, deadline time.Time) tickOutcome {
	if src.Sync.IsEnded() {
		// Already ended as of a prior tick (including a prior Stale drop):
		// stays silently dropped, never resurfaces.
		return tickOutcome{src: src, skip: true}
	}

	batch, st, ok := src.Sync.Next(ctx, h, deadline)
	if ok {
		return tickOutcome{src: src, batch: batch, got: true, state: st}
	}

	if src.Sync.IsEnded() {
		// Just transitioned to Ended while we waited (reconnect exhaustion,
		// protocol error, buffer overflow): report it this one tick.
		return tickOutcome{src: src, state: src.Sync.State()}
	}

	st, stale := src.Sync.MarkDelayed(h)
	return tickOutcome{src: src, state: st, nowStale: stale}
}

// checkHeaderAgreement logs (non-fatally) when two sources disagree on the
// hash of the same height (spec.md §7 "header disagreement").
func (a *Aligner) checkHeaderAgreement(outcomes []tickOutcome) {
	var reference *feed.BlockHeader
	for _, o := range outcomes {
		if !o.got {
			continue
		}
		h := o.batch.Header
		if reference == nil {
			reference = &h
			continue
		}
		if reference.Hash != h.Hash {
			a.logger.Warn().
				Uint64("height", h.Height).
				Str("hash_a", reference.Hash.Hex()).
				Str("hash_b", h.Hash.Hex()).
				Msg("cross-extractor header disagreement")
		}
	}
}

// applyOutcome folds one source's tick outcome into msg, reconciling its
// tracker and fetching snapshots for newly-admitted components.
func (a *Aligner) applyOutcome(ctx context.Context, msg feed.FeedMessage, o tickOutcome) {
	src := o.src
	if o.skip {
		return
	}
	msg.SyncStates[src.Extractor] = o.state

	switch {
	case o.got:
		result, err := src.Tracker.Reconcile(ctx, msg.Height, o.batch.Delta)
		if err != nil {
			a.logger.Error().Err(err).Str("extractor", string(src.Extractor)).Msg("reconcile failed, ending source")
			src.Sync.Close(feed.EndProtocolError)
			msg.SyncStates[src.Extractor] = feed.Ended(feed.EndProtocolError)
			return
		}

		snap := a.fetchSnapshots(ctx, src, result.ToEmitSnapshots)
		src.Tracker.Apply(ctx, result, o.batch.Delta)

		msg.StateMsgs[src.Extractor] = feed.StateSyncMessage{
			Header:            o.batch.Header,
			Snapshots:         snap,
			Deltas:            result.Projected,
			RemovedComponents: result.ToRemove,
			State:             o.state,
		}

	case o.nowStale:
		removed := src.Tracker.EvictAll()
		msg.StateMsgs[src.Extractor] = feed.StateSyncMessage{
			Header:            src.Sync.LastHeader(),
			Snapshots:         feed.NewSnapshot(),
			Deltas:            feed.NewDelta(),
			RemovedComponents: removed,
			State:             o.state,
		}
		// This tick's message already captured Stale (o.state was read
		// before Close runs). Close now so the source is fully dropped:
		// resolveOne's IsEnded check skips it on every subsequent tick.
		src.Sync.Close(feed.EndStale)

	case o.state.Kind == feed.StateEnded:
		// Nothing to attach: the source already reported its end reason via
		// sync_states above. It drops out of consideration entirely on the
		// next tick via resolveOne's skip path.

	default:
		// Delayed: placeholder message carrying the last known header.
		msg.StateMsgs[src.Extractor] = feed.StateSyncMessage{
			Header:    src.Sync.LastHeader(),
			Snapshots: feed.NewSnapshot(),
			Deltas:    feed.NewDelta(),
			State:     o.state,
		}
	}
}

// fetchSnapshots requests fresh snapshots for newly-admitted components.
func (a *Aligner) fetchSnapshots(ctx context.Context, src *Source, ids []feed.ComponentId) feed.Snapshot {
	if len(ids) == 0 {
		return feed.NewSnapshot()
	}
	snap, err := src.Tracker.FetchSnapshotFor(ctx, ids)
	if err != nil {
		a.logger.Error().Err(err).Str("extractor", string(src.Extractor)).Msg("snapshot fetch failed for newly admitted components")
		return feed.NewSnapshot()
	}
	return snap
}

func (a *Aligner) allEnded() bool {
	for _, src := range a.sources {
		if !src.Sync.IsEnded() {
			return false
		}
	}
	return true
}

// emitFinal writes one last FeedMessage reflecting every source transitioned
// to Ended(reason), best-effort (spec.md §5 cancellation).
func (a *Aligner) emitFinal(reason feed.EndReason) {
	for _, src := range a.sources {
		src.Sync.Close(reason)
	}
	msg := feed.NewFeedMessage(0)
	for _, src := range a.sources {
		msg.SyncStates[src.Extractor] = src.Sync.State()
	}
	_ = a.sink.Write(msg)
}
