// Package indexerclient defines the IndexerClient boundary (spec.md §2) and
// ships one concrete adapter to a Tycho-style RPC+WS indexing service.
//
// The synchronization core (tracker, synchronizer, aligner) depends only on
// the Client interface; Production wiring in cmd/tycho-feed constructs the
// concrete RPCWS implementation in this package.
package indexerclient

import (
	"context"

	"github.com/tycho-sync/block-feed/pkg/feed"
)

// Filter selects which components list_components should return, e.g. by
// minimum TVL. An empty Filter returns every component the indexer knows
// about for the extractor.
type Filter struct {
	MinTVL float64
}

// DeltaBatch is one extractor's raw per-block payload as delivered by
// Subscribe, before ComponentTracker projection.
type DeltaBatch struct {
	Header feed.BlockHeader
	Delta  feed.Delta
}

// Client is the external collaborator boundary described in spec.md §2.1.
// Component discovery and snapshot fetch are request/response; delta
// delivery is a long-lived stream.
type Client interface {
	// ListComponents discovers components for an extractor, filtered
	// server-side by Filter.
	ListComponents(ctx context.Context, extractor feed.ExtractorId, filter Filter) ([]feed.ComponentId, error)

	// FetchSnapshot fetches full current state for the given components at
	// the indexer's current block, in one batched call.
	FetchSnapshot(ctx context.Context, extractor feed.ExtractorId, components []feed.ComponentId) (feed.Snapshot, error)

	// Subscribe opens a persistent stream of delta batches for one
	// extractor. The returned channel is closed when the stream ends (EOF,
	// fatal error, or ctx cancellation); errs receives at most one error
	// describing why.
	Subscribe(ctx context.Context, extractor feed.ExtractorId) (<-chan DeltaBatch, <-chan error, error)
}
