// Package synchronizer owns one extractor's subscription to the remote
// indexer and turns its raw delta stream into an ordered, height-addressable
// sequence of batches for the BlockAligner (spec.md §4.1).
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tycho-sync/block-feed/internal/indexerclient"
	"github.com/tycho-sync/block-feed/pkg/feed"
)

var (
	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_synchronizer_reconnects_total",
		Help: "Total reconnect attempts, per extractor",
	}, []string{"extractor"})

	bufferedHeights = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_synchronizer_buffered_heights",
		Help: "Number of block heights currently buffered, per extractor",
	}, []string{"extractor"})

	lastDelivered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_synchronizer_last_delivered_height",
		Help: "Highest height delivered by upstream, per extractor",
	}, []string{"extractor"})
)

// ErrConnect is a retryable transport failure raised by Start.
var ErrConnect = errors.New("synchronizer: connect failed")

// ErrProtocol is a fatal protocol violation: malformed batch, or height going
// backward without reorg proof.
var ErrProtocol = errors.New("synchronizer: protocol error")

// Config carries the tunables spec.md §4.1 and §5 name.
type Config struct {
	BufferCap            int           // hard cap on buffered heights, default 256
	StaleBlocks          int           // consecutive Delayed ticks before Stale, default 5
	ReconnectBaseDelay   time.Duration // default 100ms
	ReconnectFactor      float64       // default 2
	ReconnectCap         time.Duration // default 30s
	MaxReconnectAttempts int           // default 10
}

// DefaultConfig returns spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		BufferCap:            256,
		StaleBlocks:          5,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectFactor:      2,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Synchronizer owns one extractor's subscription. It reads deltas off a
// background goroutine into a bounded per-height buffer; the aligner drives
// it from its own goroutine through Next, MarkDelayed, LastHeader, State,
// IsEnded and Close, all guarded by mu.
type Synchronizer struct {
	extractor feed.ExtractorId
	client    indexerclient.Client
	cfg       Config
	logger    zerolog.Logger

	mu            sync.Mutex
	buffer        map[uint64]indexerclient.DeltaBatch
	recentHashes  map[uint64]common.Hash
	lastHeader    feed.BlockHeader
	lastDelivered uint64
	delayedTicks  int
	state         feed.SynchronizerState
	ended         bool

	notify chan struct{}
}

// New constructs a Synchronizer for one extractor. Call Start to open the
// subscription before any call to Next.
func New(extractor feed.ExtractorId, client indexerclient.Client, cfg Config, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		extractor:    extractor,
		client:       client,
		cfg:          cfg,
		logger:       logger.With().Str("component", "synchronizer").Str("extractor", string(extractor)).Logger(),
		buffer:       make(map[uint64]indexerclient.DeltaBatch),
		recentHashes: make(map[uint64]common.Hash),
		state:        feed.Started(),
		notify:       make(chan struct{}, 1),
	}
}

// Start opens the subscription, blocks for the first delta batch, and
// returns its header's height as h0. Spawns the background reader which runs
// until ctx is cancelled or a fatal error occurs.
func (s *Synchronizer) Start(ctx context.Context) (h0 uint64, err error) {
	batches, errs, dialErr := s.client.Subscribe(ctx, s.extractor)
	if dialErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnect, dialErr)
	}

	go s.run(ctx, batches, errs)

	// Wait for the first batch to learn h0.
	for {
		s.mu.Lock()
		if len(s.buffer) > 0 {
			h0 = lowestKey(s.buffer)
			s.mu.Unlock()
			s.setState(feed.Ready())
			return h0, nil
		}
		if s.ended {
			reason := s.endReasonLocked()
			s.mu.Unlock()
			return 0, fmt.Errorf("synchronizer: ended before first batch: %s", reason)
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.notify:
		case <-time.After(time.Second):
		}
	}
}

// run owns the reconnect loop and feeds raw batches into the buffer. It is
// the only goroutine that adds heights to s.buffer and moves
// s.lastDelivered; Next removes delivered heights, and Close can also end
// the synchronizer.
func (s *Synchronizer) run(ctx context.Context, batches <-chan indexerclient.DeltaBatch, errs <-chan error) {
	attempt := 0
	for {
		drained := s.drain(ctx, batches, errs)
		if drained == drainCancelled {
			s.transitionEnded(feed.EndCancelled)
			return
		}
		if drained == drainProtocolError {
			s.transitionEnded(feed.EndProtocolError)
			return
		}
		if drained == drainBufferOverflow {
			s.transitionEnded(feed.EndBufferOverflow)
			return
		}

		// drainStreamEnded or drainTransportError: attempt reconnect.
		attempt++
		if attempt > s.cfg.MaxReconnectAttempts {
			s.transitionEnded(feed.EndTransportFailed)
			return
		}

		delay := backoffDelay(s.cfg, attempt)
		s.logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		reconnects.WithLabelValues(string(s.extractor)).Inc()

		select {
		case <-ctx.Done():
			s.transitionEnded(feed.EndCancelled)
			return
		case <-time.After(delay):
		}

		newBatches, newErrs, err := s.client.Subscribe(ctx, s.extractor)
		if err != nil {
			s.logger.Warn().Err(err).Msg("reconnect attempt failed")
			continue
		}
		batches, errs = newBatches, newErrs
		attempt = 0 // a successful dial resets the backoff, not the attempt ceiling's intent: spec counts consecutive failures to reconnect, a live connection clears the counter.
	}
}

type drainResult int

const (
	drainStreamEnded drainResult = iota
	drainTransportError
	drainProtocolError
	drainBufferOverflow
	drainCancelled
)

// drain reads from one subscription's channels until it closes or errors.
func (s *Synchronizer) drain(ctx context.Context, batches <-chan indexerclient.DeltaBatch, errs <-chan error) drainResult {
	for {
		select {
		case <-ctx.Done():
			return drainCancelled
		case batch, ok := <-batches:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return drainTransportError
					}
				default:
				}
				return drainStreamEnded
			}
			if res, ok := s.ingest(batch); !ok {
				return res
			}
		}
	}
}

// ingest validates ordering/reorg rules and stores batch in the buffer.
// Returns (_, false) with the terminal drainResult if the batch is rejected.
//
// A gap below the current frontier (e.g. H+2 delivered before H) is normal
// buffering, not an error: H+2 is simply held until H fills the hole. What
// is NOT acceptable is a delivery whose parent_hash fails to chain to the
// hash this synchronizer actually recorded at h-1, whether h sits ahead of
// or behind the frontier — that is either a malformed batch or a strictly
// out-of-order delivery (spec.md §8 property 6), and the two are
// indistinguishable without the proof. A genuine reorg is the one case
// where h was previously delivered under a *different* hash despite the
// parent_hash proof succeeding; that rewinds the buffer to the fork point
// rather than being rejected.
func (s *Synchronizer) ingest(batch indexerclient.DeltaBatch) (drainResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := batch.Header.Height

	if h > 0 {
		if parent, known := s.recentHashes[h-1]; known && parent != batch.Header.ParentHash {
			return drainProtocolError, false
		}
	}

	if prevHash, seenBefore := s.recentHashes[h]; seenBefore {
		if prevHash == batch.Header.Hash {
			return 0, true // duplicate delivery, ignore
		}
		// Same height, different hash, parent_hash already proved above:
		// a genuine reorg. Rewind the buffer to this fork point.
		s.rewindLocked(h)
	}

	if len(s.buffer) >= s.cfg.BufferCap {
		s.logger.Error().Int("cap", s.cfg.BufferCap).Msg("buffer overflow")
		return drainBufferOverflow, false
	}

	s.buffer[h] = batch
	s.recordHash(h, batch.Header.Hash)
	if h > s.lastDelivered {
		s.lastDelivered = h
		s.lastHeader = batch.Header
	}
	bufferedHeights.WithLabelValues(string(s.extractor)).Set(float64(len(s.buffer)))
	lastDelivered.WithLabelValues(string(s.extractor)).Set(float64(s.lastDelivered))

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return 0, true
}

// recordHash remembers a height's hash for future reorg-proof checks,
// pruning entries older than the buffer window so memory stays bounded.
// Caller holds s.mu.
func (s *Synchronizer) recordHash(h uint64, hash common.Hash) {
	s.recentHashes[h] = hash
	if h <= uint64(s.cfg.BufferCap) {
		return
	}
	cutoff := h - uint64(s.cfg.BufferCap)
	for old := range s.recentHashes {
		if old < cutoff {
			delete(s.recentHashes, old)
		}
	}
}

// rewindLocked discards buffered heights at or above a reorg's fork point.
// Caller holds s.mu.
func (s *Synchronizer) rewindLocked(forkHeight uint64) {
	for h := range s.buffer {
		if h >= forkHeight {
			delete(s.buffer, h)
		}
	}
	s.lastDelivered = forkHeight - 1
	s.logger.Warn().Uint64("fork_height", forkHeight).Msg("reorg: rewound buffer")
}

// Next waits until deadline for a batch at height expected. Never blocks
// past deadline.
func (s *Synchronizer) Next(ctx context.Context, expected uint64, deadline time.Time) (indexerclient.DeltaBatch, feed.SynchronizerState, bool) {
	for {
		s.mu.Lock()
		if batch, ok := s.buffer[expected]; ok {
			delete(s.buffer, expected)
			bufferedHeights.WithLabelValues(string(s.extractor)).Set(float64(len(s.buffer)))
			s.delayedTicks = 0
			st := feed.Ready()
			if s.lastDelivered > expected {
				st = feed.Advanced(s.lastDelivered - expected)
			}
			s.state = st
			s.mu.Unlock()
			return batch, st, true
		}
		if s.ended {
			st := s.state
			s.mu.Unlock()
			return indexerclient.DeltaBatch{}, st, false
		}
		s.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return indexerclient.DeltaBatch{}, feed.SynchronizerState{}, false
		}

		select {
		case <-ctx.Done():
			return indexerclient.DeltaBatch{}, feed.SynchronizerState{}, false
		case <-s.notify:
		case <-time.After(wait):
			return indexerclient.DeltaBatch{}, feed.SynchronizerState{}, false
		}
	}
}

func (s *Synchronizer) setState(st feed.SynchronizerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// MarkDelayed records one more consecutive Delayed tick and reports whether
// the synchronizer has now crossed into Stale. Called by the aligner after a
// Next timeout.
func (s *Synchronizer) MarkDelayed(expected uint64) (state feed.SynchronizerState, nowStale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delayedTicks++
	k := expected - s.lastDelivered
	st := feed.Delayed(k)
	s.state = st

	if s.delayedTicks >= s.cfg.StaleBlocks {
		s.state = feed.Stale()
		return s.state, true
	}
	return st, false
}

// LastHeader returns the most recently delivered header, for building
// placeholder StateSyncMessages while Delayed.
func (s *Synchronizer) LastHeader() feed.BlockHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeader
}

// Close terminates the subscription and transitions to Ended(reason).
func (s *Synchronizer) Close(reason feed.EndReason) {
	s.transitionEnded(reason)
}

// State returns the synchronizer's current SynchronizerState.
func (s *Synchronizer) State() feed.SynchronizerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsEnded reports whether the synchronizer has reached a terminal state.
func (s *Synchronizer) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Synchronizer) transitionEnded(reason feed.EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.state = feed.Ended(reason)
	s.logger.Info().Str("reason", string(reason)).Msg("synchronizer ended")
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) endReasonLocked() feed.EndReason {
	return s.state.Reason
}

// lowestKey returns the smallest height present in buf. Caller holds s.mu.
func lowestKey(buf map[uint64]indexerclient.DeltaBatch) uint64 {
	var min uint64
	first := true
	for h := range buf {
		if first || h < min {
			min = h
			first = false
		}
	}
	return min
}

// backoffDelay computes spec.md §4.1's exponential backoff with ±10% jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.ReconnectBaseDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.ReconnectFactor
		if time.Duration(d) > cfg.ReconnectCap {
			d = float64(cfg.ReconnectCap)
			break
		}
	}
	jitter := (rand.Float64()*2 - 1) * 0.1 * d
	return time.Duration(d + jitter)
}
