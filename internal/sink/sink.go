// Package sink provides MessageSink implementations (spec.md §2, §6): the
// primary stdout line-delimited JSON writer, and an optional NATS JetStream
// mirror for downstream consumers that want a durable, replayable copy of
// the feed.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/tycho-sync/block-feed/pkg/feed"
)

// StdoutWriter writes one JSON line per FeedMessage to an underlying
// io.Writer (stdout in production), flushing after every write so a crash
// downstream of a broken pipe is detected immediately (spec.md §6, §7 sink
// failure policy).
type StdoutWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewStdoutWriter wraps w (typically os.Stdout).
func NewStdoutWriter(w io.Writer) *StdoutWriter {
	bw := bufio.NewWriter(w)
	return &StdoutWriter{w: bw, enc: json.NewEncoder(bw)}
}

// Write implements aligner.Sink.
func (s *StdoutWriter) Write(msg feed.FeedMessage) error {
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("sink: encode: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: flush (broken pipe?): %w", err)
	}
	return nil
}

const (
	streamName           = "TYCHO_FEED"
	streamSubjectPattern = "TYCHO_FEED.*"
	streamCreateTimeout  = 10 * time.Second
)

// NATSMirror republishes every FeedMessage onto a NATS JetStream stream,
// deduplicated by feed height so a sink restart that re-delivers the same
// tick does not double-publish. Mirrors internal/nats.Publisher's
// msgID-dedup pattern, retargeted to feed height instead of (txHash,
// logIndex).
type NATSMirror struct {
	js      jetstream.JetStream
	nc      *nats.Conn
	logger  zerolog.Logger
	subject string
}

// NewNATSMirror connects to natsURL and ensures the mirror stream exists.
func NewNATSMirror(natsURL string, maxAge time.Duration, subjectPrefix string, logger zerolog.Logger) (*NATSMirror, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("tycho-block-feed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("sink: create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	duplicateWindow := 10 * time.Minute
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjectPattern},
		MaxAge:     maxAge,
		Storage:    jetstream.FileStorage,
		Duplicates: duplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("sink: create stream: %w", err)
	}

	logger.Info().Str("stream", streamName).Dur("max_age", maxAge).Msg("nats mirror initialized")

	return &NATSMirror{
		js:      js,
		nc:      nc,
		logger:  logger.With().Str("component", "sink.nats_mirror").Logger(),
		subject: subjectPrefix,
	}, nil
}

// Write implements aligner.Sink.
func (m *NATSMirror) Write(msg feed.FeedMessage) error {
	subject := fmt.Sprintf("%s.%d", m.subject, msg.Height)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sink: marshal for mirror: %w", err)
	}

	msgID := fmt.Sprintf("height-%d", msg.Height)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		m.logger.Error().Err(err).Uint64("height", msg.Height).Msg("failed to mirror feed message")
		return fmt.Errorf("sink: publish mirror: %w", err)
	}

	return nil
}

// Close closes the NATS connection.
func (m *NATSMirror) Close() {
	if m.nc != nil {
		m.nc.Close()
	}
}

// Fanout writes to a primary sink and, best-effort, to a secondary mirror.
// Primary failures are fatal (propagated per spec.md §7); mirror failures
// are logged but never abort the feed, since the mirror is a convenience
// copy, not the sink of record.
type Fanout struct {
	primary Writer
	mirror  Writer
	logger  zerolog.Logger
}

// Writer is the minimal interface both StdoutWriter and NATSMirror satisfy.
type Writer interface {
	Write(msg feed.FeedMessage) error
}

// NewFanout constructs a Fanout. mirror may be nil to disable mirroring.
func NewFanout(primary Writer, mirror Writer, logger zerolog.Logger) *Fanout {
	return &Fanout{primary: primary, mirror: mirror, logger: logger.With().Str("component", "sink.fanout").Logger()}
}

// Write implements aligner.Sink.
func (f *Fanout) Write(msg feed.FeedMessage) error {
	if err := f.primary.Write(msg); err != nil {
		return err
	}
	if f.mirror != nil {
		if err := f.mirror.Write(msg); err != nil {
			f.logger.Warn().Err(err).Uint64("height", msg.Height).Msg("mirror write failed, continuing")
		}
	}
	return nil
}
