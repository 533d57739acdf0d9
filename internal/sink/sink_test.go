package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tycho-sync/block-feed/pkg/feed"
)

func TestStdoutWriterWritesOneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewStdoutWriter(&buf)

	require.NoError(t, w.Write(feed.NewFeedMessage(1)))
	require.NoError(t, w.Write(feed.NewFeedMessage(2)))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var m1, m2 feed.FeedMessage
	require.NoError(t, json.Unmarshal(lines[0], &m1))
	require.NoError(t, json.Unmarshal(lines[1], &m2))
	require.Equal(t, uint64(1), m1.Height)
	require.Equal(t, uint64(2), m2.Height)
}

type fakeWriter struct {
	calls int
	err   error
}

func (f *fakeWriter) Write(msg feed.FeedMessage) error {
	f.calls++
	return f.err
}

func TestFanoutPropagatesPrimaryFailure(t *testing.T) {
	primary := &fakeWriter{err: errors.New("broken pipe")}
	mirror := &fakeWriter{}
	f := NewFanout(primary, mirror, zerolog.Nop())

	err := f.Write(feed.NewFeedMessage(1))
	require.Error(t, err)
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 0, mirror.calls, "mirror is never attempted once the primary fails")
}

func TestFanoutSwallowsMirrorFailure(t *testing.T) {
	primary := &fakeWriter{}
	mirror := &fakeWriter{err: errors.New("mirror unreachable")}
	f := NewFanout(primary, mirror, zerolog.Nop())

	err := f.Write(feed.NewFeedMessage(1))
	require.NoError(t, err, "mirror failures never fail the write")
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 1, mirror.calls)
}

func TestFanoutWithNilMirrorIsFine(t *testing.T) {
	primary := &fakeWriter{}
	f := NewFanout(primary, nil, zerolog.Nop())
	require.NoError(t, f.Write(feed.NewFeedMessage(1)))
}
