package backfill

import (
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(2)
	r := region.IntSpan(0, 100)

	id := uuid.New()
	tr, err := reg.begin(id, "b", r)
	require.NoError(t, err)
	_, err = reg.begin(id, "b", r)
	require.Error(t, err, "session ids are unique while active")

	ds := []history.Directive{
		{Range: region.IntSpan(0, 10).Bounds(), Mode: history.ModeSnapshot},
		{Range: region.IntSpan(50, 60).Bounds(), Mode: history.ModeSnapshot},
	}
	tr.setDirectives(ds, r)
	tr.setState(StateStreaming)

	rep, ok := reg.Progress(id)
	require.True(t, ok)
	require.Equal(t, StateStreaming, rep.State)
	require.True(t, rep.Completed.Equal(region.New(region.IntSpan(10, 50).Bounds(), region.IntSpan(60, 100).Bounds())))
	require.Zero(t, rep.Fraction)

	tr.chunkApplied(store.Chunk{Range: region.IntSpan(0, 10).Bounds(), Items: []store.Item{{Key: region.IntKey(1), Value: []byte("x")}}}, true)
	rep, _ = reg.Progress(id)
	require.Equal(t, uint64(1), rep.Chunks)
	require.Equal(t, uint64(1), rep.Items)
	require.Equal(t, 1, rep.DirectivesDone)
	require.InDelta(t, 0.5, rep.Fraction, 1e-9)
	require.True(t, rep.Completed.Equal(region.New(region.IntSpan(0, 50).Bounds(), region.IntSpan(60, 100).Bounds())))
	require.Equal(t, 1, reg.Active())

	tr.finish(errors.Wrap(ErrPeerLost, "gone"))
	require.Equal(t, 0, reg.Active())
	rep, ok = reg.Progress(id)
	require.True(t, ok)
	require.Equal(t, StateAborted, rep.State)
	require.Equal(t, "peer_lost", rep.Result)
	require.NotNil(t, rep.Finished)
	require.Contains(t, rep.Error, "gone")
}

func TestRegistryRetention(t *testing.T) {
	reg := NewRegistry(2)
	var ids []SessionID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		tr, err := reg.begin(id, common.PeerID("b"), region.IntSpan(0, 1))
		require.NoError(t, err)
		tr.finish(nil)
		ids = append(ids, id)
	}

	_, ok := reg.Progress(ids[0])
	require.False(t, ok, "oldest report evicted")
	rep, ok := reg.Progress(ids[2])
	require.True(t, ok)
	require.Equal(t, StateCompleted, rep.State)
	require.Equal(t, 1.0, rep.Fraction)

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, ids[1], list[0].ID)
	require.Equal(t, ids[2], list[1].ID)
}

func TestStateJSON(t *testing.T) {
	for s := StateNegotiating; s <= StateAborted; s++ {
		data, err := json.Marshal(s)
		require.NoError(t, err)
		var got State
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, s, got)
	}
	var s State
	require.Error(t, json.Unmarshal([]byte(`"sleeping"`), &s))
}

func TestWindowSize(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   int
	}{
		{"window below ceiling", Config{Window: 4, MaxChunkBytes: 1024, BufferCeilingBytes: 1 << 20}, 4},
		{"ceiling limits window", Config{Window: 64, MaxChunkBytes: 1 << 20, BufferCeilingBytes: 8 << 20}, 8},
		{"at least one", Config{Window: 8, MaxChunkBytes: 1 << 20, BufferCeilingBytes: 1024}, 1},
		{"no ceiling", Config{Window: 16, MaxChunkBytes: 1 << 20}, 16},
		{"capped", Config{Window: 1 << 20, MaxChunkBytes: 1}, maxWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.config.WindowSize())
		})
	}

	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{Window: 0, MaxChunkBytes: 1}.Validate())
	require.Error(t, Config{Window: 1, MaxChunkBytes: 0}.Validate())
	require.Error(t, Config{Window: 1, MaxChunkBytes: 1, MaxConcurrentSessions: -1}.Validate())
	require.Nil(t, newThrottle(0))
	require.NotNil(t, newThrottle(2))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{errors.Wrap(ErrInterrupted, "ctx"), KindInterrupted},
		{errors.Wrap(ErrPeerLost, "link"), KindPeerLost},
		{errors.Wrap(history.ErrHistoryConflict, "branch"), KindHistoryConflict},
		{errors.Mark(errors.Wrap(history.ErrUnknownBranch, "missing"), history.ErrHistoryCorrupt), KindHistoryCorrupt},
		{violationf("bad seq"), KindProtocolViolation},
		{store.NewError(store.RetCClosed, "closed"), KindInternal},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestRemoteErrorCodes(t *testing.T) {
	tests := []struct {
		code common.ErrorCode
		want Kind
	}{
		{common.ErrCConflict, KindHistoryConflict},
		{common.ErrCCorrupt, KindHistoryCorrupt},
		{common.ErrCProtocol, KindProtocolViolation},
		{common.ErrCInternal, KindPeerLost},
		{common.ErrCShutdown, KindPeerLost},
	}
	for _, tt := range tests {
		err := remoteError(common.NewErrorMessage(uuid.New(), tt.code, errors.New("reason")))
		require.Equal(t, tt.want, KindOf(err), tt.code.String())
		if tt.want != KindPeerLost {
			require.Equal(t, tt.code, codeOf(err), "codes survive a round trip")
		}
	}
}

func TestExtractPeerID(t *testing.T) {
	card := Card{Mailbox: common.Address{Peer: "b", Mailbox: common.BackfillerMailboxID}}
	require.Equal(t, common.NilPeer, ExtractPeerID(Descriptor{}))
	require.Equal(t, common.NilPeer, ExtractPeerID(Descriptor{Present: true, Card: card}))
	require.Equal(t, common.PeerID("b"), ExtractPeerID(Descriptor{Present: true, Serving: true, Card: card}))
}
