package session

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/adwski/watchparty/backend/metrics"
	"github.com/adwski/watchparty/backend/model"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	id   string
	wire model.Wire
}

// drain returns everything queued for peer so far.
func (p *testPeer) drain() []model.Announcement {
	var out []model.Announcement
	for {
		select {
		case ann := <-p.wire.TX:
			out = append(out, ann)
		default:
			return out
		}
	}
}

func (p *testPeer) types() []string {
	anns := p.drain()
	out := make([]string, 0, len(anns))
	for _, ann := range anns {
		out = append(out, ann.Type)
	}
	return out
}

func newTestHub(t *testing.T, initial string) (*Hub, *clockwork.FakeClock) {
	t.Helper()
	logger := zerolog.Nop()
	clk := clockwork.NewFakeClockAt(time.UnixMilli(t0))
	return NewHub(Config{
		Logger:       &logger,
		Clock:        clk,
		ID:           "test",
		InitialMedia: initial,
	}), clk
}

func join(t *testing.T, h *Hub, id string) *testPeer {
	t.Helper()
	p := &testPeer{id: id, wire: model.NewWire(context.Background(), 16)}
	h.Join(id, p.wire)
	return p
}

func command(t *testing.T, typ string, payload any) model.Announcement {
	t.Helper()
	ann, err := model.NewAnnouncement(typ, payload)
	require.NoError(t, err)
	return ann
}

func decode[T any](t *testing.T, ann model.Announcement) T {
	t.Helper()
	var v T
	require.NoError(t, ann.Decode(&v))
	return v
}

func ptr(f float64) *float64 { return &f }

func TestHub_JoinScenario(t *testing.T) {
	h, _ := newTestHub(t, "")

	a := join(t, h, "a")
	anns := a.drain()
	require.Len(t, anns, 2)
	assert.Equal(t, model.EventInitialState, anns[0].Type)
	assert.Equal(t, model.InitialState{ViewerCount: 1}, decode[model.InitialState](t, anns[0]))
	assert.Equal(t, model.EventViewerCount, anns[1].Type)
	assert.Equal(t, 1, decode[model.ViewerCount](t, anns[1]).ViewerCount)

	b := join(t, h, "b")

	anns = b.drain()
	require.Len(t, anns, 2)
	assert.Equal(t, model.EventInitialState, anns[0].Type)
	assert.Equal(t, 2, decode[model.InitialState](t, anns[0]).ViewerCount)
	assert.Equal(t, 2, decode[model.ViewerCount](t, anns[1]).ViewerCount)

	anns = a.drain()
	require.Len(t, anns, 1)
	assert.Equal(t, model.EventViewerCount, anns[0].Type)
	assert.Equal(t, 2, decode[model.ViewerCount](t, anns[0]).ViewerCount)
}

func TestHub_LateJoinerGetsExtrapolatedState(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))
	a.drain()

	clk.Advance(12 * time.Second)
	b := join(t, h, "b")

	anns := b.drain()
	require.NotEmpty(t, anns)
	st := decode[model.InitialState](t, anns[0])
	assert.Equal(t, "dQw4w9WgXcQ", st.MediaRef)
	assert.True(t, st.Playing)
	assert.InDelta(t, 12.0, st.Position, 1e-9)
}

func TestHub_ViewerCount(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		leave []int
	}{
		{name: "no leaves", n: 3},
		{name: "some leave", n: 5, leave: []int{0, 3}},
		{name: "all but one", n: 4, leave: []int{1, 2, 3}},
		{name: "double leave", n: 3, leave: []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t, "")
			peers := make([]*testPeer, 0, tt.n)
			for i := 0; i < tt.n; i++ {
				peers = append(peers, join(t, h, string(rune('a'+i))))
			}
			left := map[int]bool{}
			for _, i := range tt.leave {
				h.Leave(peers[i].id)
				left[i] = true
			}

			want := tt.n - len(left)
			assert.Equal(t, want, h.Viewers())
			assert.Equal(t, want, h.Info().ViewerCount)

			for i, p := range peers {
				if left[i] {
					continue
				}
				anns := p.drain()
				require.NotEmpty(t, anns)
				last := anns[len(anns)-1]
				assert.Equal(t, model.EventViewerCount, last.Type)
				assert.Equal(t, want, decode[model.ViewerCount](t, last).ViewerCount)
			}
		})
	}
}

func TestHub_LeaveUnknownIsNoop(t *testing.T) {
	h, _ := newTestHub(t, "")
	a := join(t, h, "a")
	a.drain()

	h.Leave("ghost")
	assert.Empty(t, a.drain())
	assert.Equal(t, 1, h.Viewers())
}

func TestHub_PlayPauseFanOut(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")
	c := join(t, h, "c")
	a.drain()
	b.drain()
	c.drain()

	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))
	assert.Empty(t, a.drain(), "sender must not get its own echo")
	for _, p := range []*testPeer{b, c} {
		anns := p.drain()
		require.Len(t, anns, 1)
		assert.Equal(t, model.EventPlay, anns[0].Type)
		assert.Equal(t, 0.0, decode[model.Position](t, anns[0]).Position)
	}

	clk.Advance(3500 * time.Millisecond)
	require.NoError(t, h.Handle("b", command(t, model.CommandPause, nil)))
	assert.Empty(t, b.drain())
	for _, p := range []*testPeer{a, c} {
		anns := p.drain()
		require.Len(t, anns, 1)
		assert.Equal(t, model.EventPause, anns[0].Type)
		assert.InDelta(t, 3.5, decode[model.Position](t, anns[0]).Position, 1e-9)
	}

	st := h.Snapshot()
	assert.False(t, st.Playing)
	assert.InDelta(t, 3.5, st.Position, 1e-9)
}

func TestHub_PlayWithReportedPosition(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")
	a.drain()
	b.drain()

	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, model.Transport{Position: ptr(61.5)})))
	anns := b.drain()
	require.Len(t, anns, 1)
	assert.Equal(t, 61.5, decode[model.Position](t, anns[0]).Position)

	clk.Advance(2 * time.Second)
	require.NoError(t, h.Handle("a", command(t, model.CommandPause, model.Transport{Position: ptr(63.25)})))
	anns = b.drain()
	require.Len(t, anns, 1)
	assert.Equal(t, 63.25, decode[model.Position](t, anns[0]).Position)
	assert.Equal(t, 63.25, h.Info().Position)
}

func TestHub_Seek(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")
	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))
	a.drain()
	b.drain()

	clk.Advance(time.Second)
	require.NoError(t, h.Handle("b", command(t, model.CommandSeek, model.Position{Position: 120})))

	assert.Empty(t, b.drain())
	anns := a.drain()
	require.Len(t, anns, 1)
	assert.Equal(t, model.EventSeek, anns[0].Type)
	assert.Equal(t, 120.0, decode[model.Position](t, anns[0]).Position)

	st := h.Snapshot()
	assert.True(t, st.Playing, "seek does not change transport state")
	assert.Equal(t, 120.0, st.Position)

	clk.Advance(500 * time.Millisecond)
	assert.InDelta(t, 120.5, h.Info().Position, 1e-9)
}

func TestHub_ChangeMedia(t *testing.T) {
	h, clk := newTestHub(t, "")
	a := join(t, h, "a")
	b := join(t, h, "b")
	require.NoError(t, h.Handle("b", command(t, model.CommandPlay, nil)))
	clk.Advance(9 * time.Second)
	a.drain()
	b.drain()

	require.NoError(t, h.Handle("a", command(t, model.CommandChangeMedia,
		model.ChangeMedia{Input: "https://youtu.be/dQw4w9WgXcQ"})))

	for _, p := range []*testPeer{a, b} {
		anns := p.drain()
		require.Len(t, anns, 1, "peer %s", p.id)
		assert.Equal(t, model.EventVideoChanged, anns[0].Type)
		assert.JSONEq(t, `{"mediaRef":"dQw4w9WgXcQ","playing":false,"position":0}`, string(anns[0].Payload))
	}
	assert.Equal(t, State{MediaRef: "dQw4w9WgXcQ", LastUpdate: clk.Now().UnixMilli()}, h.Snapshot())
}

func TestHub_ChangeMediaInvalid(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")
	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))
	clk.Advance(time.Second)
	a.drain()
	b.drain()
	before := h.Snapshot()

	err := h.Handle("a", command(t, model.CommandChangeMedia, model.ChangeMedia{Input: "not a url"}))
	require.Error(t, err)

	assert.Equal(t, before, h.Snapshot())
	assert.Empty(t, b.drain())
	anns := a.drain()
	require.Len(t, anns, 1)
	assert.Equal(t, model.EventError, anns[0].Type)
	assert.Equal(t, model.CommandChangeMedia, decode[model.Error](t, anns[0]).Command)
}

func TestHub_RequestSync(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")

	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))
	a.drain()
	b.drain()

	clk.Advance(5000 * time.Millisecond)
	before := h.Snapshot()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Handle("b", command(t, model.CommandRequestSync, nil)))
	}
	assert.Equal(t, before, h.Snapshot(), "request-sync must not mutate")
	assert.Empty(t, a.drain(), "request-sync is never broadcast")

	anns := b.drain()
	require.Len(t, anns, 5)
	for _, ann := range anns {
		assert.Equal(t, model.EventSyncState, ann.Type)
		st := decode[model.SyncState](t, ann)
		assert.True(t, st.Playing)
		assert.InDelta(t, 5.0, st.Position, 1e-9)
		assert.Equal(t, clk.Now().UnixMilli(), st.ServerTime)
	}
}

func TestHub_BadCommands(t *testing.T) {
	tests := []struct {
		name    string
		ann     model.Announcement
		wantErr error
	}{
		{name: "unknown type", ann: model.Announcement{Type: "rewind"}, wantErr: ErrUnknownCommand},
		{name: "seek without position", ann: model.Announcement{Type: model.CommandSeek}, wantErr: ErrMalformed},
		{name: "seek negative", ann: model.Announcement{Type: model.CommandSeek, Payload: []byte(`{"position":-1}`)}, wantErr: ErrInvalidPosition},
		{name: "seek wrong type", ann: model.Announcement{Type: model.CommandSeek, Payload: []byte(`{"position":"ten"}`)}, wantErr: ErrMalformed},
		{name: "play bad payload", ann: model.Announcement{Type: model.CommandPlay, Payload: []byte(`[1,2]`)}, wantErr: ErrMalformed},
		{name: "change media empty", ann: model.Announcement{Type: model.CommandChangeMedia, Payload: []byte(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			logger := zerolog.Nop()
			h := NewHub(Config{
				Logger:  &logger,
				Metrics: metrics.New(reg),
				Clock:   clockwork.NewFakeClockAt(time.UnixMilli(t0)),
				ID:      "bad",
			})
			a := join(t, h, "a")
			b := join(t, h, "b")
			a.drain()
			b.drain()
			before := h.Snapshot()

			err := h.Handle("a", tt.ann)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			assert.Equal(t, before, h.Snapshot())
			assert.Empty(t, b.drain())
			assert.Equal(t, []string{model.EventError}, a.types())
			assert.Equal(t, 2, h.Viewers())

			// session keeps working
			require.NoError(t, h.Handle("a", command(t, model.CommandSeek, model.Position{Position: 1})))
			assert.Equal(t, []string{model.EventSeek}, b.types())
		})
	}
}

func TestHub_CommandFromDisconnectedPeerIgnored(t *testing.T) {
	h, _ := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")
	h.Leave("b")
	a.drain()
	b.drain()
	before := h.Snapshot()

	err := h.Handle("b", command(t, model.CommandPlay, nil))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, before, h.Snapshot())
	assert.Empty(t, a.drain())
	assert.Empty(t, b.drain())
}

func TestHub_FailedDeliveryEvictsPeer(t *testing.T) {
	h, _ := newTestHub(t, "dQw4w9WgXcQ")
	a := join(t, h, "a")
	b := join(t, h, "b")

	ctx, cancel := context.WithCancel(context.Background())
	dead := &testPeer{id: "dead", wire: model.NewWire(ctx, 16)}
	h.Join(dead.id, dead.wire)
	require.Equal(t, 3, h.Viewers())
	a.drain()
	b.drain()

	cancel()
	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))

	assert.Equal(t, 2, h.Viewers())
	assert.Equal(t, []string{model.EventViewerCount}, a.types())
	anns := b.drain()
	require.Len(t, anns, 2)
	assert.Equal(t, model.EventPlay, anns[0].Type)
	assert.Equal(t, model.EventViewerCount, anns[1].Type)
	assert.Equal(t, 2, decode[model.ViewerCount](t, anns[1]).ViewerCount)
}

func TestHub_Info(t *testing.T) {
	h, clk := newTestHub(t, "dQw4w9WgXcQ")
	join(t, h, "a")
	require.NoError(t, h.Handle("a", command(t, model.CommandPlay, nil)))
	clk.Advance(1500 * time.Millisecond)

	info := h.Info()
	assert.Equal(t, "test", info.ID)
	assert.Equal(t, "dQw4w9WgXcQ", info.MediaRef)
	assert.True(t, info.Playing)
	assert.InDelta(t, 1.5, info.Position, 1e-9)
	assert.Equal(t, 1, info.ViewerCount)
	assert.Equal(t, clk.Now().UnixMilli(), info.ServerTime)
}

func TestHub_OverflowClosesEvictedWire(t *testing.T) {
	h, _ := newTestHub(t, "")

	// initial-state and viewer-count fill the buffer
	slow := &testPeer{id: "slow", wire: model.NewWire(context.Background(), 2)}
	h.Join(slow.id, slow.wire)
	require.Equal(t, 1, h.Viewers())

	join(t, h, "b")

	assert.Equal(t, 1, h.Viewers())
	select {
	case <-slow.wire.Done:
	default:
		t.Fatal("evicted peer wire must be closed")
	}
	assert.ErrorIs(t, h.Handle(slow.id, command(t, model.CommandRequestSync, nil)), ErrNotConnected)
}

func TestHub_UnencodableEventIsDropped(t *testing.T) {
	h, _ := newTestHub(t, "")
	a := join(t, h, "a")
	a.drain()

	targets, ok := h.sw.Only("a")
	require.True(t, ok)

	h.mx.Lock()
	failed := h.deliver([]delivery{
		{targets: targets, typ: model.EventSeek, payload: model.Position{Position: math.NaN()}},
		viewerCount(targets, 1),
	})
	h.mx.Unlock()

	assert.Empty(t, failed)
	assert.Equal(t, []string{model.EventViewerCount}, a.types())
}
