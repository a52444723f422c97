package session

import (
	"errors"
	"math"
	"sync"

	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/metrics"
	"github.com/adwski/watchparty/backend/model"
	sw "github.com/adwski/watchparty/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrMalformed       = errors.New("malformed command payload")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidPosition = errors.New("position must be a finite non-negative number")
	ErrNotConnected    = errors.New("peer is not connected")
)

// Rejection reasons reported to metrics.
const (
	reasonMalformed    = "malformed"
	reasonUnknown      = "unknown-command"
	reasonInvalidMedia = "invalid-media"
	reasonNotConnected = "not-connected"
)

type (
	Config struct {
		Logger       *zerolog.Logger
		Metrics      *metrics.Metrics
		Clock        clockwork.Clock
		ID           string
		InitialMedia string
	}

	// Hub is the only mutator of session Clock. It owns peer registry,
	// applies peer commands and fans out resulting events.
	Hub struct {
		id      string
		mx      *sync.Mutex
		clock   *Clock
		sw      *sw.Switch
		now     clockwork.Clock
		metrics *metrics.Metrics
		logger  zerolog.Logger
	}

	delivery struct {
		targets []sw.Endpoint
		typ     string
		payload any
	}

	handlerFunc func(h *Hub, src string, ann model.Announcement, now int64) ([]delivery, error)
)

var handlers = map[string]handlerFunc{
	model.CommandPlay:        (*Hub).onPlay,
	model.CommandPause:       (*Hub).onPause,
	model.CommandSeek:        (*Hub).onSeek,
	model.CommandChangeMedia: (*Hub).onChangeMedia,
	model.CommandRequestSync: (*Hub).onRequestSync,
}

func NewHub(cfg Config) *Hub {
	now := cfg.Clock
	if now == nil {
		now = clockwork.NewRealClock()
	}
	logger := cfg.Logger.With().
		Str("component", "hub").
		Str("sessionID", cfg.ID).Logger()
	return &Hub{
		id:      cfg.ID,
		mx:      &sync.Mutex{},
		clock:   NewClock(cfg.InitialMedia, now.Now().UnixMilli()),
		sw:      sw.NewSwitch(&logger),
		now:     now,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

func (h *Hub) ID() string { return h.id }

// Join registers peer, sends it initial state and broadcasts new viewer count to everyone.
func (h *Hub) Join(peerID string, wire model.Wire) {
	h.mx.Lock()
	count := h.sw.Connect(peerID, wire)
	now := h.nowMilli()

	initial := model.InitialState{
		MediaRef:    h.clock.MediaRef(),
		Playing:     h.clock.Playing(),
		Position:    h.clock.ExtrapolatedPosition(now),
		ViewerCount: count,
	}
	self, _ := h.sw.Only(peerID)
	failed := h.deliver([]delivery{
		{targets: self, typ: model.EventInitialState, payload: initial},
		viewerCount(h.sw.Endpoints(""), count),
	})
	h.mx.Unlock()

	h.metrics.SetViewers(h.id, count)
	h.logger.Info().Str("peerID", peerID).Int("viewers", count).Msg("peer joined")
	h.evict(failed)
}

// Leave deregisters peer and broadcasts updated viewer count to remaining peers.
// Leaving twice is a no-op.
func (h *Hub) Leave(peerID string) {
	h.evict(h.leave(peerID))
}

func (h *Hub) leave(peerID string) []string {
	h.mx.Lock()
	removed, count := h.sw.Disconnect(peerID)
	if !removed {
		h.mx.Unlock()
		return nil
	}
	failed := h.deliver([]delivery{viewerCount(h.sw.Endpoints(""), count)})
	h.mx.Unlock()

	h.metrics.SetViewers(h.id, count)
	h.logger.Info().Str("peerID", peerID).Int("viewers", count).Msg("peer left")
	return failed
}

// evict treats failed deliveries as implicit disconnects.
// Wire of evicted peer is closed so its connection is torn down as well.
func (h *Hub) evict(ids []string) {
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		self, ok := h.sw.Only(id)
		if !ok {
			continue
		}
		h.logger.Warn().Str("peerID", id).Msg("evicting unreachable peer")
		h.metrics.PeerEvicted(h.id)
		ids = append(ids, h.leave(id)...)
		self[0].Wire.Close()
	}
}

// Handle applies a command sent by peer. Errors are reported to that peer only
// and never affect the session.
func (h *Hub) Handle(peerID string, ann model.Announcement) error {
	logger := h.logger.With().
		Str("peerID", peerID).
		Str("type", ann.Type).Logger()

	handler, ok := handlers[ann.Type]

	h.mx.Lock()
	if !h.sw.Has(peerID) {
		h.mx.Unlock()
		h.metrics.CommandRejected(h.id, reasonNotConnected)
		logger.Debug().Msg("command from disconnected peer ignored")
		return ErrNotConnected
	}

	var (
		out []delivery
		err error
	)
	if !ok {
		err = ErrUnknownCommand
	} else {
		out, err = handler(h, peerID, ann, h.nowMilli())
	}
	if err != nil {
		self, _ := h.sw.Only(peerID)
		out = []delivery{{targets: self, typ: model.EventError, payload: model.Error{
			Command: ann.Type,
			Error:   err.Error(),
		}}}
	}
	if logger.GetLevel() <= zerolog.TraceLevel {
		logger.Trace().Str("state", spew.Sprintf("%+v", h.clock.Snapshot())).Msg("session state")
	}
	failed := h.deliver(out)
	h.mx.Unlock()

	if err != nil {
		h.metrics.CommandRejected(h.id, rejectReason(err))
		logger.Warn().Err(err).Msg("command rejected")
	} else {
		h.metrics.CommandApplied(h.id, ann.Type)
		logger.Debug().Msg("command applied")
	}
	h.evict(failed)
	return err
}

// Info returns read-only view of the session.
func (h *Hub) Info() model.SessionInfo {
	h.mx.Lock()
	defer h.mx.Unlock()

	now := h.nowMilli()
	return model.SessionInfo{
		ID:          h.id,
		MediaRef:    h.clock.MediaRef(),
		Playing:     h.clock.Playing(),
		Position:    h.clock.ExtrapolatedPosition(now),
		ViewerCount: h.sw.Len(),
		ServerTime:  now,
	}
}

// Snapshot returns raw clock state.
func (h *Hub) Snapshot() State {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.clock.Snapshot()
}

func (h *Hub) Viewers() int {
	return h.sw.Len()
}

func (h *Hub) onPlay(src string, ann model.Announcement, now int64) ([]delivery, error) {
	return h.onTransport(src, ann, now, model.EventPlay, h.clock.ApplyPlay)
}

func (h *Hub) onPause(src string, ann model.Announcement, now int64) ([]delivery, error) {
	return h.onTransport(src, ann, now, model.EventPause, h.clock.ApplyPause)
}

func (h *Hub) onTransport(
	src string,
	ann model.Announcement,
	now int64,
	event string,
	apply func(int64),
) ([]delivery, error) {
	var cmd model.Transport
	if err := ann.Decode(&cmd); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if cmd.Position != nil {
		if err := validPosition(*cmd.Position); err != nil {
			return nil, err
		}
		h.clock.ApplySeek(now, *cmd.Position)
	}
	apply(now)

	return []delivery{{
		targets: h.sw.Endpoints(src),
		typ:     event,
		payload: model.Position{Position: h.clock.ExtrapolatedPosition(now)},
	}}, nil
}

func (h *Hub) onSeek(src string, ann model.Announcement, now int64) ([]delivery, error) {
	var cmd model.Seek
	if err := ann.Decode(&cmd); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if cmd.Position == nil {
		return nil, errors.Join(ErrMalformed, ErrInvalidPosition)
	}
	if err := validPosition(*cmd.Position); err != nil {
		return nil, err
	}
	h.clock.ApplySeek(now, *cmd.Position)

	return []delivery{{
		targets: h.sw.Endpoints(src),
		typ:     model.EventSeek,
		payload: model.Position{Position: *cmd.Position},
	}}, nil
}

func (h *Hub) onChangeMedia(_ string, ann model.Announcement, now int64) ([]delivery, error) {
	var cmd model.ChangeMedia
	if err := ann.Decode(&cmd); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	ref, err := media.ExtractRef(cmd.Input)
	if err != nil {
		return nil, err
	}
	h.clock.ApplyChangeMedia(now, ref)

	// sender is included, it needs canonical reference
	return []delivery{{
		targets: h.sw.Endpoints(""),
		typ:     model.EventVideoChanged,
		payload: model.VideoChanged{MediaRef: ref},
	}}, nil
}

func (h *Hub) onRequestSync(src string, _ model.Announcement, now int64) ([]delivery, error) {
	self, _ := h.sw.Only(src)
	return []delivery{{
		targets: self,
		typ:     model.EventSyncState,
		payload: model.SyncState{
			Playing:    h.clock.Playing(),
			Position:   h.clock.ExtrapolatedPosition(now),
			ServerTime: now,
		},
	}}, nil
}

// deliver must be called with h.mx held so per-peer event order follows mutation order.
// Event that cannot be encoded is dropped, the rest of outbox is still delivered.
func (h *Hub) deliver(out []delivery) []string {
	var failed []string
	for _, d := range out {
		if len(d.targets) == 0 {
			continue
		}
		ann, err := model.NewAnnouncement(d.typ, d.payload)
		if err != nil {
			h.logger.Error().Err(err).Str("type", d.typ).Msg("failed to encode event")
			continue
		}
		failed = append(failed, h.sw.Deliver(ann, d.targets)...)
	}
	return failed
}

func (h *Hub) nowMilli() int64 {
	return h.now.Now().UnixMilli()
}

func validPosition(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return ErrInvalidPosition
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return reasonUnknown
	case errors.Is(err, media.ErrInvalidRef), errors.Is(err, media.ErrEmptyInput):
		return reasonInvalidMedia
	default:
		return reasonMalformed
	}
}

func viewerCount(targets []sw.Endpoint, n int) delivery {
	return delivery{targets: targets, typ: model.EventViewerCount, payload: model.ViewerCount{ViewerCount: n}}
}
