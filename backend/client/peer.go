// Package client implements a sync session peer: it mirrors session events
// onto a Player and keeps it aligned by periodic sync requests while playing.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/drift"
	"github.com/adwski/watchparty/backend/model"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultWriteDeadline = 5 * time.Second
)

var (
	ErrClosed = errors.New("peer is closed")
)

type (
	Config struct {
		Logger       *zerolog.Logger
		Player       Player
		Clock        clockwork.Clock
		Dialer       *websocket.Dialer
		SyncInterval time.Duration
		Tolerance    time.Duration
		// OnEvent is called after an inbound event was applied to Player.
		OnEvent func(model.Announcement)
	}

	Peer struct {
		conn      *websocket.Conn
		player    Player
		clk       clockwork.Clock
		corrector *drift.Corrector
		interval  time.Duration
		onEvent   func(model.Announcement)
		logger    zerolog.Logger

		writeMx *sync.Mutex
		mx      *sync.Mutex
		playing bool
		viewers int
		notify  chan struct{}
	}
)

// Dial connects to session websocket url.
func Dial(ctx context.Context, url string, cfg Config) (*Peer, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newPeer(conn, cfg), nil
}

func newPeer(conn *websocket.Conn, cfg Config) *Peer {
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = drift.DefaultInterval
	}
	return &Peer{
		conn:      conn,
		player:    cfg.Player,
		clk:       clk,
		corrector: drift.NewCorrector(cfg.Tolerance),
		interval:  interval,
		onEvent:   cfg.OnEvent,
		logger:    cfg.Logger.With().Str("component", "peer").Logger(),
		writeMx:   &sync.Mutex{},
		mx:        &sync.Mutex{},
		notify:    make(chan struct{}, 1),
	}
}

// Run processes session events until ctx is done or connection is closed.
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go p.syncLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = p.conn.Close()
	}()

	for {
		var ann model.Announcement
		if err := p.conn.ReadJSON(&ann); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		p.apply(ann)
	}
}

func (p *Peer) Close() error {
	p.writeMx.Lock()
	defer p.writeMx.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	err := p.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return errors.Join(ErrClosed, err)
	}
	return nil
}

// Play starts local playback and asks session to follow from current position.
func (p *Peer) Play() error {
	pos := p.player.CurrentTime()
	p.player.Play()
	p.setPlaying(true)
	return p.send(model.CommandPlay, model.Transport{Position: &pos})
}

func (p *Peer) Pause() error {
	p.player.Pause()
	pos := p.player.CurrentTime()
	p.setPlaying(false)
	return p.send(model.CommandPause, model.Transport{Position: &pos})
}

func (p *Peer) Seek(position float64) error {
	p.player.SeekTo(position)
	return p.send(model.CommandSeek, model.Position{Position: position})
}

// ChangeMedia asks session to load media. Player is updated once session
// confirms canonical reference.
func (p *Peer) ChangeMedia(input string) error {
	return p.send(model.CommandChangeMedia, model.ChangeMedia{Input: input})
}

func (p *Peer) RequestSync() error {
	return p.send(model.CommandRequestSync, nil)
}

func (p *Peer) Viewers() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.viewers
}

func (p *Peer) Playing() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.playing
}

func (p *Peer) send(typ string, payload any) error {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		return err
	}
	p.writeMx.Lock()
	defer p.writeMx.Unlock()
	if err = p.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return p.conn.WriteJSON(&ann)
}

func (p *Peer) apply(ann model.Announcement) {
	logger := p.logger.With().Str("type", ann.Type).Logger()

	var err error
	switch ann.Type {
	case model.EventInitialState:
		var st model.InitialState
		if err = ann.Decode(&st); err == nil {
			if st.MediaRef != "" {
				p.player.LoadVideo(st.MediaRef)
			}
			p.player.SeekTo(st.Position)
			p.setTransport(st.Playing)
			p.setViewers(st.ViewerCount)
		}
	case model.EventViewerCount:
		var vc model.ViewerCount
		if err = ann.Decode(&vc); err == nil {
			p.setViewers(vc.ViewerCount)
		}
	case model.EventPlay, model.EventPause:
		var pos model.Position
		if err = ann.Decode(&pos); err == nil {
			p.player.SeekTo(pos.Position)
			p.setTransport(ann.Type == model.EventPlay)
		}
	case model.EventSeek:
		var pos model.Position
		if err = ann.Decode(&pos); err == nil {
			p.player.SeekTo(pos.Position)
		}
	case model.EventVideoChanged:
		var vc model.VideoChanged
		if err = ann.Decode(&vc); err == nil {
			p.player.LoadVideo(vc.MediaRef)
			p.player.SeekTo(vc.Position)
			p.setTransport(vc.Playing)
		}
	case model.EventSyncState:
		var st model.SyncState
		if err = ann.Decode(&st); err == nil {
			p.correct(st, &logger)
		}
	case model.EventError:
		var e model.Error
		if err = ann.Decode(&e); err == nil {
			logger.Warn().Str("command", e.Command).Str("error", e.Error).Msg("command rejected by session")
		}
	default:
		logger.Debug().Msg("unknown event")
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to decode event")
		return
	}
	if p.onEvent != nil {
		p.onEvent(ann)
	}
}

func (p *Peer) correct(st model.SyncState, logger *zerolog.Logger) {
	c := p.corrector.Check(st, p.clk.Now().UnixMilli(), p.player.CurrentTime())
	if !c.Seek {
		logger.Trace().Float64("drift", c.Drift).Msg("in sync")
		return
	}
	logger.Debug().
		Float64("drift", c.Drift).
		Float64("target", c.Target).
		Msg("drift correction")
	p.player.SeekTo(c.Target)
}

func (p *Peer) setTransport(playing bool) {
	if playing {
		p.player.Play()
	} else {
		p.player.Pause()
	}
	p.setPlaying(playing)
}

func (p *Peer) setPlaying(playing bool) {
	p.mx.Lock()
	p.playing = playing
	p.mx.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Peer) setViewers(n int) {
	p.mx.Lock()
	p.viewers = n
	p.mx.Unlock()
}

// syncLoop requests session state on a fixed interval, only while playing.
func (p *Peer) syncLoop(ctx context.Context) {
	var (
		ticker clockwork.Ticker
		tick   <-chan time.Time
	)
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
			switch playing := p.Playing(); {
			case playing && ticker == nil:
				ticker = p.clk.NewTicker(p.interval)
				tick = ticker.Chan()
			case !playing:
				stop()
			}
		case <-tick:
			if err := p.RequestSync(); err != nil {
				p.logger.Error().Err(err).Msg("sync request failed")
				return
			}
		}
	}
}
