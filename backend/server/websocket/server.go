package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/server"
	"github.com/adwski/watchparty/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSyncSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 4096
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultPeerBufferSize = 64

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

type (
	SyncService interface {
		ReserveSyncSession(string) error
		CreateSyncSession(context.Context, string, string, model.Wire) error
		DeleteSyncSession(context.Context, string, string) error
	}

	Config struct {
		Logger         *zerolog.Logger
		SyncService    SyncService
		OriginAllowed  func(r *http.Request) bool
		ListenAddr     string
		DefaultSession string
		PeerBufferSize int
	}

	Server struct {
		svc SyncService
		ws  *websocket.Upgrader
		*http.Server

		defaultSession string
		peerBufferSize int

		logger zerolog.Logger
	}

	// peerConn pumps announcements between websocket and peer wire.
	peerConn struct {
		conn      *websocket.Conn
		wire      model.Wire
		sessionID string
		peerID    string
		logger    zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	checkOrigin := cfg.OriginAllowed
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.SyncService,
		defaultSession: cfg.DefaultSession,
		peerBufferSize: cfg.PeerBufferSize,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      checkOrigin,
		},
	}
	if srv.peerBufferSize <= 0 {
		srv.peerBufferSize = defaultPeerBufferSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.join)
	mux.HandleFunc("GET /ws/{sessionID}", srv.join)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	server.Serve(ctx, wg, errc, srv.Server, &srv.logger)
}

// join reserves requested session, upgrades connection and attaches it as a new peer.
func (srv *Server) join(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		sessionID = srv.defaultSession
	}

	if err := srv.svc.ReserveSyncSession(sessionID); err != nil {
		code := statusFor(err)
		srv.logger.Warn().Err(err).Str("sessionID", sessionID).Int("status", code).Msg("session is unavailable")
		http.Error(w, http.StatusText(code), code)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already replied with error status
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		srv.leave(sessionID, "", &srv.logger)
		return
	}

	ctx, cancel := context.WithCancel(context.Background()) // lives as long as connection
	pc := &peerConn{
		conn:      conn,
		wire:      model.NewWire(ctx, srv.peerBufferSize),
		sessionID: sessionID,
		peerID:    uuid.New().String(),
	}
	pc.logger = srv.logger.With().
		Str("sessionID", pc.sessionID).
		Str("peerID", pc.peerID).
		Logger()

	// pumps go first, initial state is written to TX during join
	go func() {
		pc.serve(ctx, cancel)
		srv.leave(pc.sessionID, pc.peerID, &pc.logger)
	}()

	if err = srv.svc.CreateSyncSession(ctx, pc.sessionID, pc.peerID, pc.wire); err != nil {
		pc.logger.Error().Err(err).Msg("failed to join session")
		cancel()
		return
	}
	pc.logger.Debug().Msg("peer joined")
}

// leave releases session reservation, peerID is empty if peer never joined.
func (srv *Server) leave(sessionID, peerID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSyncSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSyncSession(ctx, sessionID, peerID); err != nil {
		logger.Error().Err(err).Msg("failed to leave session")
		return
	}
	logger.Debug().Msg("peer left")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrInvalidSessionID):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrTooManySessions):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// serve runs pumps until peer leaves, wire is closed by hub or connection fails.
// Connection is closed as soon as sender stops, so receiver is not left blocked in read.
func (pc *peerConn) serve(ctx context.Context, cancel context.CancelFunc) {
	received := make(chan struct{})
	go func() {
		defer close(received)
		pc.receive(ctx)
		cancel()
	}()
	pc.send()
	cancel()
	pc.close()
	<-received
}

func (pc *peerConn) send() {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-pc.wire.Done:
			return
		case <-pingTicker.C:
			if err := pc.write(websocket.PingMessage, []byte{}); err != nil {
				pc.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			pc.logger.Trace().Msg("ping sent")
		case ann := <-pc.wire.TX:
			b, err := json.Marshal(&ann)
			if err != nil {
				pc.logger.Error().Err(err).Msg("failed to marshall outgoing message")
				return
			}
			if err = pc.write(websocket.TextMessage, b); err != nil {
				pc.logger.Error().Err(err).Str("type", ann.Type).Msg("failed to write outgoing message")
				return
			}
			pc.logger.Trace().Str("type", ann.Type).Msg("message sent")
		}
	}
}

func (pc *peerConn) write(messageType int, data []byte) error {
	if err := pc.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return pc.conn.WriteMessage(messageType, data)
}

// receive decodes inbound frames into RX. Source is always stamped by server.
// Frames that are not valid announcements are dropped, connection stays open.
func (pc *peerConn) receive(ctx context.Context) {
	pc.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	extendDeadline := func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	pc.conn.SetPongHandler(extendDeadline)
	if err := extendDeadline(""); err != nil {
		pc.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, msg, err := pc.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				pc.logger.Debug().Err(err).Msg("connection closed")
			} else {
				pc.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var ann model.Announcement
		if err = json.Unmarshal(msg, &ann); err != nil {
			pc.logger.Warn().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		ann.SRC = pc.peerID
		select {
		case pc.wire.RX <- ann:
		case <-ctx.Done():
			return
		}
	}
}

func (pc *peerConn) close() {
	err := pc.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err == nil {
		err = pc.conn.WriteMessage(websocket.CloseMessage, []byte{})
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		pc.logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err = pc.conn.Close(); err != nil {
		pc.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
