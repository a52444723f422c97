package service

import (
	"context"
	"errors"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/session"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join session")
	ErrGet        = errors.New("unable to get session")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	SessionStore interface {
		AcquireSession(sessionID string) (*session.Hub, error)
		ReleaseSession(sessionID string) (bool, error)
		GetSession(sessionID string) (*session.Hub, error)
		ListSessions() []*session.Hub
	}

	Service struct {
		store  SessionStore
		logger zerolog.Logger
	}

	Config struct {
		SessionStore SessionStore
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.SessionStore,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// ReserveSyncSession holds session for a peer that is about to connect,
// creating it if needed. Reservation is released by DeleteSyncSession.
func (svc *Service) ReserveSyncSession(sessionID string) error {
	if _, err := svc.store.AcquireSession(sessionID); err != nil {
		return errors.Join(ErrJoin, err)
	}
	return nil
}

// CreateSyncSession joins peer to a reserved session and starts forwarding its commands
// to the session hub until ctx is done.
func (svc *Service) CreateSyncSession(ctx context.Context, sessionID, peerID string, wire model.Wire) error {
	hub, err := svc.store.GetSession(sessionID)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	hub.Join(peerID, wire)
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("sessionID", sessionID).
		Msg("sync session connected")

	go svc.forwardCommands(ctx, hub, peerID, wire.RX)
	return nil
}

func (svc *Service) DeleteSyncSession(_ context.Context, sessionID, peerID string) error {
	hub, err := svc.store.GetSession(sessionID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	hub.Leave(peerID)
	reclaimed, err := svc.store.ReleaseSession(sessionID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("sessionID", sessionID).
		Msg("sync session deleted")
	if reclaimed {
		svc.logger.Info().Str("sessionID", sessionID).Msg("empty session removed")
	}
	return nil
}

func (svc *Service) GetSession(sessionID string) (model.SessionInfo, error) {
	hub, err := svc.store.GetSession(sessionID)
	if err != nil {
		return model.SessionInfo{}, errors.Join(ErrGet, err)
	}
	return hub.Info(), nil
}

func (svc *Service) ListSessions() []model.SessionInfo {
	hubs := svc.store.ListSessions()
	infos := make([]model.SessionInfo, 0, len(hubs))
	for _, hub := range hubs {
		infos = append(infos, hub.Info())
	}
	return infos
}

func (svc *Service) forwardCommands(ctx context.Context, hub *session.Hub, peerID string, rx <-chan model.Announcement) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case ann := <-rx:
			if ann.SRC != peerID {
				svc.logger.Error().
					Str("peerID", peerID).
					Str("src", ann.SRC).
					Msg("announcement with foreign src")
				continue
			}
			// rejection is reported to the peer by hub
			_ = hub.Handle(peerID, ann)
		}
	}
}
