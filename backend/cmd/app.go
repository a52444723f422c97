package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/watchparty/backend/config"
	"github.com/adwski/watchparty/backend/metrics"
	httpServer "github.com/adwski/watchparty/backend/server/http"
	websocketServer "github.com/adwski/watchparty/backend/server/websocket"
	"github.com/adwski/watchparty/backend/service"
	"github.com/adwski/watchparty/backend/session"
	store "github.com/adwski/watchparty/backend/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.LogLevel())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	mtr := metrics.New(reg)

	sessions := store.NewMemStore(func(sessionID string) *session.Hub {
		return session.NewHub(session.Config{
			Logger:       &logger,
			Metrics:      mtr,
			ID:           sessionID,
			InitialMedia: cfg.Session.InitialMedia,
		})
	}, cfg.Session.MaxSessions)
	if _, err = sessions.PinSession(cfg.Session.DefaultID); err != nil {
		logger.Fatal().Err(err).Msg("failed to create default session")
	}

	svc := service.NewService(service.Config{
		SessionStore: sessions,
		Logger:       &logger,
	})
	corsHandler := cfg.Cors()
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		SessionService: svc,
		Gatherer:       reg,
		Cors:           corsHandler,
		ListenAddr:     cfg.API.ListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		SyncService:    svc,
		OriginAllowed:  config.OriginChecker(corsHandler),
		ListenAddr:     cfg.WS.ListenAddr,
		DefaultSession: cfg.Session.DefaultID,
		PeerBufferSize: cfg.WS.PeerBuffer,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
