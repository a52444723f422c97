package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/watchparty/backend/client"
	"github.com/adwski/watchparty/backend/drift"
	"github.com/adwski/watchparty/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("peer", pflag.ContinueOnError)

	var (
		url          = fs.StringP("url", "u", "ws://localhost:3001/ws", "session websocket url")
		logLevel     = fs.StringP("log-level", "l", "info", "log level")
		media        = fs.StringP("media", "m", "", "change session media after joining (url or id)")
		play         = fs.BoolP("play", "p", false, "start playback after joining")
		rate         = fs.Float64("rate", 1, "local playback rate, values other than 1 simulate drift")
		syncInterval = fs.Duration("sync-interval", drift.DefaultInterval, "sync request interval while playing")
		tolerance    = fs.Duration("tolerance", drift.DefaultTolerance, "drift tolerated before re-seek")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	player := client.NewVirtualPlayer(nil, *rate)
	peer, err := client.Dial(ctx, *url, client.Config{
		Logger:       &logger,
		Player:       player,
		SyncInterval: *syncInterval,
		Tolerance:    *tolerance,
		OnEvent: func(ann model.Announcement) {
			logger.Info().
				Str("type", ann.Type).
				RawJSON("payload", ann.Payload).
				Str("media", player.MediaRef()).
				Bool("playing", player.Playing()).
				Float64("position", player.CurrentTime()).
				Msg("event")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Str("url", *url).Msg("failed to join session")
	}
	logger.Info().Str("url", *url).Msg("joined session")

	errc := make(chan error, 1)
	go func() {
		errc <- peer.Run(ctx)
	}()

	if *media != "" {
		if err = peer.ChangeMedia(*media); err != nil {
			logger.Error().Err(err).Msg("failed to change media")
		}
	}
	if *play {
		if err = peer.Play(); err != nil {
			logger.Error().Err(err).Msg("failed to start playback")
		}
	}

	select {
	case err = <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("session connection failed")
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
		if err = peer.Close(); err != nil {
			logger.Debug().Err(err).Msg("failed to close connection")
		}
		<-errc
	}
}
