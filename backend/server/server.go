// Package server holds lifecycle shared by api and websocket listeners.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// Serve listens until ctx is done and then shuts srv down gracefully.
// Listener failure is reported to errc. wg is released on return.
func Serve(ctx context.Context, wg *sync.WaitGroup, errc chan<- error, srv *http.Server, logger *zerolog.Logger) {
	defer func() {
		logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), DefaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
