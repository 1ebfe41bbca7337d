package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve runs srv until ctx ends or the process receives SIGINT or SIGTERM.
// The server is then given shutdownTimeout to finish in-flight requests, and
// the hooks get a fresh shutdownTimeout of their own, so a slow Shutdown does
// not leave them with an expired context. Long-lived handlers must end via
// srv.RegisterOnShutdown. Hooks also run when the listener fails to start.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		hookErr := hooks.Execute(context.WithoutCancel(ctx))
		if errors.Is(err, http.ErrServerClosed) {
			return hookErr
		}
		return errors.Join(fmt.Errorf("listening on %s: %w", srv.Addr, err), hookErr)

	case <-ctx.Done():
	}

	log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down")

	var shutdownErr error
	if err := shutdownServer(context.WithoutCancel(ctx), srv, shutdownTimeout); err != nil {
		shutdownErr = fmt.Errorf("server shutdown: %w", err)
	}

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(shutdownErr, hooks.Execute(hookCtx))
}

func shutdownServer(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return srv.Shutdown(ctx)
}
