package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func WatchSignal(ctx context.Context) os.Signal {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signalCh)
	select {
	case s := <-signalCh:
		return s
	case <-ctx.Done():
		return nil
	}
}

// ListenAndServe serves h until SIGINT/SIGTERM or ctx is done, then shuts the
// server down. Streaming responses are cut when the grace period ends.
func ListenAndServe(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if s := WatchSignal(watchCtx); s != nil {
			logger.Infof("received %s", s)
		}
		stop()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-watchCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server shutdown: %s", err)
		_ = srv.Close()
	}
	logger.Info("server shutdown")

	return nil
}
