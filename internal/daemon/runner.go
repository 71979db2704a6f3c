// Package daemon wires the process lifecycle: signal handling, the
// rescan daemon, and the HTTP API server, modeled on the teacher's
// process runner.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipsix/plugboard/internal/api"
	"github.com/ipsix/plugboard/internal/config"
	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/rescan"
)

// Runner owns the daemon's top-level lifecycle: it starts the rescan
// daemon and API server, waits for a termination signal, and shuts both
// down within a bounded timeout.
type Runner struct {
	cfg    config.Config
	logger *logging.Logger
	rescan *rescan.Daemon
	api    *api.Server
}

func New(cfg config.Config, logger *logging.Logger, rescanDaemon *rescan.Daemon, apiServer *api.Server) *Runner {
	return &Runner{cfg: cfg, logger: logger, rescan: rescanDaemon, api: apiServer}
}

func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	r.logger.Info("daemon started")

	if r.rescan != nil {
		r.rescan.Start()
	}

	errCh := make(chan error, 1)
	if r.api != nil {
		go func() {
			if err := r.api.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	go r.handleSignals(ctx, sigCh, cancel)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		r.logger.Error("api server error", logging.Field{Key: "error", Value: err.Error()})
		cancel()
	}

	return r.shutdown(r.cfg.Daemon.ShutdownTimeoutDuration())
}

func (r *Runner) handleSignals(ctx context.Context, sigCh <-chan os.Signal, cancel context.CancelFunc) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			r.logger.Info("rescan requested via SIGHUP")
			if r.rescan != nil {
				if _, err := r.rescan.TriggerNow(ctx); err != nil {
					r.logger.Error("SIGHUP rescan failed", logging.Field{Key: "error", Value: err.Error()})
				}
			}
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Warn("shutdown signal received", logging.Field{Key: "signal", Value: sig.String()})
			cancel()
			return
		default:
			r.logger.Warn("unexpected signal received", logging.Field{Key: "signal", Value: sig.String()})
		}
	}
}

func (r *Runner) shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r.logger.Info("shutdown starting", logging.Field{Key: "timeout", Value: timeout.String()})

	if r.rescan != nil {
		r.rescan.Stop()
	}
	if r.api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := r.api.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("api shutdown error", logging.Field{Key: "error", Value: err.Error()})
		}
	}

	r.logger.Info("shutdown complete")
	return nil
}
