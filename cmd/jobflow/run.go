package main

import (
	"context"
	"net/http"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"golang.org/x/sync/errgroup"

	"github.com/andrewwormald/jobflow"
)

const shutdownTimeout = 10 * time.Second

// serve runs the HTTP server with an engine that only dispatches. Jobs are executed by the work command.
func serve(ctx context.Context, cfg *Config) error {
	d, err := newDeps(cfg, jobflow.WithDispatchOnly())
	if err != nil {
		return err
	}
	defer d.Close()

	srv := newServer(d.engine)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		d.engine.Run(ctx)
		<-ctx.Done()
		d.engine.Stop()
		return nil
	})

	eg.Go(func() error {
		log.Info(ctx, "serving", j.MKV{"addr": cfg.ListenAddr})

		err := srv.Start(cfg.ListenAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// work runs the engine's workers, cron timers and event consumers until ctx is cancelled. Roles are held in Redis
// so that triggers fire once across all work processes.
func work(ctx context.Context, cfg *Config) error {
	d, err := newDeps(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	log.Info(ctx, "working", j.MKV{"runtime_id": d.engine.RuntimeID()})

	d.engine.Run(ctx)
	<-ctx.Done()
	d.engine.Stop()

	return nil
}
