package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arxpredict/marketmirror/internal/server"
	"github.com/arxpredict/marketmirror/internal/server/handler"
)

// shutdownGrace bounds how long the HTTP server waits for in-flight requests
// during shutdown.
const shutdownGrace = 10 * time.Second

// FullMode runs capture, reconciliation, the reveal scheduler, the archiver,
// and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Queue.Run(ctx, deps.Reconciler.Handle)
	})
	g.Go(func() error {
		return deps.Monitor.Run(ctx)
	})
	if deps.Scheduler != nil {
		g.Go(func() error {
			return deps.Scheduler.Run(ctx)
		})
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
	a.startHTTPServer(ctx, g, deps, true)

	return waitGroup(g)
}

// IngestMode runs capture and reconciliation without the reveal scheduler.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Queue.Run(ctx, deps.Reconciler.Handle)
	})
	g.Go(func() error {
		return deps.Monitor.Run(ctx)
	})
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
	a.startHTTPServer(ctx, g, deps, false)

	return waitGroup(g)
}

// SchedulerMode runs only the reveal scheduler, for deployments that split
// ingestion and revealing across processes.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	if deps.Scheduler == nil {
		return errors.New("app: scheduler mode requires scheduler.enabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Scheduler.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, false)

	return waitGroup(g)
}

// startHTTPServer registers the read API when enabled. withMonitor controls
// whether the status endpoint reports the event monitor.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, withMonitor bool) {
	if !a.cfg.Server.Enabled {
		return
	}

	var monitor handler.MonitorInspector
	if withMonitor {
		monitor = deps.Monitor
	}
	var sched handler.SchedulerInspector
	if deps.Scheduler != nil {
		sched = deps.Scheduler
	}

	srv := server.NewServer(server.Config{Port: a.cfg.Server.Port}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.DB, deps.Redis),
		Markets: handler.NewMarketHandler(deps.Reader, a.logger),
		Status:  handler.NewStatusHandler(deps.Queue, monitor, sched, a.logger),
	}, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// waitGroup normalizes a clean cancellation into a nil error.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
