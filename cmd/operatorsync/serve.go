package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/operatorsync/internal/corrections"
	"github.com/agentworkforce/operatorsync/internal/httpapi"
	"github.com/agentworkforce/operatorsync/internal/kvstore"
	"github.com/agentworkforce/operatorsync/internal/logging"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, the sync loop and the correction cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if addr != "" {
					a.cfg.Server.Addr = addr
				}
				listener, err := net.Listen("tcp", a.cfg.Server.Addr)
				if err != nil {
					return err
				}
				return serve(ctx, a, listener)
			})
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// serve runs every background component until ctx is done or one of them
// fails, then shuts the HTTP server down gracefully.
func serve(ctx context.Context, a *app, listener net.Listener) error {
	cfg := a.cfg
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = a.registry
	}
	handler, err := httpapi.NewServer(httpapi.Deps{
		Corrections: a.corrections,
		Workups:     a.workups,
		Engine:      a.engine,
		Settings:    a.settings,
		Metrics:     a.metrics,
		Gatherer:    gatherer,
		Logger:      a.logger.Named("http"),
	}, httpapi.ServerConfig{
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
		IdleTimeout:       cfg.Server.IdleTimeout.Std(),
		ErrorLog:          logging.StdLog(a.logger, "http"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("operatorsync listening", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	cleanup := corrections.NewCleanupWorker(a.corrections, cfg.Corrections.CleanupInterval.Std(), logging.StdLog(a.logger, "cleanup"))
	g.Go(func() error {
		cleanup.RunOnce(gctx)
		cleanup.Run(gctx)
		return nil
	})

	if a.engine != nil {
		g.Go(func() error {
			return a.engine.Run(gctx)
		})
	} else {
		a.logger.Info("workup sync disabled; set NOTION_TOKEN and notion.database_id to enable it")
	}

	if cfg.Storage.Watch {
		g.Go(func() error {
			if err := kvstore.WatchCollections(gctx, a.backend, a.sinks()...); err != nil && gctx.Err() == nil {
				a.logger.Warn("state watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	err = g.Wait()
	a.logger.Info("operatorsync stopped")
	return err
}
