package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"commsgate/internal/api"
	"commsgate/internal/config"
	"commsgate/internal/websocket"
	"commsgate/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, the retry queue worker and the policy watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	wsManager := websocket.New(a.queue, a.plane, a.logger)

	srv := api.NewServer(api.Deps{
		Plane:      a.plane,
		Queue:      a.queue,
		Audit:      a.db,
		RateLimits: a.limiter,
		Channels:   a.router.Policy().Communication.AllowedChannels,
		WebSocket:  wsManager,
		Logger:     a.logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return worker.New(a.queue, cfg.Queue.CheckInterval(), a.logger, wsManager.Broadcast).Run(ctx)
	})

	if cfg.Policy.Watch {
		g.Go(func() error {
			return config.WatchPolicy(ctx, cfg.Policy.CommunicationFile, cfg.Policy.AllowlistsFile, a.router.SetPolicy, a.logger)
		})
	}

	err := g.Wait()
	a.logger.Info("server stopped")
	return err
}
