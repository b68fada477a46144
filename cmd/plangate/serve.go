package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"plangate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ops API, outbox relay and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := openApp(true)
			if err != nil {
				return err
			}
			defer closeFn()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			logger := newLogger()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Relay:    a.Relay,
				BasePath: basePath,
				Token:    viper.GetString("api-token"),
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Relay.Run(gctx) })
			g.Go(func() error { return a.Engine.RunSweeper(gctx) })
			g.Go(func() error { return a.WatchPolicy(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Plangate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("plangate stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("api-token", "", "bearer token required by the API (env PLANGATE_API_TOKEN)")
	_ = viper.BindPFlag("api-token", cmd.Flags().Lookup("api-token"))
	return cmd
}
