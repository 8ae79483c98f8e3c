package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API",
	Long:  "Serves the session HTTP API. With jobs.backend=memory the job workers run in this process; with temporal they run in `scrapegen worker`.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		qh, err := openQueue(env)
		if err != nil {
			return err
		}
		defer qh.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newAPI(env, qh.Queue).routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		if qh.Memory != nil {
			g.Go(func() error { return qh.Memory.Start(gctx) })
		}
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port), zap.String("jobs_backend", cfg.Jobs.Backend))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if qh.Memory != nil {
				qh.Memory.Close()
			}
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
