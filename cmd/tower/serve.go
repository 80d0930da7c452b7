package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/towerview/tower/loader"
)

var serveCmd = &cobra.Command{
	Use:   "serve [image]...",
	Short: "Run the loader with its status API",
	Long: `serve keeps the loader ticking and exposes its state over HTTP under
/api/loader. Images given as arguments are opened as if dropped, so their
directory becomes the working directory and is prefetched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loaderConfig()
		if err != nil {
			return err
		}

		ld, err := loader.New(cfg)
		if err != nil {
			return err
		}
		defer ld.Close() //nolint:errcheck

		for _, path := range args {
			if _, err := ld.Open(path, loader.OriginDrop); err != nil {
				slog.Warn("open failed", "path", path, "err", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			ld.Run(ctx) //nolint:errcheck
		}()

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           loader.NewHandlers(ld, ld.Journal()).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		serveErr := make(chan error, 1)
		go func() {
			slog.Info("status API listening", "addr", cfg.Listen)
			serveErr <- server.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err = <-serveErr:
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck
		<-runDone

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	def := loader.DefaultConfig()
	serveCmd.Flags().String("listen", def.Listen, "status API listen address")
	serveCmd.Flags().Bool("watch", true, "reload images that change on disk")
	bindFlags(serveCmd.Flags(), "listen", "watch")
}
