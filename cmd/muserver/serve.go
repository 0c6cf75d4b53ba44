package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"muruntime/internal/app"
	"muruntime/internal/observability"
)

func newServeCmd(configPath *string) *cobra.Command {
	var enablePprofTrace bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the game-server runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, app.Config{
				ConfigPath: *configPath,
				Flags:      cmd.Flags(),
				Observability: observability.Config{
					EnablePprofTrace: enablePprofTrace,
				},
			})
		},
	}
	cmd.Flags().BoolVar(&enablePprofTrace, "enable-pprof-trace", false, "expose pprof trace endpoints")
	return cmd
}
