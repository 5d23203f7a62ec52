// Command mediactl operates the media-processing pipeline: it runs standalone
// workers and lets operators inspect and recover failed jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wildlife-backend/config"
	"wildlife-backend/internal/bootstrap"
)

// session holds the pipeline for the duration of one command.
type session struct {
	app *bootstrap.App
}

func rootCommand(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "mediactl",
		Short:         "Wildlife survey media pipeline operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if err := config.InitLogger(cfg.Log); err != nil {
			return err
		}
		s.app, err = bootstrap.New(cmd.Context(), cfg)
		return err
	}

	root.AddCommand(
		workerCommand(s),
		reconcileCommand(s),
		dlqCommand(s),
		reprocessCommand(s),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &session{}
	err := rootCommand(s).ExecuteContext(ctx)
	if s.app != nil {
		s.app.Close()
	}
	if err != nil {
		zap.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "mediactl:", err)
		stop()
		os.Exit(1)
	}
}
