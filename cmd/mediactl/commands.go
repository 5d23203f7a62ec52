package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wildlife-backend/internal/bootstrap"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// workerCommand runs queue consumers and the reconciler without the HTTP API.
func workerCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued media until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.app.Redis == nil {
				zap.L().Warn("redis disabled: this worker only sees jobs the reconciler queues in-process")
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return s.app.Queue.Consume(ctx, s.app.Processor.Handle) })
			g.Go(func() error { return s.app.Reconciler.Run(ctx) })
			zap.L().Info("worker started", zap.Int("workers", s.app.Config.Queue.Workers))
			return g.Wait()
		},
	}
}

func reconcileCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail timed-out attempts and requeue forgotten uploads once",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := s.app.Reconciler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func dlqCommand(s *session) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Cobra runs only the nearest persistent pre-run; chain to the root.
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			if s.app.Redis == nil {
				return bootstrap.ErrNoRedis
			}
			return nil
		},
	}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := s.app.Queue.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	list.Flags().Int64Var(&limit, "limit", 50, "maximum number of jobs to show (0 for all)")

	requeue := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Give a dead job a fresh attempt and put it back on the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.app.Media.RequeueDeadLetter(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}

	dlq.AddCommand(list, requeue)
	return dlq
}

func reprocessCommand(s *session) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reprocess <media-id>",
		Short: "Start a new processing attempt for one media item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return eris.Wrapf(err, "invalid media id %q", args[0])
			}
			// An in-process job would die with this command.
			if s.app.Redis == nil {
				return bootstrap.ErrNoRedis
			}
			item, err := s.app.Media.Reprocess(cmd.Context(), id, force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reprocess items that already completed, replacing their detections")
	return cmd
}
