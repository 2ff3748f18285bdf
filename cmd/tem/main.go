// Command tem is the diagnostic CLI (§6 "CLI surface"): read-only report,
// list, and watch commands against a Store file. Grounded in the pack's
// cobra-based CLI manifests (e.g. steveyegge-beads) for command/flag
// structure; the teacher itself has no CLI, only an HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Harvey-AU/tem/internal/batch"
	"github.com/Harvey-AU/tem/internal/interrupt"
	"github.com/Harvey-AU/tem/internal/store"
)

// Exit codes per §6: 0 success, 1 operational error, 2 usage error.
const (
	exitSuccess   = 0
	exitOperation = 1
	exitUsage     = 2
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// cobra validates flags and arguments before PersistentPreRun, so an
	// error returned once it has run comes from the operation itself.
	argsValid := false
	root := &cobra.Command{
		Use:   "tem",
		Short: "Diagnostic tool for a Task Execution Manager store",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			argsValid = true
		},
	}
	root.AddCommand(reportCmd(), listCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		if argsValid {
			os.Exit(exitOperation)
		}
		os.Exit(exitUsage)
	}
}

func openReadOnly(ctx context.Context, path string) (*store.Store, error) {
	return store.Open(ctx, store.DefaultConfig(path))
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <db> [code]",
		Short: "Report batch status and statistics",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openReadOnly(ctx, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitOperation)
			}
			defer s.Close()

			batches := batch.New(s)
			controller := interrupt.New(s, batches, nil)

			if len(args) == 2 {
				return reportOne(ctx, batches, controller, args[1])
			}

			all, err := batches.List(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitOperation)
			}
			for _, b := range all {
				if err := reportOne(ctx, batches, controller, b.Code); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func reportOne(ctx context.Context, batches *batch.Service, controller *interrupt.Controller, code string) error {
	b, err := batches.GetByCode(ctx, code)
	if err != nil {
		if err == batch.ErrNotFound {
			fmt.Fprintf(os.Stderr, "batch %q not found\n", code)
			os.Exit(exitOperation)
		}
		return err
	}

	stats, err := batches.GetStats(ctx, b.ID)
	if err != nil {
		return err
	}

	fmt.Printf("batch %s (%s) status=%s total=%d pending=%d running=%d completed=%d failed=%d\n",
		b.Code, b.ID, b.Status, stats.Total, stats.Pending, stats.Running, stats.Completed, stats.Failed)

	if b.Status == "interrupted" {
		events, err := controller.GetInterruptionLog(ctx, b.ID)
		if err == nil && len(events) > 0 {
			fmt.Printf("  last interruption: %s — %s\n", events[0].Reason, events[0].Message)
		}
	}
	return nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <db>",
		Short: "List all batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openReadOnly(ctx, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitOperation)
			}
			defer s.Close()

			batches, err := batch.New(s).List(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitOperation)
			}
			for _, b := range batches {
				fmt.Printf("%s\t%s\t%s\t%s\n", b.Code, b.ID, b.Status, b.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <db> [code]",
		Short: "Live-poll batch status until interrupted (Ctrl-C)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openReadOnly(ctx, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitOperation)
			}
			defer s.Close()

			batches := batch.New(s)
			controller := interrupt.New(s, batches, nil)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if len(args) == 2 {
					if err := reportOne(ctx, batches, controller, args[1]); err != nil {
						return err
					}
				} else {
					all, err := batches.List(ctx)
					if err != nil {
						return err
					}
					for _, b := range all {
						_ = reportOne(ctx, batches, controller, b.Code)
					}
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}
