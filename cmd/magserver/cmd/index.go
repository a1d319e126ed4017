package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	var (
		full  bool
		clear bool
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the codebase without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l, err := loadConfig()
			if err != nil {
				return err
			}
			if clear {
				l.idx.Clear(ctx)
			}
			if err := runIndex(ctx, l, !full); err != nil {
				if ctx.Err() != nil {
					return errInterrupted
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "reindex every file, ignoring mtime-based skipping")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the index before indexing")
	return cmd
}
