package cmd

import (
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index stats and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadConfig()
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), l)
		},
	}
}
