package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mag-mcp/magserver/internal/retrieval"
)

func newSearchCmd() *cobra.Command {
	var (
		maxResults int
		filterType string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run search_code against the persisted index and print JSON results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadConfig()
			if err != nil {
				return err
			}

			svc := retrieval.New(retrieval.Config{
				CodebaseRoot:        l.cfg.Codebase.Root,
				DefaultMaxResults:   l.cfg.Search.DefaultSearchResults,
				SimilarityThreshold: l.cfg.Search.SimilarityThreshold,
			}, l.vecStore, l.embedder)

			results, err := svc.SearchCode(cmd.Context(), args[0], maxResults, filterType)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().IntVar(&maxResults, "max-results", 0, "maximum number of results (0 = configured default)")
	cmd.Flags().StringVar(&filterType, "type", "", "restrict to a code type: class, method, interface, property, struct")
	return cmd
}
