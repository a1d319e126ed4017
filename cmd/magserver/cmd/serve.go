package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mag-mcp/magserver/internal/mcpserver"
	"github.com/mag-mcp/magserver/internal/retrieval"
)

func newServeCmd() *cobra.Command {
	var noIndex bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the stdio JSON-RPC server",
		Long: `Start serving search_code, get_file, list_files, and explain_symbol
over stdio JSON-RPC. By default the codebase is indexed incrementally
before the server starts; pass --no-index to skip straight to serving
whatever is already persisted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l, err := loadConfig()
			if err != nil {
				return err
			}

			if !noIndex {
				if err := runIndex(ctx, l, true); err != nil {
					if ctx.Err() != nil {
						return errInterrupted
					}
					return err
				}
			}

			server := newMCPServer(l)
			if err := server.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return errInterrupted
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noIndex, "no-index", false, "skip incremental indexing before serving")
	return cmd
}

func newMCPServer(l *loaded) *mcpserver.Server {
	retrievalSvc := retrieval.New(retrieval.Config{
		CodebaseRoot:        l.cfg.Codebase.Root,
		DefaultMaxResults:   l.cfg.Search.DefaultSearchResults,
		SimilarityThreshold: l.cfg.Search.SimilarityThreshold,
	}, l.vecStore, l.embedder)

	return mcpserver.New(retrievalSvc, l.idx, mcpserver.Info{
		CodebaseRoot:    l.cfg.Codebase.Root,
		EmbeddingModel:  l.cfg.Ollama.EmbeddingModel,
		ChatModel:       l.cfg.Ollama.LLMModel,
		ChunkSizeTokens: l.cfg.Indexing.ChunkSizeTokens,
		StorePersistDir: l.cfg.Store.PersistDir,
	})
}
