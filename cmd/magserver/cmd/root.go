// Package cmd provides the CLI commands for the mag MCP server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mag-mcp/magserver/internal/config"
	"github.com/mag-mcp/magserver/internal/embed"
	"github.com/mag-mcp/magserver/internal/indexer"
	"github.com/mag-mcp/magserver/internal/logging"
	"github.com/mag-mcp/magserver/internal/store"
)

// ExitInterrupted is the process exit code for a Ctrl+C/SIGTERM
// interruption, per spec.md's CLI exit-code contract (0/1/130).
const ExitInterrupted = 130

// errInterrupted signals that a command stopped because its context was
// canceled by a signal, as opposed to failing outright.
var errInterrupted = errors.New("interrupted")

// IsInterrupted reports whether err (as returned by Execute) represents
// a signal-driven interruption, so main can exit 130 instead of 1.
func IsInterrupted(err error) bool {
	return errors.Is(err, errInterrupted)
}

// Shared root flags, consumed by every subcommand via loadConfig.
var (
	flagCodebase string
	flagVerbose  bool
)

// NewRootCmd builds the root command. With no subcommand it indexes the
// codebase (incrementally) and then starts serving stdio JSON-RPC, the
// same "just run it" flow the original tool offers.
func NewRootCmd() *cobra.Command {
	var (
		clear       bool
		checkOllama bool
		showStats   bool
	)

	root := &cobra.Command{
		Use:     "magserver",
		Short:   "Semantic code search and retrieval over a C# codebase",
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDefault(ctx, cmd.OutOrStdout(), checkOllama, showStats, clear)
		},
	}

	root.PersistentFlags().StringVar(&flagCodebase, "codebase", "", "override the codebase root (default: current directory)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.Flags().BoolVar(&clear, "clear", false, "clear the index before indexing")
	root.Flags().BoolVar(&checkOllama, "check-ollama", false, "verify the embeddings backend is reachable, then exit")
	root.Flags().BoolVar(&showStats, "stats", false, "print index stats and exit")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newStatsCmd())

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loaded bundles the config-derived dependencies every subcommand needs.
type loaded struct {
	cfg       *config.Config
	embedder  *embed.Client
	vecStore  *store.Store
	idx       *indexer.Indexer
}

// loadConfig loads configuration (applying --codebase and --verbose),
// sets up logging, and builds the embedder/store/indexer stack.
func loadConfig() (*loaded, error) {
	cfg, err := config.Load(".mag.yaml")
	if err != nil {
		return nil, err
	}
	if flagCodebase != "" {
		cfg.Codebase.Root = flagCodebase
	}
	level := cfg.Logging.Level
	if flagVerbose {
		level = "DEBUG"
	}
	logging.SetupDefault(level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	embedder := embed.New(embed.Config{
		Host:           cfg.Ollama.Host,
		EmbeddingModel: cfg.Ollama.EmbeddingModel,
		ChatModel:      cfg.Ollama.LLMModel,
	})

	vecStore, err := store.Load(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	idx := indexer.New(indexer.Config{
		Root:               cfg.Codebase.Root,
		FileExtensions:     cfg.Indexing.FileExtensions,
		ExcludePatterns:    cfg.Indexing.ExcludePatterns,
		ChunkSizeTokens:    cfg.Indexing.ChunkSizeTokens,
		ChunkOverlapTokens: cfg.Indexing.ChunkOverlapTokens,
		Concurrency:        cfg.Indexing.MaxWorkers,
	}, embedder, vecStore)

	return &loaded{cfg: cfg, embedder: embedder, vecStore: vecStore, idx: idx}, nil
}

func runDefault(ctx context.Context, w io.Writer, checkOllama, showStats, clear bool) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}

	if checkOllama {
		if l.embedder.Healthy(ctx) {
			fmt.Fprintln(w, "ollama backend reachable")
			return nil
		}
		return fmt.Errorf("ollama backend unreachable at %s", l.cfg.Ollama.Host)
	}

	if showStats {
		return printStats(w, l)
	}

	if clear {
		l.idx.Clear(ctx)
	}

	if err := runIndex(ctx, l, true); err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}

	server := newMCPServer(l)
	if err := server.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return errInterrupted
		}
		return err
	}
	return nil
}

func progressLogger(done, total int, file string) {
	slog.Info("indexing progress", slog.Int("done", done), slog.Int("total", total), slog.String("file", file))
}

func runIndex(ctx context.Context, l *loaded, incremental bool) error {
	stats, err := l.idx.Index(ctx, incremental, progressLogger)
	if err != nil {
		return err
	}
	if err := l.vecStore.Save(l.cfg.StorePath()); err != nil {
		return err
	}
	slog.Info("indexing complete",
		slog.Int("files_scanned", stats.FilesScanned),
		slog.Int("files_indexed", stats.FilesIndexed),
		slog.Int("files_skipped", stats.FilesSkipped),
		slog.Int("chunks_added", stats.ChunksAdded),
		slog.Int("file_errors", stats.FileErrors))
	if stats.FileErrors > 0 {
		return fmt.Errorf("indexing completed with %d file errors", stats.FileErrors)
	}
	return nil
}

func printStats(w io.Writer, l *loaded) error {
	stats := l.idx.CollectionStats()
	fmt.Fprintf(w, "total chunks: %d\n", stats.TotalChunks)
	fmt.Fprintf(w, "unique files sampled: %d\n", stats.UniqueFilesSampled)
	fmt.Fprintf(w, "code types: %v\n", stats.CodeTypes)
	return nil
}
