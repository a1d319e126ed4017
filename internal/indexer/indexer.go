// Package indexer orchestrates discovery, parsing, chunking, embedding,
// and storage into one incremental, parallel indexing pipeline.
package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mag-mcp/magserver/internal/chunker"
	"github.com/mag-mcp/magserver/internal/discovery"
	"github.com/mag-mcp/magserver/internal/embed"
	"github.com/mag-mcp/magserver/internal/magerr"
	"github.com/mag-mcp/magserver/internal/parser"
	"github.com/mag-mcp/magserver/internal/store"
)

// Stats summarizes one Index run.
type Stats struct {
	FilesScanned int
	FilesIndexed int
	FilesSkipped int // up to date, incremental run only
	ChunksAdded  int
	FileErrors   int
}

// Config wires the pipeline's dependencies and tuning knobs.
type Config struct {
	Root            string
	FileExtensions  []string
	ExcludePatterns []string

	ChunkSizeTokens    int
	ChunkOverlapTokens int

	Concurrency int // bounded worker pool size; defaults to GOMAXPROCS
}

// ProgressFunc is called after each file finishes, in no particular order.
type ProgressFunc func(done, total int, file string)

// Indexer drives the discovery -> parse -> chunk -> embed -> store pipeline.
type Indexer struct {
	cfg      Config
	embedder *embed.Client
	store    *store.Store
	parsers  sync.Pool // *parser.Parser instances, one per worker goroutine
	chunks   *chunker.Chunker
}

// New builds an Indexer over an already-constructed embedding client and
// vector store.
func New(cfg Config, embedder *embed.Client, vectorStore *store.Store) *Indexer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Indexer{
		cfg:      cfg,
		embedder: embedder,
		store:    vectorStore,
		parsers:  sync.Pool{New: func() any { return parser.New() }},
		chunks: chunker.New(chunker.Config{
			ChunkSizeTokens:    cfg.ChunkSizeTokens,
			ChunkOverlapTokens: cfg.ChunkOverlapTokens,
		}),
	}
}

// runStats accumulates counters across a bounded worker pool under a
// single mutex; far cheaper contention than the per-file work it tracks.
type runStats struct {
	mu sync.Mutex
	s  Stats
}

func (r *runStats) addIndexed(chunks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.FilesIndexed++
	r.s.ChunksAdded += chunks
}

func (r *runStats) addSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.FilesSkipped++
}

func (r *runStats) addError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.FileErrors++
}

// Index walks the configured root and (re)indexes every matching file. When
// incremental is true, a file whose on-disk mtime is no newer than the
// mtime recorded at last index is skipped entirely. A single file's
// failure is logged and counted, not fatal to the run.
func (ix *Indexer) Index(ctx context.Context, incremental bool, progress ProgressFunc) (Stats, error) {
	files, err := discovery.Discover(discovery.Config{
		Root:            ix.cfg.Root,
		FileExtensions:  ix.cfg.FileExtensions,
		ExcludePatterns: ix.cfg.ExcludePatterns,
	})
	if err != nil {
		return Stats{}, err
	}

	stats := &runStats{s: Stats{FilesScanned: len(files)}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Concurrency)

	var doneMu sync.Mutex
	done := 0
	total := len(files)

	for _, path := range files {
		// Discover returns root-joined paths; the pipeline and the store
		// key everything by the root-relative path.
		rel, relErr := filepath.Rel(ix.cfg.Root, path)
		if relErr != nil {
			rel = path
		}
		g.Go(func() error {
			added, skipped, ferr := ix.indexOneFile(gctx, rel, incremental)

			doneMu.Lock()
			done++
			d := done
			doneMu.Unlock()
			if progress != nil {
				progress(d, total, rel)
			}

			if ferr != nil {
				slog.Warn("failed to index file", slog.String("file", rel), slog.String("error", ferr.Error()))
				stats.addError()
				return nil
			}
			if skipped {
				stats.addSkipped()
			} else {
				stats.addIndexed(added)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats.s, err
	}
	return stats.s, nil
}

// indexOneFile re-chunks and re-embeds a single file, returning the number
// of chunks written and whether it was skipped as already up to date.
func (ix *Indexer) indexOneFile(ctx context.Context, rel string, incremental bool) (added int, skipped bool, err error) {
	abs := filepath.Join(ix.cfg.Root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		return 0, false, magerr.Parse("failed to stat file", err)
	}
	mtime := info.ModTime().Unix()

	if incremental && ix.upToDate(rel, mtime) {
		return 0, true, nil
	}

	source, err := os.ReadFile(abs)
	if err != nil {
		return 0, false, magerr.Parse("failed to read file", err)
	}

	p := ix.parsers.Get().(*parser.Parser)
	defer ix.parsers.Put(p)

	nodes, err := p.ParseFile(ctx, rel, source)
	if err != nil {
		return 0, false, err
	}

	chunks := ix.chunks.ChunkNodes(nodes)

	ix.store.DeleteByFile(ctx, rel)

	points := make([]store.Point, 0, len(chunks))
	for _, ch := range chunks {
		vec, err := ix.embedder.Embed(ctx, ch.Content)
		if err != nil {
			return added, false, err
		}
		vec32 := make([]float32, len(vec))
		for i, f := range vec {
			vec32[i] = float32(f)
		}

		points = append(points, store.Point{
			ChunkID: ch.ID,
			Vector:  vec32,
			Payload: map[string]any{
				"document":   ch.Content,
				"file":       ch.Metadata.File,
				"start_line": ch.Metadata.Lines[0],
				"end_line":   ch.Metadata.Lines[1],
				"type":       ch.Metadata.Type,
				"name":       ch.Metadata.Name,
				"hierarchy":  ch.Metadata.Hierarchy,
				"parent":     ch.Metadata.Parent,
				"namespace":  ch.Metadata.Namespace,
				"file_mtime": mtime,
			},
		})
		added++
	}

	if err := ix.store.Upsert(ctx, points); err != nil {
		return added, false, err
	}
	return added, false, nil
}

// upToDate reports whether the store already holds chunks for file at a
// recorded mtime no older than mtime.
func (ix *Indexer) upToDate(file string, mtime int64) bool {
	existing := ix.store.Scroll(map[string]any{"file": file}, 1)
	if len(existing) == 0 {
		return false
	}
	recorded, ok := existing[0].Payload["file_mtime"].(int64)
	if !ok {
		return false
	}
	return recorded >= mtime
}

// ReindexFile force re-indexes a single file regardless of mtime,
// returning the number of chunks written.
func (ix *Indexer) ReindexFile(ctx context.Context, rel string) (int, error) {
	added, _, err := ix.indexOneFile(ctx, rel, false)
	return added, err
}

// Clear empties the backing store.
func (ix *Indexer) Clear(ctx context.Context) {
	ix.store.Clear(ctx)
}

// CollectionStats reports aggregate collection statistics.
func (ix *Indexer) CollectionStats() store.Stats {
	return ix.store.GetStats()
}
