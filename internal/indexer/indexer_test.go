package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mag-mcp/magserver/internal/embed"
	"github.com/mag-mcp/magserver/internal/store"
)

func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "test-model"}},
			})
		case "/api/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"embedding": []float64{0.1, 0.2, 0.3, 0.4},
			})
		}
	}))
}

func writeCSharpFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestIndexBuildsChunksForDiscoveredFiles(t *testing.T) {
	srv := fakeOllama(t)
	defer srv.Close()

	dir := t.TempDir()
	writeCSharpFile(t, dir, "Entity.cs", `namespace Game { public class Entity { public void Update() { } } }`)

	cli := embed.New(embed.Config{Host: srv.URL, EmbeddingModel: "test-model"})
	st := store.New(0)
	ix := New(Config{
		Root: dir, FileExtensions: []string{".cs"},
		ChunkSizeTokens: 512, ChunkOverlapTokens: 50,
	}, cli, st)

	stats, err := ix.Index(context.Background(), false, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.FilesScanned)
	require.Equal(t, 1, stats.FilesIndexed)
	require.Greater(t, stats.ChunksAdded, 0)
	require.Equal(t, 0, stats.FileErrors)
	require.Equal(t, stats.ChunksAdded, st.Count())
}

func TestIncrementalIndexSkipsUnchangedFile(t *testing.T) {
	srv := fakeOllama(t)
	defer srv.Close()

	dir := t.TempDir()
	writeCSharpFile(t, dir, "Entity.cs", `namespace Game { public class Entity { } }`)

	cli := embed.New(embed.Config{Host: srv.URL, EmbeddingModel: "test-model"})
	st := store.New(0)
	ix := New(Config{
		Root: dir, FileExtensions: []string{".cs"},
		ChunkSizeTokens: 512, ChunkOverlapTokens: 50,
	}, cli, st)

	_, err := ix.Index(context.Background(), true, nil)
	require.NoError(t, err)

	stats, err := ix.Index(context.Background(), true, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.FilesSkipped)
	require.Equal(t, 0, stats.FilesIndexed)
}

func TestIncrementalIndexReindexesModifiedFile(t *testing.T) {
	srv := fakeOllama(t)
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "Entity.cs")
	writeCSharpFile(t, dir, "Entity.cs", `namespace Game { public class Entity { } }`)

	cli := embed.New(embed.Config{Host: srv.URL, EmbeddingModel: "test-model"})
	st := store.New(0)
	ix := New(Config{
		Root: dir, FileExtensions: []string{".cs"},
		ChunkSizeTokens: 512, ChunkOverlapTokens: 50,
	}, cli, st)

	_, err := ix.Index(context.Background(), true, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(path, []byte(`namespace Game { public class Entity { public void Touch() {} } }`), 0o644))
	require.NoError(t, os.Chtimes(path, future, future))

	stats, err := ix.Index(context.Background(), true, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.FilesIndexed)
	require.Equal(t, 0, stats.FilesSkipped)
}

func TestReindexFileForcesRebuildRegardlessOfMtime(t *testing.T) {
	srv := fakeOllama(t)
	defer srv.Close()

	dir := t.TempDir()
	writeCSharpFile(t, dir, "Entity.cs", `namespace Game { public class Entity { } }`)

	cli := embed.New(embed.Config{Host: srv.URL, EmbeddingModel: "test-model"})
	st := store.New(0)
	ix := New(Config{
		Root: dir, FileExtensions: []string{".cs"},
		ChunkSizeTokens: 512, ChunkOverlapTokens: 50,
	}, cli, st)

	_, err := ix.Index(context.Background(), true, nil)
	require.NoError(t, err)

	added, err := ix.ReindexFile(context.Background(), "Entity.cs")
	require.NoError(t, err)
	require.Greater(t, added, 0)
}

func TestClearEmptiesCollection(t *testing.T) {
	srv := fakeOllama(t)
	defer srv.Close()

	dir := t.TempDir()
	writeCSharpFile(t, dir, "Entity.cs", `namespace Game { public class Entity { } }`)

	cli := embed.New(embed.Config{Host: srv.URL, EmbeddingModel: "test-model"})
	st := store.New(0)
	ix := New(Config{
		Root: dir, FileExtensions: []string{".cs"},
		ChunkSizeTokens: 512, ChunkOverlapTokens: 50,
	}, cli, st)

	_, err := ix.Index(context.Background(), false, nil)
	require.NoError(t, err)
	require.Greater(t, st.Count(), 0)

	ix.Clear(context.Background())
	require.Equal(t, 0, st.Count())
}
