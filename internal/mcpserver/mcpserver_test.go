package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mag-mcp/magserver/internal/embed"
	"github.com/mag-mcp/magserver/internal/indexer"
	"github.com/mag-mcp/magserver/internal/retrieval"
	"github.com/mag-mcp/magserver/internal/store"
)

func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "test-model"}}})
		case "/api/embeddings":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{1, 0, 0}})
		}
	}))
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := fakeOllama(t)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Entity.cs"), []byte(`namespace Game { public class Entity { public void Update() {} } }`), 0o644))

	cli := embed.New(embed.Config{Host: srv.URL, EmbeddingModel: "test-model"})
	st := store.New(0)
	ix := indexer.New(indexer.Config{Root: dir, FileExtensions: []string{".cs"}, ChunkSizeTokens: 512, ChunkOverlapTokens: 50}, cli, st)
	_, err := ix.Index(context.Background(), false, nil)
	require.NoError(t, err)

	retrievalSvc := retrieval.New(retrieval.Config{CodebaseRoot: dir}, st, cli)
	return New(retrievalSvc, ix, Info{CodebaseRoot: dir, EmbeddingModel: "test-model"}), dir
}

func TestHandleSearchCodeRequiresQuery(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, err := s.handleSearchCode(context.Background(), nil, SearchCodeInput{})
	require.Error(t, err)
}

func TestHandleSearchCodeReturnsResults(t *testing.T) {
	s, _ := newTestServer(t)
	_, out, err := s.handleSearchCode(context.Background(), nil, SearchCodeInput{Query: "update entity"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
}

func TestHandleGetFileRejectsTraversal(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, err := s.handleGetFile(context.Background(), nil, GetFileInput{Path: "../outside.cs"})
	require.Error(t, err)
}

func TestHandleListFilesReturnsIndexedFile(t *testing.T) {
	s, _ := newTestServer(t)
	_, out, err := s.handleListFiles(context.Background(), nil, ListFilesInput{})
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	require.Equal(t, "Entity.cs", out.Files[0].Path)
}

func TestHandleCodebaseIndexedReturnsJSON(t *testing.T) {
	s, _ := newTestServer(t)
	result, err := s.handleCodebaseIndexed(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	require.Equal(t, "application/json", result.Contents[0].MIMEType)
}
