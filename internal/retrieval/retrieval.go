// Package retrieval implements the read-side operations exposed to
// clients: semantic search, file retrieval, file listing, and
// RAG-backed symbol explanation.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mag-mcp/magserver/internal/embed"
	"github.com/mag-mcp/magserver/internal/gitignore"
	"github.com/mag-mcp/magserver/internal/magerr"
	"github.com/mag-mcp/magserver/internal/parser"
	"github.com/mag-mcp/magserver/internal/store"
)

// SearchResult is one ranked hit from SearchCode.
type SearchResult struct {
	Content         string  `json:"content"`
	File            string  `json:"file"`
	Lines           [2]int  `json:"lines"`
	Type            string  `json:"type"`
	Name            string  `json:"name"`
	Hierarchy       string  `json:"hierarchy"`
	RelevanceScore  float64 `json:"relevance_score"`
}

// FileContent is the result of GetFile.
type FileContent struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	LineCount int       `json:"line_count"`
	AST       []ASTNode `json:"ast,omitempty"`
	ASTError  string    `json:"ast_error,omitempty"`
}

// ASTNode is a simplified view of a parser.CodeNode for client consumption.
type ASTNode struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Parent        string `json:"parent"`
	Namespace     string `json:"namespace"`
	HasDocstring  bool   `json:"has_docstring"`
}

// FileInfo is one entry from ListFiles.
type FileInfo struct {
	Path       string   `json:"path"`
	Symbols    []string `json:"symbols"`
	Types      []string `json:"types"`
	LineCount  int      `json:"line_count"`
	ChunkCount int      `json:"chunk_count"`
}

// SymbolExplanation is the result of ExplainSymbol.
type SymbolExplanation struct {
	Symbol             string     `json:"symbol"`
	Explanation        string     `json:"explanation"`
	DefinitionLocation *Location  `json:"definition_location,omitempty"`
	UsageExamples      []Location `json:"usage_examples,omitempty"`
}

// Location points at a file/line.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Config bounds retrieval behavior.
type Config struct {
	CodebaseRoot       string
	DefaultMaxResults  int
	SimilarityThreshold float64
}

// Service answers read-side queries against a store and embedding client.
type Service struct {
	cfg      Config
	store    *store.Store
	embedder *embed.Client
}

// New builds a Service.
func New(cfg Config, vectorStore *store.Store, embedder *embed.Client) *Service {
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 10
	}
	return &Service{cfg: cfg, store: vectorStore, embedder: embedder}
}

// SearchCode finds code chunks semantically similar to query, optionally
// restricted to a single code type ("class", "method", "interface",
// "property", "struct", "field", or "" / "all" for unrestricted).
func (s *Service) SearchCode(ctx context.Context, query string, maxResults int, filterType string) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = s.cfg.DefaultMaxResults
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	queryVec := toFloat32(embedding)

	var where map[string]any
	if filterType != "" && filterType != "all" {
		where = map[string]any{"type": filterType}
	}

	hits, err := s.store.Search(ctx, queryVec, maxResults, where)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		relevance := normalizeScore(float64(h.Score))
		if relevance < s.cfg.SimilarityThreshold {
			continue
		}
		results = append(results, SearchResult{
			Content:        h.Document,
			File:           stringField(h.Payload, "file"),
			Lines:          lineField(h.Payload),
			Type:           stringField(h.Payload, "type"),
			Name:           stringField(h.Payload, "name"),
			Hierarchy:      stringField(h.Payload, "hierarchy"),
			RelevanceScore: round2(relevance),
		})
	}
	return results, nil
}

// GetFile returns a file's full contents, relative to the codebase root,
// optionally with a simplified AST. Any path that does not resolve to a
// subpath of the codebase root is rejected as a SecurityError.
func (s *Service) GetFile(ctx context.Context, relPath string, includeAST bool) (*FileContent, error) {
	if !isValidRelativePath(relPath) {
		return nil, magerr.Security(fmt.Sprintf("path %q is outside the codebase root", relPath))
	}

	abs := filepath.Join(s.cfg.CodebaseRoot, relPath)
	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, magerr.NotFound("file not found: " + relPath)
		}
		return nil, magerr.Store("failed to read file "+relPath, err)
	}

	result := &FileContent{
		Path:      relPath,
		Content:   string(content),
		Language:  "csharp",
		LineCount: strings.Count(string(content), "\n") + 1,
	}

	if includeAST {
		p := parser.New()
		defer p.Close()
		nodes, err := p.ParseFile(ctx, relPath, content)
		if err != nil {
			result.ASTError = err.Error()
			return result, nil
		}
		ast := make([]ASTNode, 0, len(nodes))
		for _, n := range nodes {
			ast = append(ast, ASTNode{
				Type: string(n.Type), Name: n.Name,
				StartLine: n.StartLine, EndLine: n.EndLine,
				Parent: n.Parent, Namespace: n.Namespace,
				HasDocstring: n.Docstring != "",
			})
		}
		result.AST = ast
	}

	return result, nil
}

// ListFiles lists indexed files, optionally filtered by a gitwildmatch
// glob pattern and/or a code type.
func (s *Service) ListFiles(pattern, typeFilter string) []FileInfo {
	files := s.store.ListFiles(1000)

	if pattern != "" {
		matcher := gitignore.FromLines([]string{pattern})
		filtered := files[:0]
		for _, f := range files {
			if matcher.Match(f, false) {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	var out []FileInfo
	for _, f := range files {
		points := s.store.Scroll(map[string]any{"file": f}, 100)
		if len(points) == 0 {
			continue
		}

		symbols := map[string]struct{}{}
		types := map[string]struct{}{}
		for _, p := range points {
			if name, ok := p.Payload["name"].(string); ok && name != "" {
				symbols[name] = struct{}{}
			}
			if t, ok := p.Payload["type"].(string); ok && t != "" {
				types[t] = struct{}{}
			}
		}

		if typeFilter != "" && typeFilter != "all" {
			if _, ok := types[typeFilter]; !ok {
				continue
			}
		}

		lineCount := 0
		if abs := filepath.Join(s.cfg.CodebaseRoot, f); fileExists(abs) {
			if content, err := os.ReadFile(abs); err == nil {
				lineCount = strings.Count(string(content), "\n") + 1
			}
		}

		out = append(out, FileInfo{
			Path:       f,
			Symbols:    sortedKeys(symbols),
			Types:      sortedKeys(types),
			LineCount:  lineCount,
			ChunkCount: len(points),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ExplainSymbol finds a symbol's definition and usage sites, asks the
// chat model to explain it, and returns the explanation with locations.
func (s *Service) ExplainSymbol(ctx context.Context, symbol string, includeUsage bool) (*SymbolExplanation, error) {
	parts := strings.Split(symbol, ".")
	symbolName := parts[len(parts)-1]
	var parentName string
	if len(parts) > 1 {
		parentName = parts[len(parts)-2]
	}

	defEmbedding, err := s.embedder.Embed(ctx, symbol+" definition")
	if err != nil {
		return nil, err
	}

	var where map[string]any
	if parentName != "" {
		where = map[string]any{"name": symbolName, "parent": parentName}
	}
	defHits, err := s.store.Search(ctx, toFloat32(defEmbedding), 5, where)
	if err != nil {
		return nil, err
	}

	var definitionChunk string
	var definitionID string
	var location *Location
	if len(defHits) > 0 {
		best := defHits[0]
		definitionChunk = best.Document
		definitionID = best.ChunkID
		location = &Location{File: stringField(best.Payload, "file"), Line: lineField(best.Payload)[0]}
	}

	var usageExamples []Location
	if includeUsage {
		usageEmbedding, err := s.embedder.Embed(ctx, symbolName+" usage example")
		if err != nil {
			return nil, err
		}
		usageHits, err := s.store.Search(ctx, toFloat32(usageEmbedding), 5, nil)
		if err != nil {
			return nil, err
		}
		for _, h := range usageHits {
			if h.ChunkID == definitionID {
				continue
			}
			if !strings.Contains(h.Document, symbolName) {
				continue
			}
			usageExamples = append(usageExamples, Location{File: stringField(h.Payload, "file"), Line: lineField(h.Payload)[0]})
			if len(usageExamples) >= 3 {
				break
			}
		}
	}

	var explanation string
	if definitionChunk != "" {
		var ragContext strings.Builder
		ragContext.WriteString("# Symbol Definition\n" + definitionChunk + "\n")
		if len(usageExamples) > 0 {
			ragContext.WriteString(fmt.Sprintf("# Found %d usage examples\n", len(usageExamples)))
		}
		explanation, err = s.embedder.Chat(ctx, ragContext.String(), fmt.Sprintf("Explain the symbol %q in detail.", symbol), 0.2, 512)
		if err != nil {
			return nil, err
		}
	} else {
		explanation = fmt.Sprintf("Symbol %q not found in the indexed codebase.", symbol)
	}

	result := &SymbolExplanation{
		Symbol:             symbol,
		Explanation:        explanation,
		DefinitionLocation: location,
	}
	if includeUsage {
		result.UsageExamples = usageExamples
	}
	return result, nil
}

func isValidRelativePath(path string) bool {
	if path == "" {
		return false
	}
	if filepath.IsAbs(path) {
		return false
	}
	if len(path) >= 2 && path[1] == ':' { // Windows drive letter
		return false
	}
	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return false
	}
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func lineField(payload map[string]any) [2]int {
	start, _ := payload["start_line"].(int)
	end, _ := payload["end_line"].(int)
	return [2]int{start, end}
}

// normalizeScore maps a cosine similarity in [-1, 1] onto the
// [0, 1] range search_code's relevance_score is documented to report.
func normalizeScore(cosine float64) float64 {
	score := (cosine + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
