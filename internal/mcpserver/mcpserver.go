// Package mcpserver exposes the indexer and retrieval services as a
// stdio JSON-RPC surface: four tools, two resources, two prompts.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mag-mcp/magserver/internal/indexer"
	"github.com/mag-mcp/magserver/internal/magerr"
	"github.com/mag-mcp/magserver/internal/retrieval"
)

// Info carries the values the indexed-codebase and stats resources report.
type Info struct {
	CodebaseRoot    string
	EmbeddingModel  string
	ChatModel       string
	ChunkSizeTokens int
	StorePersistDir string
}

// Server wraps an mcp.Server bound to a retrieval.Service and indexer.Indexer.
type Server struct {
	mcp       *mcp.Server
	retrieval *retrieval.Service
	indexer   *indexer.Indexer
	info      Info
	startedAt time.Time
}

// New builds and registers a Server; call Run to start serving.
func New(retrievalSvc *retrieval.Service, idx *indexer.Indexer, info Info) *Server {
	s := &Server{
		retrieval: retrievalSvc,
		indexer:   idx,
		info:      info,
		startedAt: time.Now(),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "mag-csharp-server", Version: "0.1.0"}, nil)
	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// Run serves JSON-RPC over stdio until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting mag MCP server", slog.String("codebase_root", s.info.CodebaseRoot))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		slog.Error("mcp server stopped with error", slog.String("error", err.Error()))
		return err
	}
	slog.Info("mcp server stopped")
	return nil
}

// --- tools ---

// SearchCodeInput is the input schema for the search_code tool.
type SearchCodeInput struct {
	Query      string `json:"query" jsonschema:"search query string"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results to return"`
	FilterType string `json:"filter_type,omitempty" jsonschema:"filter by code type: class, method, interface, property, struct, or all"`
}

// GetFileInput is the input schema for the get_file tool.
type GetFileInput struct {
	Path       string `json:"path" jsonschema:"relative path to file from the codebase root"`
	IncludeAST bool   `json:"include_ast,omitempty" jsonschema:"whether to include AST information"`
}

// ListFilesInput is the input schema for the list_files tool.
type ListFilesInput struct {
	Pattern    string `json:"pattern,omitempty" jsonschema:"optional gitwildmatch glob pattern to filter files"`
	TypeFilter string `json:"type_filter,omitempty" jsonschema:"filter by code type: class, interface, struct, or all"`
}

// ExplainSymbolInput is the input schema for the explain_symbol tool.
type ExplainSymbolInput struct {
	Symbol       string `json:"symbol" jsonschema:"symbol to explain, e.g. EntityManager.CreateEntity"`
	IncludeUsage bool   `json:"include_usage,omitempty" jsonschema:"whether to include usage examples"`
}

// SearchCodeOutput is the output schema for the search_code tool.
type SearchCodeOutput struct {
	Results []retrieval.SearchResult `json:"results"`
}

// ListFilesOutput is the output schema for the list_files tool.
type ListFilesOutput struct {
	Files []retrieval.FileInfo `json:"files"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_code",
		Description: "Search for code chunks semantically similar to the query.",
	}, s.handleSearchCode)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_file",
		Description: "Retrieve full file contents with an optional AST summary.",
	}, s.handleGetFile)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_files",
		Description: "List all indexed files with metadata.",
	}, s.handleListFiles)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "explain_symbol",
		Description: "Explain a symbol using retrieval-augmented generation over the indexed codebase.",
	}, s.handleExplainSymbol)
}

// Every handler below returns (nil, zero-output, err) on failure: the SDK
// renders a returned error as a tool-call error result over the wire, so
// a failed search_code or get_file never takes the connection down with
// it, only that one call.

func (s *Server) handleSearchCode(ctx context.Context, _ *mcp.CallToolRequest, in SearchCodeInput) (*mcp.CallToolResult, SearchCodeOutput, error) {
	if in.Query == "" {
		return nil, SearchCodeOutput{}, magerr.Config("query is required", nil)
	}
	results, err := s.retrieval.SearchCode(ctx, in.Query, in.MaxResults, in.FilterType)
	if err != nil {
		return nil, SearchCodeOutput{}, err
	}
	return nil, SearchCodeOutput{Results: results}, nil
}

func (s *Server) handleGetFile(ctx context.Context, _ *mcp.CallToolRequest, in GetFileInput) (*mcp.CallToolResult, retrieval.FileContent, error) {
	if in.Path == "" {
		return nil, retrieval.FileContent{}, magerr.Config("path is required", nil)
	}
	result, err := s.retrieval.GetFile(ctx, in.Path, in.IncludeAST)
	if err != nil {
		return nil, retrieval.FileContent{}, err
	}
	return nil, *result, nil
}

func (s *Server) handleListFiles(_ context.Context, _ *mcp.CallToolRequest, in ListFilesInput) (*mcp.CallToolResult, ListFilesOutput, error) {
	results := s.retrieval.ListFiles(in.Pattern, in.TypeFilter)
	return nil, ListFilesOutput{Files: results}, nil
}

func (s *Server) handleExplainSymbol(ctx context.Context, _ *mcp.CallToolRequest, in ExplainSymbolInput) (*mcp.CallToolResult, retrieval.SymbolExplanation, error) {
	if in.Symbol == "" {
		return nil, retrieval.SymbolExplanation{}, magerr.Config("symbol is required", nil)
	}
	result, err := s.retrieval.ExplainSymbol(ctx, in.Symbol, in.IncludeUsage)
	if err != nil {
		return nil, retrieval.SymbolExplanation{}, err
	}
	return nil, *result, nil
}

// --- resources ---

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         "codebase://indexed",
		Name:        "Indexed Codebase Summary",
		Description: "JSON summary of the indexed C# codebase",
		MIMEType:    "application/json",
	}, s.handleCodebaseIndexed)

	s.mcp.AddResource(&mcp.Resource{
		URI:         "codebase://stats",
		Name:        "Server Statistics",
		Description: "Real-time server and index statistics",
		MIMEType:    "application/json",
	}, s.handleStats)
}

func (s *Server) handleCodebaseIndexed(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	stats := s.indexer.CollectionStats()
	summary := map[string]any{
		"total_files":  stats.UniqueFilesSampled,
		"total_chunks": stats.TotalChunks,
		"languages":    []string{"csharp"},
		"index_stats": map[string]any{
			"code_types":   stats.CodeTypes,
			"total_chunks": stats.TotalChunks,
		},
		"last_updated": time.Now().Format(time.RFC3339),
	}
	return jsonResource("codebase://indexed", summary)
}

func (s *Server) handleStats(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	stats := s.indexer.CollectionStats()
	payload := map[string]any{
		"total_chunks":      stats.TotalChunks,
		"embedding_model":   s.info.EmbeddingModel,
		"llm_model":         s.info.ChatModel,
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"codebase_root":     s.info.CodebaseRoot,
		"chunk_size_tokens": s.info.ChunkSizeTokens,
		"vector_db_size_mb": vectorDBSizeMB(s.info.StorePersistDir),
	}
	return jsonResource("codebase://stats", payload)
}

// vectorDBSizeMB sums the size of every file under dir, matching the
// original_source stats resource's "sum of rglob file sizes" definition
// of on-disk vector store size. Returns 0 if dir does not exist.
func vectorDBSizeMB(dir string) float64 {
	if dir == "" {
		return 0
	}
	var total int64
	_ = filepath.Walk(dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi != nil && !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return round2(float64(total) / (1024 * 1024))
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

func jsonResource(uri string, payload any) (*mcp.ReadResourceResult, error) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, magerr.Store("failed to encode resource", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: "application/json", Text: string(body)},
		},
	}, nil
}

// --- prompts ---

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "code_review",
		Description: "Template for reviewing code changes",
		Arguments: []*mcp.PromptArgument{
			{Name: "file_path", Description: "Path to file being reviewed", Required: true},
			{Name: "change_description", Description: "Description of what changed", Required: true},
		},
	}, s.handleCodeReviewPrompt)

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "architecture_analysis",
		Description: "Template for analyzing system architecture",
		Arguments: []*mcp.PromptArgument{
			{Name: "namespace", Description: "Namespace to analyze, e.g. Game.Entities", Required: true},
		},
	}, s.handleArchitectureAnalysisPrompt)
}

func (s *Server) handleCodeReviewPrompt(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	filePath := req.Params.Arguments["file_path"]
	changeDescription := req.Params.Arguments["change_description"]

	text := fmt.Sprintf(`Review the following C# code change in %s:

Change: %s

Please use the `+"`search_code`"+` tool to:
1. Find related classes and methods in the codebase
2. Identify potential breaking changes
3. Check for style consistency with existing patterns

Then provide:
- **Architectural concerns**: how does this change fit into the overall design?
- **Performance implications**: are there any performance considerations?
- **Testing recommendations**: what tests should be added or updated?
- **Related code**: what other parts of the codebase might be affected?

Use the codebase context to provide specific, actionable feedback.
`, filePath, changeDescription)

	return promptResult(text), nil
}

func (s *Server) handleArchitectureAnalysisPrompt(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	namespace := req.Params.Arguments["namespace"]

	text := fmt.Sprintf(`Analyze the architecture of the %s namespace:

Please use the `+"`list_files`"+` and `+"`search_code`"+` tools to:
1. Identify core abstractions and key classes
2. Map dependencies between classes and components
3. Assess design pattern usage and architectural patterns
4. Evaluate separation of concerns and modularity

Then provide:
- **Component diagram** (mermaid syntax if possible)
- **Design patterns identified**
- **Architectural assessment**: strengths, concerns, scalability, maintainability
- **Dependencies**: key internal and external dependencies

Use the codebase context to provide a comprehensive architectural overview.
`, namespace)

	return promptResult(text), nil
}

func promptResult(text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{Text: text}},
		},
	}
}
