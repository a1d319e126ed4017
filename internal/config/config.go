// Package config loads mag's process-wide configuration: hardcoded
// defaults overridden by an optional YAML file and then by MAG_-prefixed
// environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mag-mcp/magserver/internal/magerr"
)

// Config is the complete mag configuration, mirroring the schema in
// section 6 of the specification.
type Config struct {
	Ollama   OllamaConfig   `yaml:"ollama"`
	Codebase CodebaseConfig `yaml:"codebase"`
	Store    StoreConfig    `yaml:"store"`
	Indexing IndexingConfig `yaml:"indexing"`
	Search   SearchConfig   `yaml:"search"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// OllamaConfig configures the embeddings/chat backend.
type OllamaConfig struct {
	Host           string `yaml:"host"`
	EmbeddingModel string `yaml:"embedding_model"`
	LLMModel       string `yaml:"llm_model"`
}

// CodebaseConfig locates the C# tree to index.
type CodebaseConfig struct {
	Root string `yaml:"root"`
}

// StoreConfig configures the persistent vector store.
type StoreConfig struct {
	PersistDir     string `yaml:"persist_dir"`
	CollectionName string `yaml:"collection_name"`
}

// IndexingConfig bounds chunking and worker concurrency.
type IndexingConfig struct {
	ChunkSizeTokens    int      `yaml:"chunk_size_tokens"`
	ChunkOverlapTokens int      `yaml:"chunk_overlap_tokens"`
	MaxWorkers         int      `yaml:"max_workers"`
	FileExtensions     []string `yaml:"file_extensions"`
	ExcludePatterns    []string `yaml:"exclude_patterns"`
}

// SearchConfig bounds retrieval defaults.
type SearchConfig struct {
	DefaultSearchResults int     `yaml:"default_search_results"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `yaml:"log_level"`
}

var defaultExcludePatterns = []string{
	"**/obj/**",
	"**/bin/**",
	"**/packages/**",
	"**/.vs/**",
}

// New returns a Config populated with the defaults from section 6 of
// the specification.
func New() *Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return &Config{
		Ollama: OllamaConfig{
			Host:           "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
			LLMModel:       "codestral",
		},
		Codebase: CodebaseConfig{
			Root: root,
		},
		Store: StoreConfig{
			PersistDir:     "./data/chroma",
			CollectionName: "csharp_codebase",
		},
		Indexing: IndexingConfig{
			ChunkSizeTokens:    512,
			ChunkOverlapTokens: 50,
			MaxWorkers:         4,
			FileExtensions:     []string{".cs"},
			ExcludePatterns:    append([]string(nil), defaultExcludePatterns...),
		},
		Search: SearchConfig{
			DefaultSearchResults: 5,
			SimilarityThreshold:  0.7,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file at path (if
// path is non-empty and the file exists), and MAG_-prefixed environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, magerr.Config("failed to stat config file "+path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return magerr.Config("failed to read config file "+path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return magerr.Config("failed to parse config file "+path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields from other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.Ollama.Host != "" {
		c.Ollama.Host = other.Ollama.Host
	}
	if other.Ollama.EmbeddingModel != "" {
		c.Ollama.EmbeddingModel = other.Ollama.EmbeddingModel
	}
	if other.Ollama.LLMModel != "" {
		c.Ollama.LLMModel = other.Ollama.LLMModel
	}
	if other.Codebase.Root != "" {
		c.Codebase.Root = other.Codebase.Root
	}
	if other.Store.PersistDir != "" {
		c.Store.PersistDir = other.Store.PersistDir
	}
	if other.Store.CollectionName != "" {
		c.Store.CollectionName = other.Store.CollectionName
	}
	if other.Indexing.ChunkSizeTokens != 0 {
		c.Indexing.ChunkSizeTokens = other.Indexing.ChunkSizeTokens
	}
	if other.Indexing.ChunkOverlapTokens != 0 {
		c.Indexing.ChunkOverlapTokens = other.Indexing.ChunkOverlapTokens
	}
	if other.Indexing.MaxWorkers != 0 {
		c.Indexing.MaxWorkers = other.Indexing.MaxWorkers
	}
	if len(other.Indexing.FileExtensions) > 0 {
		c.Indexing.FileExtensions = other.Indexing.FileExtensions
	}
	if len(other.Indexing.ExcludePatterns) > 0 {
		c.Indexing.ExcludePatterns = other.Indexing.ExcludePatterns
	}
	if other.Search.DefaultSearchResults != 0 {
		c.Search.DefaultSearchResults = other.Search.DefaultSearchResults
	}
	if other.Search.SimilarityThreshold != 0 {
		c.Search.SimilarityThreshold = other.Search.SimilarityThreshold
	}
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
}

// applyEnvOverrides applies MAG_-prefixed environment variable overrides,
// the highest-precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MAG_OLLAMA_HOST"); v != "" {
		c.Ollama.Host = v
	}
	if v := os.Getenv("MAG_EMBEDDING_MODEL"); v != "" {
		c.Ollama.EmbeddingModel = v
	}
	if v := os.Getenv("MAG_LLM_MODEL"); v != "" {
		c.Ollama.LLMModel = v
	}
	if v := os.Getenv("MAG_CODEBASE_ROOT"); v != "" {
		c.Codebase.Root = v
	}
	if v := os.Getenv("MAG_CHROMA_PERSIST_DIR"); v != "" {
		c.Store.PersistDir = v
	}
	if v := os.Getenv("MAG_CHROMA_COLLECTION_NAME"); v != "" {
		c.Store.CollectionName = v
	}
	if v := os.Getenv("MAG_CHUNK_SIZE_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Indexing.ChunkSizeTokens = n
		}
	}
	if v := os.Getenv("MAG_CHUNK_OVERLAP_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Indexing.ChunkOverlapTokens = n
		}
	}
	if v := os.Getenv("MAG_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Indexing.MaxWorkers = n
		}
	}
	if v := os.Getenv("MAG_DEFAULT_SEARCH_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.DefaultSearchResults = n
		}
	}
	if v := os.Getenv("MAG_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("MAG_FILE_EXTENSIONS"); v != "" {
		c.Indexing.FileExtensions = splitList(v)
	}
	if v := os.Getenv("MAG_EXCLUDE_PATTERNS"); v != "" {
		c.Indexing.ExcludePatterns = splitList(v)
	}
	if v := os.Getenv("MAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces the ranges section 6 of the specification assigns
// to each field. Out-of-range values are a ConfigError, fatal at startup.
func (c *Config) Validate() error {
	if c.Codebase.Root == "" {
		return magerr.Config("codebase.root must not be empty", nil)
	}
	if info, err := os.Stat(c.Codebase.Root); err != nil || !info.IsDir() {
		return magerr.Config(fmt.Sprintf("codebase root %q does not exist", c.Codebase.Root), err)
	}
	if c.Indexing.ChunkSizeTokens <= 0 || c.Indexing.ChunkSizeTokens > 2048 {
		return magerr.Config(fmt.Sprintf("chunk_size_tokens must be in (0, 2048], got %d", c.Indexing.ChunkSizeTokens), nil)
	}
	if c.Indexing.ChunkOverlapTokens < 0 {
		return magerr.Config(fmt.Sprintf("chunk_overlap_tokens must be >= 0, got %d", c.Indexing.ChunkOverlapTokens), nil)
	}
	if c.Indexing.MaxWorkers <= 0 || c.Indexing.MaxWorkers > 32 {
		return magerr.Config(fmt.Sprintf("max_workers must be in [1, 32], got %d", c.Indexing.MaxWorkers), nil)
	}
	if c.Search.DefaultSearchResults <= 0 || c.Search.DefaultSearchResults > 50 {
		return magerr.Config(fmt.Sprintf("default_search_results must be in [1, 50], got %d", c.Search.DefaultSearchResults), nil)
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return magerr.Config(fmt.Sprintf("similarity_threshold must be in [0, 1], got %f", c.Search.SimilarityThreshold), nil)
	}
	if len(c.Indexing.FileExtensions) == 0 {
		return magerr.Config("file_extensions must not be empty", nil)
	}
	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true}
	if !validLevels[strings.ToUpper(c.Logging.Level)] {
		return magerr.Config(fmt.Sprintf("log_level must be DEBUG, INFO, WARNING, ERROR, or CRITICAL, got %s", c.Logging.Level), nil)
	}
	return nil
}

var (
	mu       sync.Mutex
	instance *Config
)

// Get returns the process-wide Config, loading it from path on first
// call and memoizing the result. Subsequent calls ignore path.
func Get(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		cfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		instance = cfg
	}
	return instance, nil
}

// Reset clears the memoized singleton so the next Get call reloads it.
// Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}

// EnsureDirs creates the store persist directory if it does not exist,
// mirroring the post-init directory bootstrap of the original settings
// loader.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Store.PersistDir, 0o755); err != nil {
		return magerr.Config("failed to create store persist dir "+c.Store.PersistDir, err)
	}
	return nil
}

// StorePath returns the path Save/Load should use for the persisted
// vector store, derived from PersistDir and CollectionName.
func (c *Config) StorePath() string {
	return filepath.Join(c.Store.PersistDir, c.Store.CollectionName+".hnsw")
}
