// Package chunker turns parser.CodeNodes into embedding-ready Chunks: a
// context header (file, hierarchy, docstring) plus code body, kept under a
// hard token budget via signature-only extraction for oversized containers
// and a sliding-window line split for everything else.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mag-mcp/magserver/internal/parser"
)

// Tokenizer counts tokens in a string. The default estimator (len/4) is
// used when no cl100k-family tokenizer is wired in.
type Tokenizer interface {
	Count(text string) int
}

// EstimatingTokenizer approximates token count as ceil(len(text)/4), the
// fallback this domain has always used when a real BPE tokenizer isn't
// available.
type EstimatingTokenizer struct{}

func (EstimatingTokenizer) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Metadata is the structured payload every Chunk carries, matching the
// store's payload conventions.
type Metadata struct {
	File      string
	Lines     [2]int
	Type      string
	Name      string
	Hierarchy string
	Parent    string
	Namespace string
}

// Chunk is one embedding-ready unit of text with its structured metadata.
type Chunk struct {
	ID         string
	Content    string
	TokenCount int
	Metadata   Metadata
}

// Config bounds chunk size.
type Config struct {
	ChunkSizeTokens   int
	ChunkOverlapTokens int
	Tokenizer         Tokenizer
}

// Chunker turns CodeNodes into Chunks.
type Chunker struct {
	cfg Config
}

// New builds a Chunker, defaulting to EstimatingTokenizer when none is given.
func New(cfg Config) *Chunker {
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = EstimatingTokenizer{}
	}
	return &Chunker{cfg: cfg}
}

// ChunkNodes chunks every node, in node order.
func (c *Chunker) ChunkNodes(nodes []parser.CodeNode) []Chunk {
	var out []Chunk
	for _, n := range nodes {
		out = append(out, c.chunkNode(n)...)
	}
	return out
}

func (c *Chunker) chunkNode(n parser.CodeNode) []Chunk {
	header := buildContextHeader(n)
	full := combine(header, n.Code)

	if c.cfg.Tokenizer.Count(full) <= c.cfg.ChunkSizeTokens {
		return []Chunk{c.newChunk(n, full)}
	}
	return c.splitLargeNode(n, header)
}

func (c *Chunker) splitLargeNode(n parser.CodeNode, header string) []Chunk {
	switch n.Type {
	case parser.NodeClass, parser.NodeInterface, parser.NodeStruct:
		sig := extractSignature(n.Code)
		combined := combine(header, sig)
		if c.cfg.Tokenizer.Count(combined) <= c.cfg.ChunkSizeTokens {
			return []Chunk{c.newChunk(n, combined)}
		}
		return c.slidingWindow(n, header)
	default:
		return c.slidingWindow(n, header)
	}
}

// slidingWindow applies a line-oriented window over the node's code,
// shrinking the window until it fits the budget and advancing by
// window-overlap_lines each step. est_lines_per_chunk and overlap_lines
// mirror chunk_size/6 and overlap/6: a heuristic, not a precise token
// count, refined by shrinking.
func (c *Chunker) slidingWindow(n parser.CodeNode, header string) []Chunk {
	lines := strings.Split(n.Code, "\n")
	estLinesPerChunk := c.cfg.ChunkSizeTokens / 6
	if estLinesPerChunk < 5 {
		estLinesPerChunk = 5
	}
	overlapLines := c.cfg.ChunkOverlapTokens / 6
	if overlapLines < 1 {
		overlapLines = 1
	}

	var out []Chunk
	startIdx := 0
	for startIdx < len(lines) {
		chunkLines := estLinesPerChunk
		endIdx := minInt(startIdx+chunkLines, len(lines))

		bottomedOut := false
		for {
			content := strings.Join(lines[startIdx:endIdx], "\n")
			if c.cfg.Tokenizer.Count(combine(header, content)) <= c.cfg.ChunkSizeTokens {
				out = append(out, c.newChunk(n, combine(header, content)))
				break
			}
			if endIdx-startIdx <= 1 {
				// Header alone already exceeds the budget; emit the single
				// remaining line oversized rather than loop forever.
				out = append(out, c.newChunk(n, combine(header, content)))
				bottomedOut = true
				break
			}
			endIdx--
		}

		if endIdx >= len(lines) {
			break
		}

		// The window must always advance past the line(s) just emitted,
		// whether it bottomed out or shrank to fit within budget normally.
		next := endIdx - overlapLines
		if bottomedOut || next <= startIdx {
			next = endIdx
		}
		startIdx = next
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Chunker) newChunk(n parser.CodeNode, content string) Chunk {
	hierarchy := buildHierarchy(n.Namespace, n.Parent, n.Name)
	meta := Metadata{
		File:      n.File,
		Lines:     [2]int{n.StartLine, n.EndLine},
		Type:      string(n.Type),
		Name:      n.Name,
		Hierarchy: hierarchy,
		Parent:    n.Parent,
		Namespace: n.Namespace,
	}
	return Chunk{
		ID:         ChunkID(n.File, content),
		Content:    content,
		TokenCount: c.cfg.Tokenizer.Count(content),
		Metadata:   meta,
	}
}

// buildContextHeader builds the "// File: ... // Hierarchy: ... docstring"
// preamble, omitting any part whose source value is absent.
func buildContextHeader(n parser.CodeNode) string {
	var lines []string
	if n.File != "" {
		lines = append(lines, "// File: "+n.File)
	}
	hierarchy := buildHierarchy(n.Namespace, n.Parent, n.Name)
	if hierarchy != "" {
		lines = append(lines, "// Hierarchy: "+hierarchy)
	}
	if n.Docstring != "" {
		lines = append(lines, n.Docstring)
	}
	return strings.Join(lines, "\n")
}

// buildHierarchy joins namespace, parent, and name with ".", omitting any
// absent component.
func buildHierarchy(namespace, parentName, name string) string {
	var parts []string
	if namespace != "" {
		parts = append(parts, namespace)
	}
	if parentName != "" {
		parts = append(parts, parentName)
	}
	if name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, ".")
}

func combine(header, code string) string {
	if header == "" {
		return code
	}
	return header + "\n" + code
}

// ChunkID is a stable function of (file_path, content): identical content
// at the same path always yields the same id.
func ChunkID(filePath, content string) string {
	sum := sha256.Sum256([]byte(filePath + ":" + content))
	return "chunk_" + hex.EncodeToString(sum[:])[:16]
}

var methodSignaturePrefixes = []string{
	"void ", "int ", "string ", "public ", "private ", "protected ",
	"bool ", "double ", "float ", "static ", "async ", "Task ",
}

// extractSignature keeps declaration, field, and method-signature lines of
// a container's code, replacing method bodies with a single omission
// marker. It is a line-oriented brace-counting heuristic: pathological
// formatting (braces inside string literals) is out of scope, as for any
// indexer operating on raw text rather than a full parse.
func extractSignature(code string) string {
	lines := strings.Split(code, "\n")
	var out []string

	braceCount := 0
	inMethod := false
	prevLineWasMethodSignature := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if !inMethod && looksLikeMethodSignature(trimmed) {
			out = append(out, line)
			prevLineWasMethodSignature = true
			continue
		}

		if prevLineWasMethodSignature && strings.Contains(trimmed, "{") {
			inMethod = true
			braceCount = strings.Count(line, "{") - strings.Count(line, "}")
			prevLineWasMethodSignature = false
			continue
		}
		prevLineWasMethodSignature = false

		if inMethod {
			braceCount += strings.Count(line, "{") - strings.Count(line, "}")
			if braceCount <= 0 && strings.Contains(trimmed, "}") {
				out = append(out, "    // ... method body omitted ...")
				out = append(out, line)
				inMethod = false
			}
			continue
		}

		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

func looksLikeMethodSignature(line string) bool {
	if !strings.Contains(line, "(") || !strings.Contains(line, ")") || strings.Contains(line, "{") {
		return false
	}
	for _, kw := range methodSignaturePrefixes {
		if strings.Contains(line, kw) {
			return true
		}
	}
	return false
}

// String renders the metadata as "file:start-end (type hierarchy)", for
// callers that need just the metadata string form without a full chunk.
func (m Metadata) String() string {
	return fmt.Sprintf("%s:%d-%d (%s %s)", m.File, m.Lines[0], m.Lines[1], m.Type, m.Hierarchy)
}
