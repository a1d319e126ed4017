// Package parser walks a C# source file with a tree-sitter grammar and
// flattens it into typed CodeNodes: class, interface, struct, method,
// property, field — each annotated with namespace, enclosing container,
// line range, and any preceding /// doc-comment block.
package parser

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"

	"github.com/mag-mcp/magserver/internal/magerr"
)

// NodeType is the closed set of declaration kinds this parser emits.
type NodeType string

const (
	NodeClass     NodeType = "class"
	NodeInterface NodeType = "interface"
	NodeStruct    NodeType = "struct"
	NodeMethod    NodeType = "method"
	NodeProperty  NodeType = "property"
	NodeField     NodeType = "field"
)

// CodeNode is one flat, line-anchored declaration extracted from a file.
type CodeNode struct {
	Type       NodeType
	Name       string
	StartLine  int // 1-based, inclusive
	EndLine    int // 1-based, inclusive
	Code       string
	Docstring  string
	Parent     string // enclosing container name, "" if top-level
	Namespace  string // outermost namespace declaration, "" if none
	File       string
}

// Parser parses C# source into flat CodeNode lists.
type Parser struct {
	sp *sitter.Parser
}

// New creates a C# parser.
func New() *Parser {
	sp := sitter.NewParser()
	sp.SetLanguage(csharp.GetLanguage())
	return &Parser{sp: sp}
}

// Close releases tree-sitter resources.
func (p *Parser) Close() {
	if p.sp != nil {
		p.sp.Close()
	}
}

// ParseFile parses the given source bytes, tagging emitted nodes with file.
func (p *Parser) ParseFile(ctx context.Context, file string, source []byte) ([]CodeNode, error) {
	tree, err := p.sp.ParseCtx(ctx, nil, source)
	if err != nil || tree == nil {
		return nil, magerr.Parse("failed to parse "+file, err)
	}
	root := tree.RootNode()

	namespace := extractNamespace(root, source)

	var nodes []CodeNode
	walk(root, source, file, namespace, "", &nodes)
	return nodes, nil
}

func extractNamespace(root *sitter.Node, source []byte) string {
	var found string
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if found != "" || n == nil {
			return
		}
		if n.Type() == "namespace_declaration" {
			if q := findFirstChildOfType(n, "qualified_name"); q != nil {
				found = q.Content(source)
				return
			}
			if id := findFirstChildOfType(n, "identifier"); id != nil {
				found = id.Content(source)
				return
			}
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
			if found != "" {
				return
			}
		}
	}
	visit(root)
	return found
}

// walk performs the depth-first traversal described by the original
// implementation: class/interface/struct declarations emit a node AND
// recurse into their children with their own name as the new parent;
// method/constructor/property/field declarations emit a node without
// recursing further (methods don't nest containers); everything else
// recurses through transparently.
func walk(n *sitter.Node, source []byte, file, namespace, parent string, out *[]CodeNode) {
	if n == nil {
		return
	}

	switch n.Type() {
	case "class_declaration", "interface_declaration", "struct_declaration":
		name := childName(n, source)
		typ := NodeClass
		switch n.Type() {
		case "interface_declaration":
			typ = NodeInterface
		case "struct_declaration":
			typ = NodeStruct
		}
		*out = append(*out, buildNode(n, source, file, namespace, parent, typ, name))
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), source, file, namespace, name, out)
		}
		return

	case "method_declaration", "constructor_declaration":
		name := childName(n, source)
		*out = append(*out, buildNode(n, source, file, namespace, parent, NodeMethod, name))
		return

	case "property_declaration":
		name := childName(n, source)
		*out = append(*out, buildNode(n, source, file, namespace, parent, NodeProperty, name))
		return

	case "field_declaration":
		for _, decl := range findChildrenOfType(n, "variable_declaration") {
			for _, declarator := range findChildrenOfType(decl, "variable_declarator") {
				name := declarator.Content(source)
				if id := findFirstChildOfType(declarator, "identifier"); id != nil {
					name = id.Content(source)
				}
				*out = append(*out, buildNode(n, source, file, namespace, parent, NodeField, name))
			}
		}
		return

	default:
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), source, file, namespace, parent, out)
		}
	}
}

func buildNode(n *sitter.Node, source []byte, file, namespace, parent string, typ NodeType, name string) CodeNode {
	return CodeNode{
		Type:      typ,
		Name:      name,
		StartLine: int(n.StartPoint().Row) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
		Code:      n.Content(source),
		Docstring: extractDocstring(n, source),
		Parent:    parent,
		Namespace: namespace,
		File:      file,
	}
}

func childName(n *sitter.Node, source []byte) string {
	// The "name" field, not the first identifier: a method or property
	// whose type is a named type (e.g. "Entity CreateEntity()") has that
	// type identifier ahead of its own name.
	if id := n.ChildByFieldName("name"); id != nil {
		return id.Content(source)
	}
	if id := findFirstChildOfType(n, "identifier"); id != nil {
		return id.Content(source)
	}
	return ""
}

func findFirstChildOfType(n *sitter.Node, t string) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c != nil && c.Type() == t {
			return c
		}
	}
	return nil
}

func findChildrenOfType(n *sitter.Node, t string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c != nil && c.Type() == t {
			out = append(out, c)
		}
	}
	return out
}

// extractDocstring walks backward over preceding siblings collecting a
// contiguous run of "///" comments, transparently skipping attribute_list
// and modifier siblings, stopping at the first sibling that is neither.
func extractDocstring(n *sitter.Node, source []byte) string {
	var lines []string
	cur := n.PrevSibling()
	for cur != nil {
		switch cur.Type() {
		case "comment":
			text := strings.TrimSpace(cur.Content(source))
			if !strings.HasPrefix(text, "///") {
				return joinReverse(lines)
			}
			lines = append(lines, text)
			cur = cur.PrevSibling()
		case "attribute_list", "modifier":
			cur = cur.PrevSibling()
		default:
			return joinReverse(lines)
		}
	}
	return joinReverse(lines)
}

func joinReverse(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[len(lines)-1-i] = l
	}
	return strings.Join(out, "\n")
}
