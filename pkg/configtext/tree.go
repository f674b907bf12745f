// Package configtext models IOS-style configuration text as a tree of lines
// nested by indentation, and computes scoped diffs between two such trees.
package configtext

import (
	"strings"
)

// Node is one configuration line and the lines nested under it.
type Node struct {
	Line     string
	Children []*Node
}

// Tree is a parsed configuration. The root carries no line.
type Tree struct {
	Root Node
}

// noise lines carry no configuration state.
var (
	noiseExact    = map[string]bool{"end": true, "exit": true}
	noisePrefixes = []string{
		"!", "exit-", "Building configuration", "Current configuration",
		"Last configuration change", "NVRAM config last updated",
	}
)

func isNoise(line string) bool {
	if line == "" || noiseExact[line] {
		return true
	}
	for _, p := range noisePrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// normalize collapses runs of whitespace so "ip  address" matches "ip address".
func normalize(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

func indentOf(raw string) int {
	n := 0
	for n < len(raw) && (raw[n] == ' ' || raw[n] == '\t') {
		n++
	}
	return n
}

type frame struct {
	node   *Node
	indent int
}

// Parse builds a tree from configuration text. A line indented deeper than
// the previous one nests under it.
func Parse(text string) *Tree {
	return ParseLines(strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"))
}

// ParseLines is Parse over pre-split lines.
func ParseLines(lines []string) *Tree {
	t := &Tree{}
	stack := []frame{{node: &t.Root, indent: -1}}
	for _, raw := range lines {
		line := normalize(raw)
		if isNoise(line) {
			continue
		}
		indent := indentOf(raw)
		for len(stack) > 1 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1].node
		// Repeated sections (two fragments both opening "router bgp") merge.
		n := parent.child(line)
		if n == nil {
			n = &Node{Line: line}
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, frame{node: n, indent: indent})
	}
	return t
}

// Lines renders the tree back to text lines, one space of indentation per
// level.
func (t *Tree) Lines() []string {
	var out []string
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			out = append(out, strings.Repeat(" ", depth)+n.Line)
			walk(n.Children, depth+1)
		}
	}
	walk(t.Root.Children, 0)
	return out
}

// String renders the tree as text.
func (t *Tree) String() string {
	lines := t.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	c := &Tree{}
	c.Root.Children = cloneNodes(t.Root.Children)
	return c
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = &Node{Line: n.Line, Children: cloneNodes(n.Children)}
	}
	return out
}

// Find returns the node reached by following path from the root.
func (t *Tree) Find(path ...string) *Node {
	cur := &t.Root
	for _, p := range path {
		cur = cur.child(normalize(p))
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Sections returns a tree holding only the top-level nodes whose line is in
// headers. Used for before/after excerpts.
func (t *Tree) Sections(headers []string) *Tree {
	want := make(map[string]bool, len(headers))
	for _, h := range headers {
		want[normalize(h)] = true
	}
	out := &Tree{}
	for _, n := range t.Root.Children {
		if want[n.Line] {
			out.Root.Children = append(out.Root.Children, &Node{Line: n.Line, Children: cloneNodes(n.Children)})
		}
	}
	return out
}

// TopLevel returns the top-level lines of the tree.
func (t *Tree) TopLevel() []string {
	out := make([]string, len(t.Root.Children))
	for i, n := range t.Root.Children {
		out[i] = n.Line
	}
	return out
}

func (n *Node) child(line string) *Node {
	for _, c := range n.Children {
		if c.Line == line {
			return c
		}
	}
	return nil
}

func (n *Node) removeChild(target *Node) {
	for i, c := range n.Children {
		if c == target {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}
