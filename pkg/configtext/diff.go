package configtext

import (
	"strings"
)

// Scope marks configuration a rendered fragment owns. Section is a prefix of
// a top-level line ("router ospf", "interface "); empty means top-level
// lines themselves. Lines are prefixes of the lines owned directly under the
// section (or at top level when Section is empty); no Lines means the whole
// section is owned.
type Scope struct {
	Section string   `yaml:"section,omitempty" json:"section,omitempty"`
	Lines   []string `yaml:"lines,omitempty" json:"lines,omitempty"`
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Owned reports whether the line at path falls inside any scope.
func Owned(scopes []Scope, path []string) bool {
	if len(path) == 0 {
		return false
	}
	for _, s := range scopes {
		if s.Section == "" {
			if len(path) == 1 && hasAnyPrefix(path[0], s.Lines) {
				return true
			}
			continue
		}
		if !strings.HasPrefix(path[0], s.Section) {
			continue
		}
		if len(s.Lines) == 0 {
			return true
		}
		if len(path) > 1 && hasAnyPrefix(path[1], s.Lines) {
			return true
		}
	}
	return false
}

// ScopedDiff returns the commands that converge current to target while
// leaving everything outside scopes untouched:
//
//   - target lines missing from current are added, with their context headers;
//   - current lines inside an owned scope and absent from target are removed
//     with "no <line>";
//   - a target line "no X" removes X if present and is otherwise satisfied.
//
// Only sections present in target are examined below top level. Within a
// context removals precede additions. The result is empty when current
// already matches target.
func ScopedDiff(current, target *Tree, scopes []Scope) []string {
	e := &emitter{}
	diffNodes(e, nil, &current.Root, &target.Root, scopes)
	return e.out
}

type emitter struct {
	out []string
	ctx []string
}

// emit writes line under context path, re-entering the context from the top
// whenever it differs from the last one written.
func (e *emitter) emit(path []string, line string) {
	if !samePath(path, e.ctx) {
		for i, h := range path {
			e.out = append(e.out, strings.Repeat(" ", i)+h)
		}
		e.ctx = append([]string(nil), path...)
	}
	e.out = append(e.out, strings.Repeat(" ", len(path))+line)
}

// emitTree writes n and all its descendants under path.
func (e *emitter) emitTree(path []string, n *Node) {
	e.emit(path, n.Line)
	if len(n.Children) == 0 {
		return
	}
	sub := append(append([]string(nil), path...), n.Line)
	e.ctx = sub
	for _, c := range n.Children {
		e.emitTree(sub, c)
	}
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diffNodes(e *emitter, path []string, cur, tgt *Node, scopes []Scope) {
	negated := map[string]bool{}
	wanted := map[string]bool{}
	for _, t := range tgt.Children {
		if rest, ok := strings.CutPrefix(t.Line, "no "); ok {
			negated[rest] = true
		} else {
			wanted[t.Line] = true
		}
	}

	for _, c := range cur.Children {
		if wanted[c.Line] || negated[c.Line] || strings.HasPrefix(c.Line, "no ") {
			continue
		}
		if Owned(scopes, append(append([]string(nil), path...), c.Line)) {
			e.emit(path, "no "+c.Line)
		}
	}

	for _, t := range tgt.Children {
		if rest, ok := strings.CutPrefix(t.Line, "no "); ok {
			if cur.child(rest) != nil {
				e.emit(path, t.Line)
			}
			continue
		}
		c := cur.child(t.Line)
		if c == nil {
			e.emitTree(path, t)
			continue
		}
		diffNodes(e, append(append([]string(nil), path...), t.Line), c, t, scopes)
	}
}
