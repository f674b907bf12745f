package configtext

import "strings"

// Apply replays configuration-mode commands onto t the way a CLI would:
// indentation selects the context, a plain line creates or enters a node,
// and "no <line>" removes the matching node. "no X" also removes lines of
// the form "X ..." when no exact match exists, mirroring commands such as
// "no ip address".
func Apply(t *Tree, commands []string) {
	stack := []*Node{&t.Root}
	for _, raw := range commands {
		line := normalize(raw)
		if isNoise(line) {
			continue
		}
		depth := indentOf(raw)
		if depth > len(stack)-1 {
			depth = len(stack) - 1
		}
		stack = stack[:depth+1]
		parent := stack[depth]

		if rest, ok := strings.CutPrefix(line, "no "); ok {
			removeLine(parent, rest)
			continue
		}

		n := parent.child(line)
		if n == nil {
			if neg := parent.child("no " + line); neg != nil {
				parent.removeChild(neg)
			}
			n = &Node{Line: line}
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, n)
	}
}

func removeLine(parent *Node, line string) {
	if n := parent.child(line); n != nil {
		parent.removeChild(n)
		return
	}
	kept := parent.Children[:0]
	for _, c := range parent.Children {
		if !strings.HasPrefix(c.Line, line+" ") {
			kept = append(kept, c)
		}
	}
	parent.Children = kept
}
