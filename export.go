package difftree

import (
	"fmt"
	"strings"
)

type TreeNode struct {
	Key       Key    `json:"key"`
	Label     string `json:"label"`
	Kind      string `json:"kind"`
	Direction string `json:"direction,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

// TreeEdge means "Parent contains Child".
type TreeEdge struct {
	Parent Key `json:"parent"`
	Child  Key `json:"child"`
}

// Tree is a point-in-time copy of a diff tree, parents before children.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
	Edges []TreeEdge `json:"edges"`
}

// Snapshot copies the tree rooted at root.
func Snapshot(root *Node) Tree {
	var t Tree
	if root == nil {
		return t
	}
	for n := range root.Walk() {
		tn := TreeNode{
			Key:   n.Key(),
			Label: n.Label(),
			Kind:  n.Kind().String(),
			Dirty: n.IsDirty(),
		}
		if n.Direction() != DirNone {
			tn.Direction = n.Direction().String()
		}
		t.Nodes = append(t.Nodes, tn)
		if p := n.Parent(); p != nil {
			t.Edges = append(t.Edges, TreeEdge{Parent: p.Key(), Child: n.Key()})
		}
	}
	return t
}

// Snapshot copies the current tree. It must not race with a batch.
func (s *Synchronizer) Snapshot() Tree {
	return Snapshot(s.Root())
}

// Text renders the tree as an indented outline.
func (t Tree) Text() string {
	depth := make(map[Key]int, len(t.Nodes))
	for _, e := range t.Edges {
		depth[e.Child] = depth[e.Parent] + 1
	}
	var b strings.Builder
	for _, n := range t.Nodes {
		b.WriteString(strings.Repeat("  ", depth[n.Key]))
		b.WriteString(n.Label)
		if n.Kind != KindNone.String() {
			b.WriteString(" (" + n.Kind + ")")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// DOT exports Graphviz DOT text.
func (t Tree) DOT() string {
	var b strings.Builder
	b.WriteString("digraph difftree {\n")
	b.WriteString("  rankdir=LR;\n")

	aliases := make(map[Key]string, len(t.Nodes))
	for i, n := range t.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.Key] = alias
		label := escapeDOT(n.Label)
		if n.Kind != KindNone.String() {
			label = label + "\\n(" + n.Kind + ")"
		}
		style := ""
		if n.Dirty {
			style = ", style=dashed"
		}
		b.WriteString(fmt.Sprintf("  %s [label=\"%s\"%s];\n", alias, label, style))
	}
	for _, e := range t.Edges {
		from, okFrom := aliases[e.Parent]
		to, okTo := aliases[e.Child]
		if !okFrom || !okTo {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s -> %s;\n", from, to))
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (t Tree) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	aliases := make(map[Key]string, len(t.Nodes))
	for i, n := range t.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.Key] = alias
		label := escapeMermaid(n.Label)
		if n.Kind != KindNone.String() {
			label = label + "<br/>(" + n.Kind + ")"
		}
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", alias, label))
	}
	for _, e := range t.Edges {
		from, okFrom := aliases[e.Parent]
		to, okTo := aliases[e.Child]
		if !okFrom || !okTo {
			continue
		}
		b.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
	}
	return b.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "#quot;")
}
