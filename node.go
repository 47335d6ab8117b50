package difftree

import (
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
)

const noName = "<no name>"

// Node is one element of the diff tree: either a leaf difference or a
// container grouping other nodes.
//
// Nodes built by a Synchronizer preserve their identity: once a node has
// resolved an identity or name it keeps reporting it, even if a later
// refresh leaves all of its elements unresolved. Only removal from the tree
// drops it. While dirty, Name reports the decorated last known name.
//
// A node is mutated in place when its backing entry changes, so references
// held by a presenter stay valid across batches.
type Node struct {
	key      Key
	parent   *Node
	children []*Node

	kind      Kind
	direction Direction
	ancestor  Element
	left      Element
	right     Element

	// Identity preservation state.
	preserve     bool
	lastIdentity Element
	lastName     string
	dirty        atomic.Bool
	removed      bool

	host *host
}

// NewNode returns a detached node that does not preserve identity.
// It is useful to presenters and tests that need a plain container.
func NewNode(key Key, e Entry) *Node {
	n := &Node{key: key}
	n.setEntry(e)
	return n
}

func newTrackedNode(parent *Node, key Key, e Entry, h *host) *Node {
	n := &Node{key: key, preserve: true, host: h}
	n.setEntry(e)
	n.remember()
	if parent != nil {
		parent.addChild(n)
	}
	return n
}

func (n *Node) setEntry(e Entry) {
	n.kind = e.Kind
	n.direction = e.Direction
	n.ancestor = e.Ancestor
	n.left = e.Left
	n.right = e.Right
}

// Key returns the backing key the node represents.
func (n *Node) Key() Key { return n.key }

// Parent returns the containing node, or nil for the root and detached nodes.
func (n *Node) Parent() *Node { return n.parent }

// IsRoot reports whether n has no parent.
func (n *Node) IsRoot() bool { return n.parent == nil }

func (n *Node) Kind() Kind           { return n.kind }
func (n *Node) Direction() Direction { return n.direction }
func (n *Node) Ancestor() Element    { return n.ancestor }
func (n *Node) Left() Element        { return n.left }
func (n *Node) Right() Element       { return n.right }

// Children returns a copy of the ordered children.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// HasChildren reports whether n contains other nodes.
func (n *Node) HasChildren() bool { return len(n.children) > 0 }

// Removed reports whether n was removed from its tree.
func (n *Node) Removed() bool { return n.removed }

// IsDirty reports whether n changed since it was last committed.
func (n *Node) IsDirty() bool { return n.dirty.Load() }

// Identity returns the element that identifies n: the ancestor, else the
// right, else the left element. A tracked node falls back to the last
// identity it resolved.
func (n *Node) Identity() Element {
	id := n.liveIdentity()
	if !n.preserve {
		return id
	}
	if id == nil {
		return n.lastIdentity
	}
	n.lastIdentity = id
	return id
}

func (n *Node) liveIdentity() Element {
	switch {
	case n.ancestor != nil:
		return n.ancestor
	case n.right != nil:
		return n.right
	default:
		return n.left
	}
}

// Name returns the display name of n. A tracked node caches the first name
// it resolves and decorates it while the node is dirty.
func (n *Node) Name() string {
	if !n.preserve {
		if name, ok := n.liveName(); ok {
			return name
		}
		return n.fallbackName()
	}
	if n.lastName == "" {
		if name, ok := n.liveName(); ok {
			n.lastName = name
		}
	}
	name := n.lastName
	if name == "" {
		name = n.fallbackName()
	}
	if n.dirty.Load() {
		return n.host.decorate(name)
	}
	return name
}

func (n *Node) liveName() (string, bool) {
	var left, right string
	if n.left != nil {
		left = n.left.Name()
	}
	if n.right != nil {
		right = n.right.Name()
	}
	switch {
	case left == "" && right == "":
		if n.ancestor != nil && n.ancestor.Name() != "" {
			return n.ancestor.Name(), true
		}
		return "", false
	case right == "":
		return left, true
	case left == "":
		return right, true
	case left == right:
		return right, true
	default:
		return left + " / " + right, true
	}
}

func (n *Node) fallbackName() string {
	if base := n.key.Base(); base != "" {
		return base
	}
	return noName
}

// FireChange marks n dirty and asks the attached presenter to redraw it.
// Firing an already dirty node has no further effect.
func (n *Node) FireChange() {
	if !n.dirty.CompareAndSwap(false, true) {
		return
	}
	if p := n.host.presenter(); p != nil {
		p.Redraw(n)
	}
}

func (n *Node) clearDirty() {
	n.dirty.Store(false)
}

// remember caches the live identity and name so a later refresh that cannot
// resolve them still has something to report.
func (n *Node) remember() {
	if !n.preserve {
		return
	}
	if id := n.liveIdentity(); id != nil {
		n.lastIdentity = id
	}
	if n.lastName == "" {
		if name, ok := n.liveName(); ok {
			n.lastName = name
		}
	}
}

// Summary counts the differences below n.
type Summary struct {
	Added     int
	Removed   int
	Changed   int
	Conflicts int
}

// Total returns the number of differing descendants.
func (s Summary) Total() int {
	return s.Added + s.Removed + s.Changed
}

// Summary counts differing descendants of n, excluding n itself.
func (n *Node) Summary() Summary {
	var s Summary
	for _, child := range n.children {
		for d := range child.Walk() {
			switch d.kind {
			case KindAdd:
				s.Added++
			case KindRemove:
				s.Removed++
			case KindChange:
				s.Changed++
			}
			if d.direction == DirConflicting {
				s.Conflicts++
			}
		}
	}
	return s
}

// Label returns the name of n followed by markers derived from its
// descendants. Labels of ancestors go stale whenever a descendant changes,
// which is what label flushes report.
func (n *Node) Label() string {
	name := n.Name()
	if !n.HasChildren() {
		return name
	}
	s := n.Summary()
	if s.Total() == 0 && s.Conflicts == 0 {
		return name
	}
	var parts []string
	if s.Added > 0 {
		parts = append(parts, fmt.Sprintf("+%d", s.Added))
	}
	if s.Removed > 0 {
		parts = append(parts, fmt.Sprintf("-%d", s.Removed))
	}
	if s.Changed > 0 {
		parts = append(parts, fmt.Sprintf("~%d", s.Changed))
	}
	if s.Conflicts > 0 {
		parts = append(parts, fmt.Sprintf("!%d", s.Conflicts))
	}
	return name + " [" + strings.Join(parts, " ") + "]"
}

// Walk yields n and its descendants depth-first, parents before children.
func (n *Node) Walk() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		n.walk(yield)
	}
}

func (n *Node) walk(yield func(*Node) bool) bool {
	if !yield(n) {
		return false
	}
	for _, child := range n.children {
		if !child.walk(yield) {
			return false
		}
	}
	return true
}

// Ancestors yields the parent chain of n, nearest first.
func (n *Node) Ancestors() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		for p := n.parent; p != nil; p = p.parent {
			if !yield(p) {
				return
			}
		}
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.key, n.kind)
}

func (n *Node) addChild(child *Node) {
	child.parent = n
	n.children = append(n.children, child)
}

// detach unlinks n from its parent.
func (n *Node) detach() {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// release forgets everything n knew about its identity. Only removal from
// the tree releases a node.
func (n *Node) release() {
	n.removed = true
	n.ancestor, n.left, n.right = nil, nil, nil
	n.lastIdentity = nil
	n.host = nil
}
