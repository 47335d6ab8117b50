package difftree

import (
	"context"
	"path"
	"strings"
)

// Key is the stable identity of a resource in the backing change set,
// a slash-separated path such as "/p/a".
type Key string

// RootKey is the key of the workspace root.
const RootKey Key = "/"

// Parent returns the lexical parent of k. The root is its own parent.
func (k Key) Parent() Key {
	if k == RootKey || k == "" {
		return RootKey
	}
	return Key(path.Dir(string(k)))
}

// Base returns the last element of k.
func (k Key) Base() string {
	if k == RootKey || k == "" {
		return ""
	}
	return path.Base(string(k))
}

// Join returns the child key named name under k.
func (k Key) Join(name string) Key {
	return Key(path.Join(string(k), name))
}

// CleanKey normalizes s into a rooted Key.
func CleanKey(s string) Key {
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return Key(path.Clean(s))
}

// Entry is the comparison result stored for one key.
// An entry whose elements are all nil is valid: the difference could not be
// resolved right now.
type Entry struct {
	Kind      Kind
	Direction Direction
	Ancestor  Element
	Left      Element
	Right     Element
}

// Batch is one coalesced set of changes reported by a Source.
// Added and Removed hold subtree roots: each implies its whole hierarchy.
type Batch struct {
	Removed []Key `json:"removed,omitempty" yaml:"removed,omitempty"`
	Added   []Key `json:"added,omitempty" yaml:"added,omitempty"`
	Changed []Key `json:"changed,omitempty" yaml:"changed,omitempty"`
}

// Empty reports whether b carries no changes.
func (b Batch) Empty() bool {
	return len(b.Removed) == 0 && len(b.Added) == 0 && len(b.Changed) == 0
}

// Event is the message a Source delivers to its listeners: either a batch,
// or a reset meaning everything must be rebuilt.
type Event struct {
	Batch Batch
	Reset bool
}

// Listener receives events from a Source. Events are delivered one at a time.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Source is the backing change set the tree mirrors.
type Source interface {
	// Connect registers l. The source delivers events to l from then on.
	Connect(ctx context.Context, l Listener) error
	// Disconnect unregisters l.
	Disconnect(l Listener)
	// Root returns the key of the hierarchy root.
	Root() Key
	// Parent returns the parent key of k in the backing hierarchy.
	Parent(k Key) (Key, bool)
	// Children returns the direct children of k in display order.
	Children(k Key) []Key
	// Entry returns the comparison result for k.
	Entry(k Key) (Entry, bool)
}
