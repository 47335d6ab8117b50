package difftree

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func changeEntry(name, left, right string) Entry {
	return Entry{
		Kind:      KindChange,
		Direction: DirIncoming,
		Left:      File(name, []byte(left)),
		Right:     File(name, []byte(right)),
	}
}

func addEntry(name, right string) Entry {
	return Entry{Kind: KindAdd, Direction: DirIncoming, Right: File(name, []byte(right))}
}

type fixture struct {
	set  *MemorySet
	sync *Synchronizer
	rec  *Recorder
}

// newFixture builds a prepared synchronizer over a memory set seeded with entries.
func newFixture(t *testing.T, entries map[Key]Entry, opts ...Option) *fixture {
	t.Helper()
	lock := NewLock()
	set := NewMemorySet(lock)
	if len(entries) > 0 {
		require.NoError(t, set.Update(context.Background(), func(tx *Tx) error {
			for k, e := range entries {
				tx.Put(k, e)
			}
			return nil
		}))
	}
	rec := &Recorder{}
	opts = append([]Option{WithLock(lock), WithPresenter(rec)}, opts...)
	s, err := New(set, opts...)
	require.NoError(t, err)
	require.NoError(t, s.PrepareInput(context.Background()))
	rec.Reset()
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{set: set, sync: s, rec: rec}
}

func (f *fixture) update(t *testing.T, fn func(tx *Tx)) {
	t.Helper()
	require.NoError(t, f.set.Update(context.Background(), func(tx *Tx) error {
		fn(tx)
		return nil
	}))
}

func childKeys(n *Node) []Key {
	var keys []Key
	for _, c := range n.Children() {
		keys = append(keys, c.Key())
	}
	return keys
}

// mapSource is a Source with a hand-made hierarchy, for shapes MemorySet
// cannot produce.
type mapSource struct {
	root       Key
	connectErr error
	entries    map[Key]Entry
	parents    map[Key]Key
	children   map[Key][]Key
	listeners  []Listener
}

func newMapSource() *mapSource {
	return newMapSourceAt(RootKey, Entry{})
}

// newMapSourceAt returns a source whose hierarchy starts at root.
func newMapSourceAt(root Key, e Entry) *mapSource {
	return &mapSource{
		root:     root,
		entries:  map[Key]Entry{root: e},
		parents:  make(map[Key]Key),
		children: make(map[Key][]Key),
	}
}

func (m *mapSource) add(parent, k Key, e Entry) {
	m.entries[k] = e
	m.parents[k] = parent
	m.children[parent] = append(m.children[parent], k)
}

func (m *mapSource) remove(k Key) {
	p := m.parents[k]
	delete(m.entries, k)
	delete(m.parents, k)
	m.children[p] = slices.DeleteFunc(m.children[p], func(c Key) bool { return c == k })
}

func (m *mapSource) Connect(_ context.Context, l Listener) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.listeners = append(m.listeners, l)
	return nil
}

func (m *mapSource) Disconnect(Listener) { m.listeners = nil }
func (m *mapSource) Root() Key           { return m.root }

func (m *mapSource) Parent(k Key) (Key, bool) {
	p, ok := m.parents[k]
	return p, ok
}

func (m *mapSource) Children(k Key) []Key { return m.children[k] }

func (m *mapSource) Entry(k Key) (Entry, bool) {
	e, ok := m.entries[k]
	return e, ok
}
