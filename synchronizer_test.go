package difftree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioEntries() map[Key]Entry {
	return map[Key]Entry{
		"/p":   {Left: Folder("p"), Right: Folder("p")},
		"/p/a": changeEntry("a", "a1", "a2"),
		"/p/b": changeEntry("b", "b1", "b2"),
	}
}

func TestPrepareInputBuildsTree(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	root := f.sync.Root()
	require.NotNil(t, root)
	assert.Equal(t, []Key{"/p"}, childKeys(root))
	p, ok := f.sync.Lookup("/p")
	require.True(t, ok)
	assert.Equal(t, []Key{"/p/a", "/p/b"}, childKeys(p))
	assert.Equal(t, []Key{RootKey, "/p", "/p/a", "/p/b"}, f.sync.Keys())
	assert.Equal(t, StateIdle, f.sync.State())
}

func TestBatchScenario(t *testing.T) {
	src := newMapSourceAt("/p", Entry{Left: Folder("p"), Right: Folder("p")})
	src.add("/p", "/p/a", changeEntry("a", "a1", "a2"))
	src.add("/p", "/p/b", changeEntry("b", "b1", "b2"))
	rec := &Recorder{}
	s, err := New(src, WithPresenter(rec))
	require.NoError(t, err)
	require.NoError(t, s.PrepareInput(context.Background()))
	require.Equal(t, 3, s.Len())
	p := s.Root()
	assert.Equal(t, "p [~2]", p.Label())
	b := mustLookup(t, s, "/p/b")

	src.remove("/p/a")
	src.add("/p", "/p/c", addEntry("c", "c1"))
	src.entries["/p/b"] = changeEntry("b", "b1", "b3")
	require.NoError(t, s.OnBatch(context.Background(), Batch{
		Removed: []Key{"/p/a"},
		Added:   []Key{"/p/c"},
		Changed: []Key{"/p/b"},
	}))

	assert.Equal(t, []Key{"/p/b", "/p/c"}, childKeys(p))
	assert.Equal(t, []Key{"/p", "/p/b", "/p/c"}, s.Keys())
	_, ok := s.Lookup("/p/a")
	assert.False(t, ok)

	assert.Same(t, b, mustLookup(t, s, "/p/b"), "changed nodes are updated in place")
	assert.True(t, b.IsDirty())
	assert.Equal(t, "<b>", b.Name())

	changes := rec.TreeChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, TreeChange{Added: []Key{"/p/c"}, Removed: []Key{"/p/a"}, Changed: []Key{"/p/b"}}, changes[0])
	labels := rec.LabelUpdates()
	require.Len(t, labels, 1)
	assert.Equal(t, []Key{"/p"}, labels[0].Keys)
	assert.Equal(t, "p [+1 ~1]", p.Label())
	assert.Equal(t, []Key{"/p/b"}, rec.Redraws())
}

func TestBatchRelabelsWholeAncestorChain(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	f.update(t, func(tx *Tx) {
		tx.Remove("/p/a")
		tx.Put("/p/c", addEntry("c", "c1"))
		tx.Put("/p/b", changeEntry("b", "b1", "b3"))
	})

	p := mustLookup(t, f.sync, "/p")
	assert.Equal(t, []Key{"/p/b", "/p/c"}, childKeys(p))
	labels := f.rec.LabelUpdates()
	require.Len(t, labels, 1)
	assert.Equal(t, []Key{RootKey, "/p"}, labels[0].Keys)
}

func TestOrphanedAdditionIsDropped(t *testing.T) {
	src := newMapSource()
	src.add(RootKey, "/p", Entry{Left: Folder("p")})
	rec := &Recorder{}
	s, err := New(src, WithPresenter(rec))
	require.NoError(t, err)
	require.NoError(t, s.PrepareInput(context.Background()))

	// /x/y exists in the source but its parent /x was never delivered.
	src.entries["/x/y"] = addEntry("y", "y1")
	src.parents["/x/y"] = "/x"

	require.NoError(t, s.OnBatch(context.Background(), Batch{Added: []Key{"/x/y"}}))

	_, ok := s.Lookup("/x/y")
	assert.False(t, ok)
	warnings := s.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, OrphanedAdditionWarning{Key: "/x/y", Parent: "/x"}, warnings[0])
	assert.Contains(t, warnings[0].Error(), "/x/y")
	assert.Empty(t, rec.TreeChanges())

	assert.Len(t, s.DrainWarnings(), 1)
	assert.Empty(t, s.Warnings())
}

func TestRemoveThenAddCollapsesToReplace(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	old, _ := f.sync.Lookup("/p/a")
	_ = old.Name()

	f.update(t, func(tx *Tx) {
		tx.Remove("/p/a")
		tx.Put("/p/a", addEntry("a", "fresh"))
	})

	n, ok := f.sync.Lookup("/p/a")
	require.True(t, ok)
	assert.NotSame(t, old, n)
	assert.True(t, old.Removed())
	assert.Equal(t, KindAdd, n.Kind())
	assert.Nil(t, n.Left())
	assert.False(t, n.IsDirty())

	p, _ := f.sync.Lookup("/p")
	assert.Equal(t, []Key{"/p/b", "/p/a"}, childKeys(p))
}

func TestAdditionOfExistingKeyReplacesNode(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	old, _ := f.sync.Lookup("/p/a")

	require.NoError(t, f.sync.OnBatch(context.Background(), Batch{Added: []Key{"/p/a"}}))

	n, ok := f.sync.Lookup("/p/a")
	require.True(t, ok)
	assert.NotSame(t, old, n)
	assert.True(t, old.Removed())
	p, _ := f.sync.Lookup("/p")
	assert.Len(t, p.Children(), 2)
}

func TestRemovalClearsWholeSubtree(t *testing.T) {
	entries := scenarioEntries()
	entries["/p/d/e"] = addEntry("e", "e1")
	entries["/q"] = changeEntry("q", "1", "2")
	f := newFixture(t, entries)

	removed := make([]*Node, 0)
	for n := range f.sync.Root().Walk() {
		if n.Key() != RootKey && n.Key() != "/q" {
			removed = append(removed, n)
		}
	}

	f.update(t, func(tx *Tx) { tx.Remove("/p") })

	assert.Equal(t, []Key{RootKey, "/q"}, f.sync.Keys())
	for _, n := range removed {
		_, ok := f.sync.Lookup(n.Key())
		assert.False(t, ok, "stale index entry for %s", n.Key())
		assert.True(t, n.Removed())
	}
	labels := f.rec.LabelUpdates()
	require.Len(t, labels, 1)
	assert.Equal(t, []Key{RootKey}, labels[0].Keys, "the former parent is relabeled")
}

func TestStaleKeysAreIgnored(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	before := f.sync.Snapshot()

	require.NoError(t, f.sync.OnBatch(context.Background(), Batch{
		Removed: []Key{"/nope"},
		Changed: []Key{"/also/nope"},
	}))

	assert.Equal(t, before, f.sync.Snapshot())
	assert.Empty(t, f.rec.TreeChanges())
	assert.Empty(t, f.rec.LabelUpdates())
}

func TestRemovedAncestorsAreNotRelabeled(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	require.NoError(t, f.sync.OnBatch(context.Background(), Batch{Removed: []Key{"/p/a", "/p"}}))

	assert.Equal(t, []Key{RootKey}, f.sync.Keys())
	labels := f.rec.LabelUpdates()
	require.Len(t, labels, 1)
	assert.Equal(t, []Key{RootKey}, labels[0].Keys, "/p was touched by /p/a, then removed")
}

func TestIdentityStableUnderTransientLoss(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	b, _ := f.sync.Lookup("/p/b")
	id := b.Identity()
	require.NotNil(t, id)

	f.update(t, func(tx *Tx) { tx.Put("/p/b", Entry{Kind: KindChange}) })

	assert.Equal(t, id, b.Identity())
	assert.Equal(t, "<b>", b.Name())
}

func TestResyncOfUpToDateNodeOnlyMarksDirty(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	b, _ := f.sync.Lookup("/p/b")
	id := b.Identity()

	f.update(t, func(tx *Tx) { tx.Touch("/p/b") })
	f.update(t, func(tx *Tx) { tx.Touch("/p/b") })

	assert.True(t, b.IsDirty())
	assert.Equal(t, id, b.Identity())
	assert.Equal(t, "<b>", b.Name())
	assert.Equal(t, []Key{"/p/b"}, f.rec.Redraws(), "redraw is requested once per dirty period")
	assert.Len(t, f.rec.TreeChanges(), 2)
}

func TestRebuildIsIdempotent(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	first := f.sync.Snapshot()
	firstRoot := f.sync.Root()

	require.NoError(t, f.sync.Rebuild(context.Background()))
	second := f.sync.Snapshot()

	assert.Equal(t, first, second)
	assert.NotSame(t, firstRoot, f.sync.Root())
	assert.True(t, firstRoot.Removed())
	assert.Equal(t, 1, f.rec.Rebuilds())
}

func TestResetEventRebuilds(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	require.NoError(t, f.set.Reset(context.Background(), map[Key]Entry{
		"/z": addEntry("z", "z1"),
	}))

	assert.Equal(t, []Key{RootKey, "/z"}, f.sync.Keys())
	assert.Equal(t, 1, f.rec.Rebuilds())
	assert.Empty(t, f.rec.LabelUpdates(), "a rebuild is reported through OnRebuilt only")
}

func TestPrepareInputCancelled(t *testing.T) {
	set := NewMemorySet(nil)
	require.NoError(t, set.Update(context.Background(), func(tx *Tx) error {
		for k, e := range scenarioEntries() {
			tx.Put(k, e)
		}
		return nil
	}))
	rec := &Recorder{}
	s, err := New(set, WithLock(set.Lock()), WithPresenter(rec))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.PrepareInput(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.Rebuilds())
	assert.Empty(t, rec.LabelUpdates())
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.PrepareInput(context.Background()))
	assert.Equal(t, 4, s.Len())
}

func TestPrepareInputSourceUnavailable(t *testing.T) {
	src := newMapSource()
	src.connectErr = errors.New("refresh service down")
	s, err := New(src)
	require.NoError(t, err)

	err = s.PrepareInput(context.Background())
	var unavailable SourceUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.ErrorIs(t, err, src.connectErr)
	assert.Nil(t, s.Root())

	src.connectErr = nil
	require.NoError(t, s.PrepareInput(context.Background()))
	assert.NotNil(t, s.Root())
}

func TestBatchBeforePrepare(t *testing.T) {
	s, err := New(NewMemorySet(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, s.OnBatch(context.Background(), Batch{}), ErrNotPrepared)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrNilSource)
}

func TestAddedSubtreeIsBuiltEagerly(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	f.update(t, func(tx *Tx) {
		tx.Put("/n/m/leaf", addEntry("leaf", "1"))
		tx.Put("/n/other", addEntry("other", "1"))
	})

	assert.Equal(t, []Key{RootKey, "/n", "/n/m", "/n/m/leaf", "/n/other", "/p", "/p/a", "/p/b"}, f.sync.Keys())
	changes := f.rec.TreeChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, []Key{"/n"}, changes[0].Added)
}

func TestAdditionsInsideAddedSubtreeAreNotReplaced(t *testing.T) {
	src := newMapSource()
	src.add(RootKey, "/n", Entry{Right: Folder("n")})
	rec := &Recorder{}
	s, err := New(src, WithPresenter(rec))
	require.NoError(t, err)
	require.NoError(t, s.PrepareInput(context.Background()))
	s.clear(mustLookup(t, s, "/n"))

	src.add("/n", "/n/leaf", addEntry("leaf", "1"))
	require.NoError(t, s.OnBatch(context.Background(), Batch{Added: []Key{"/n", "/n/leaf"}}))

	changes := rec.TreeChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, []Key{"/n"}, changes[0].Added)
	assert.Empty(t, changes[0].Removed)
	assert.Equal(t, []Key{RootKey, "/n", "/n/leaf"}, s.Keys())
}

func TestDirtyWalkAndCommit(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	f.update(t, func(tx *Tx) {
		tx.Put("/p/a", changeEntry("a", "a1", "a3"))
		tx.Put("/p/b", changeEntry("b", "b1", "b3"))
	})

	collect := func() []Key {
		var keys []Key
		for n := range f.sync.WalkDirty() {
			keys = append(keys, n.Key())
		}
		return keys
	}
	assert.Equal(t, []Key{"/p/a", "/p/b"}, collect())
	assert.Equal(t, collect(), collect(), "walk is restartable")

	failing := errors.New("disk full")
	err := f.sync.Commit(context.Background(), CommitFunc(func(_ context.Context, n *Node) error {
		if n.Key() == "/p/b" {
			return failing
		}
		return nil
	}))
	require.ErrorIs(t, err, failing)
	assert.Contains(t, err.Error(), "/p/b")
	assert.Equal(t, []Key{"/p/b"}, collect())

	a, _ := f.sync.Lookup("/p/a")
	assert.Equal(t, "a", a.Name())

	b, _ := f.sync.Lookup("/p/b")
	f.sync.ClearDirty(b)
	assert.Empty(t, collect())
	assert.Equal(t, "b", b.Name())
}

func TestSharedLockReentersFromSourceDelivery(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	var depth int
	require.NoError(t, f.set.Connect(context.Background(), ListenerFunc(func(ctx context.Context, _ Event) error {
		owner, ok := OwnerFrom(ctx)
		require.True(t, ok)
		d, err := f.sync.Lock().NestingDepth(owner)
		depth = d
		return err
	})))

	f.update(t, func(tx *Tx) { tx.Put("/p/b", changeEntry("b", "b1", "b9")) })
	assert.Equal(t, 1, depth)
	_, held := f.sync.Lock().Holder()
	assert.False(t, held)
}

func TestConcurrentUpdatesConverge(t *testing.T) {
	f := newFixture(t, nil)

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				k := Key(fmt.Sprintf("/w%d/f%d", w, i))
				_ = f.set.Update(context.Background(), func(tx *Tx) error {
					tx.Put(k, addEntry(k.Base(), "x"))
					if i%3 == 0 {
						tx.Remove(k)
					}
					return nil
				})
			}
		}()
	}
	wg.Wait()

	want := []Key{RootKey}
	for w := 0; w < writers; w++ {
		want = append(want, Key(fmt.Sprintf("/w%d", w)))
		for i := 0; i < 20; i++ {
			if i%3 != 0 {
				want = append(want, Key(fmt.Sprintf("/w%d/f%d", w, i)))
			}
		}
	}
	sortKeys(want)
	assert.Equal(t, want, f.sync.Keys())
	assert.Equal(t, f.set.Len(), f.sync.Len())
}

func TestReadOnlyOwnerCannotUpdate(t *testing.T) {
	f := newFixture(t, scenarioEntries())

	err := f.set.View(context.Background(), func(ctx context.Context) error {
		return f.set.Update(ctx, func(tx *Tx) error {
			tx.Remove("/p")
			return nil
		})
	})
	require.ErrorIs(t, err, ErrReadOnlyOwner)
	_, ok := f.sync.Lookup("/p")
	assert.True(t, ok)
}

func TestConsumeEvents(t *testing.T) {
	src := newMapSource()
	src.add(RootKey, "/p", Entry{Left: Folder("p")})
	s, err := New(src)
	require.NoError(t, err)
	require.NoError(t, s.PrepareInput(context.Background()))

	src.add("/p", "/p/a", addEntry("a", "1"))
	ch := make(chan Event, 3)
	ch <- Event{Batch: Batch{Added: []Key{"/p/a"}}}
	ch <- Event{Batch: Batch{Changed: []Key{"/p/a"}}}
	ch <- Event{Reset: true}
	close(ch)

	require.NoError(t, s.Consume(context.Background(), ch))
	a, ok := s.Lookup("/p/a")
	require.True(t, ok)
	assert.False(t, a.IsDirty(), "reset rebuilt a fresh node")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Consume(ctx, make(chan Event)), context.Canceled)
}

func TestClose(t *testing.T) {
	f := newFixture(t, scenarioEntries())
	f.update(t, func(tx *Tx) { tx.Touch("/p/b") })
	b := mustLookup(t, f.sync, "/p/b")
	f.rec.Reset()

	require.NoError(t, f.sync.Close())
	assert.Nil(t, f.sync.Root())
	assert.True(t, b.Removed())
	for range f.sync.WalkDirty() {
		t.Fatal("closed synchronizer still walks dirty nodes")
	}
	require.NoError(t, f.sync.Close())
	require.NoError(t, f.sync.Close())

	assert.ErrorIs(t, f.sync.OnBatch(context.Background(), Batch{}), ErrClosed)
	assert.ErrorIs(t, f.sync.PrepareInput(context.Background()), ErrClosed)
	assert.Equal(t, 0, f.sync.Len())

	f.update(t, func(tx *Tx) { tx.Remove("/p") })
	assert.Empty(t, f.rec.TreeChanges())
}

func mustLookup(t *testing.T, s *Synchronizer, k Key) *Node {
	t.Helper()
	n, ok := s.Lookup(k)
	require.True(t, ok, "missing node %s", k)
	return n
}
