package difftree

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// MemorySet is an in-memory Source. Mutations go through Update, which runs
// under the shared Lock and delivers the resulting batch to listeners before
// releasing it, so a Synchronizer sharing the Lock re-enters it as the same
// owner.
type MemorySet struct {
	lock *Lock

	mu        sync.RWMutex
	entries   map[Key]Entry
	children  map[Key][]Key
	listeners []Listener
}

// NewMemorySet returns an empty set rooted at RootKey. A nil lock gets a
// private one; pass the Synchronizer's lock to serialize with it.
func NewMemorySet(lock *Lock) *MemorySet {
	if lock == nil {
		lock = NewLock()
	}
	return &MemorySet{
		lock:     lock,
		entries:  map[Key]Entry{RootKey: {Ancestor: Folder("")}},
		children: make(map[Key][]Key),
	}
}

// Lock returns the lock guarding the set.
func (m *MemorySet) Lock() *Lock {
	return m.lock
}

func (m *MemorySet) Connect(_ context.Context, l Listener) error {
	if l == nil {
		return errors.New("connect memory set: listener is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.listeners {
		if sameListener(existing, l) {
			return nil
		}
	}
	m.listeners = append(m.listeners, l)
	return nil
}

func (m *MemorySet) Disconnect(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = slices.DeleteFunc(m.listeners, func(existing Listener) bool {
		return sameListener(existing, l)
	})
}

// sameListener compares listeners without panicking on func values, which
// are never equal.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func (m *MemorySet) Root() Key {
	return RootKey
}

func (m *MemorySet) Parent(k Key) (Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.entries[k]; !ok || k == RootKey {
		return "", false
	}
	return k.Parent(), true
}

func (m *MemorySet) Children(k Key) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.children[k])
}

func (m *MemorySet) Entry(k Key) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[k]
	return e, ok
}

// Len returns the number of keys, the root included.
func (m *MemorySet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Update applies fn's mutations and delivers them to listeners as one batch.
// It fails with ErrReadOnlyOwner when the calling owner is inside View.
func (m *MemorySet) Update(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, owner := ensureOwner(ctx, "difftree.memset.update")
	return m.lock.with(owner, func() error {
		if m.lock.IsReadOnly() {
			return ErrReadOnlyOwner
		}
		tx := &Tx{}
		if err := fn(tx); err != nil {
			return err
		}
		b := m.apply(tx.ops)
		if b.Empty() {
			return nil
		}
		return m.deliver(ctx, Event{Batch: b})
	})
}

// View runs fn while holding the lock as a read-only owner.
func (m *MemorySet) View(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, owner := ensureOwner(ctx, "difftree.memset.view")
	return m.lock.with(owner, func() error {
		m.lock.MarkReadOnly(owner)
		defer m.lock.UnmarkReadOnly(owner)
		return fn(ctx)
	})
}

// Reset replaces the whole content and tells listeners to rebuild.
func (m *MemorySet) Reset(ctx context.Context, entries map[Key]Entry) error {
	ctx, owner := ensureOwner(ctx, "difftree.memset.reset")
	return m.lock.with(owner, func() error {
		if m.lock.IsReadOnly() {
			return ErrReadOnlyOwner
		}
		m.mu.Lock()
		m.entries = map[Key]Entry{RootKey: {Ancestor: Folder("")}}
		m.children = make(map[Key][]Key)
		m.mu.Unlock()

		keys := make([]Key, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sortKeys(keys)
		ops := make([]txOp, 0, len(keys))
		for _, k := range keys {
			ops = append(ops, txOp{key: k, entry: entries[k]})
		}
		m.apply(ops)
		return m.deliver(ctx, Event{Reset: true})
	})
}

func (m *MemorySet) deliver(ctx context.Context, ev Event) error {
	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()

	var errs []error
	for _, l := range listeners {
		if err := l.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("deliver event: %w", errors.Join(errs...))
}

type txOp struct {
	key    Key
	entry  Entry
	remove bool
	touch  bool
}

// Tx collects the mutations of one Update.
type Tx struct {
	ops []txOp
}

// Put creates or replaces the entry for k. Missing ancestors are created as
// folders.
func (tx *Tx) Put(k Key, e Entry) {
	tx.ops = append(tx.ops, txOp{key: CleanKey(string(k)), entry: e})
}

// Remove deletes k and everything below it.
func (tx *Tx) Remove(k Key) {
	tx.ops = append(tx.ops, txOp{key: CleanKey(string(k)), remove: true})
}

// Touch reports k as changed without altering its entry.
func (tx *Tx) Touch(k Key) {
	tx.ops = append(tx.ops, txOp{key: CleanKey(string(k)), touch: true})
}

// apply mutates the set and returns the coalesced batch: subtree roots for
// removals and additions, changed keys outside of both.
func (m *MemorySet) apply(ops []txOp) Batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make(map[Key]struct{})
	added := make(map[Key]struct{})
	changed := make(map[Key]struct{})

	for _, op := range ops {
		if op.key == RootKey {
			continue
		}
		_, exists := m.entries[op.key]
		switch {
		case op.remove:
			if !exists {
				continue
			}
			for _, k := range m.deleteLocked(op.key) {
				delete(changed, k)
				if _, ok := added[k]; ok {
					delete(added, k)
					continue
				}
				removed[k] = struct{}{}
			}
		case op.touch:
			if exists {
				if _, ok := added[op.key]; !ok {
					changed[op.key] = struct{}{}
				}
			}
		default:
			for _, anc := range m.missingAncestorsLocked(op.key) {
				m.insertLocked(anc, Entry{Left: Folder(anc.Base()), Right: Folder(anc.Base())})
				added[anc] = struct{}{}
			}
			if exists {
				m.entries[op.key] = op.entry
				if _, ok := added[op.key]; !ok {
					changed[op.key] = struct{}{}
				}
				continue
			}
			m.insertLocked(op.key, op.entry)
			added[op.key] = struct{}{}
		}
	}

	var b Batch
	for k := range removed {
		if _, ok := removed[k.Parent()]; !ok {
			b.Removed = append(b.Removed, k)
		}
	}
	for k := range added {
		if _, ok := added[k.Parent()]; !ok {
			b.Added = append(b.Added, k)
		}
	}
	for k := range changed {
		b.Changed = append(b.Changed, k)
	}
	sortKeys(b.Removed)
	sortKeys(b.Added)
	sortKeys(b.Changed)
	return b
}

func (m *MemorySet) missingAncestorsLocked(k Key) []Key {
	var missing []Key
	for p := k.Parent(); p != RootKey; p = p.Parent() {
		if _, ok := m.entries[p]; ok {
			break
		}
		missing = append(missing, p)
	}
	slices.Reverse(missing)
	return missing
}

func (m *MemorySet) insertLocked(k Key, e Entry) {
	m.entries[k] = e
	p := k.Parent()
	siblings := m.children[p]
	if i, found := slices.BinarySearch(siblings, k); !found {
		m.children[p] = slices.Insert(siblings, i, k)
	}
}

// deleteLocked removes k and its descendants and returns their keys.
func (m *MemorySet) deleteLocked(k Key) []Key {
	var gone []Key
	var walk func(Key)
	walk = func(k Key) {
		for _, child := range m.children[k] {
			walk(child)
		}
		delete(m.children, k)
		delete(m.entries, k)
		gone = append(gone, k)
	}
	walk(k)

	p := k.Parent()
	m.children[p] = slices.DeleteFunc(m.children[p], func(c Key) bool { return c == k })
	return gone
}
