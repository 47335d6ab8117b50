package difftree

import (
	"sync"
)

// Presenter is the single-threaded view that renders the tree.
//
// All calls happen while the synchronizer holds its lock, in batch order:
// OnTreeChanged for the structural updates of a batch, then OnLabelsStale
// with the deduplicated ancestors whose labels depend on changed children.
// Redraw is requested when a node first turns dirty.
type Presenter interface {
	OnTreeChanged(added, removed, changed []*Node)
	OnLabelsStale(nodes map[*Node]struct{})
	Redraw(n *Node)
}

// Rebuilder is implemented by presenters that want to know when the whole
// tree was rebuilt from scratch.
type Rebuilder interface {
	OnRebuilt(root *Node)
}

// NameFormat decorates the name of a dirty node.
type NameFormat func(name string) string

// BracketName is the default NameFormat: "<name>".
func BracketName(name string) string {
	return "<" + name + ">"
}

// host is the tree-wide state shared by every node of one synchronizer.
type host struct {
	mu     sync.RWMutex
	view   Presenter
	format NameFormat
}

func (h *host) presenter() Presenter {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view
}

func (h *host) setPresenter(p Presenter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view = p
}

func (h *host) decorate(name string) string {
	if h == nil || h.format == nil {
		return BracketName(name)
	}
	return h.format(name)
}

// LabelUpdate is one OnLabelsStale call captured by a Recorder.
type LabelUpdate struct {
	Keys []Key
}

// TreeChange is one OnTreeChanged call captured by a Recorder.
type TreeChange struct {
	Added   []Key
	Removed []Key
	Changed []Key
}

// Recorder is a Presenter that records every call by key.
// It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	changes  []TreeChange
	labels   []LabelUpdate
	redraws  []Key
	rebuilds int
}

func (r *Recorder) OnTreeChanged(added, removed, changed []*Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, TreeChange{
		Added:   keysOf(added),
		Removed: keysOf(removed),
		Changed: keysOf(changed),
	})
}

func (r *Recorder) OnLabelsStale(nodes map[*Node]struct{}) {
	keys := make([]Key, 0, len(nodes))
	for n := range nodes {
		keys = append(keys, n.Key())
	}
	sortKeys(keys)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, LabelUpdate{Keys: keys})
}

func (r *Recorder) Redraw(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redraws = append(r.redraws, n.Key())
}

func (r *Recorder) OnRebuilt(*Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilds++
}

// TreeChanges returns the recorded OnTreeChanged calls.
func (r *Recorder) TreeChanges() []TreeChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TreeChange(nil), r.changes...)
}

// LabelUpdates returns the recorded OnLabelsStale calls, keys sorted.
func (r *Recorder) LabelUpdates() []LabelUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LabelUpdate(nil), r.labels...)
}

// Redraws returns the keys of nodes whose redraw was requested.
func (r *Recorder) Redraws() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Key(nil), r.redraws...)
}

// Rebuilds returns how many full rebuilds were reported.
func (r *Recorder) Rebuilds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuilds
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
	r.labels = nil
	r.redraws = nil
	r.rebuilds = 0
}

func keysOf(nodes []*Node) []Key {
	if len(nodes) == 0 {
		return nil
	}
	keys := make([]Key, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Key()
	}
	return keys
}
