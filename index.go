package difftree

import (
	"slices"
	"sync"
)

// index maps backing keys to the live node representing them.
// Writers hold the synchronizer lock; mu only makes diagnostic reads from
// other goroutines safe.
type index struct {
	mu    sync.RWMutex
	nodes map[Key]*Node
}

func newIndex() *index {
	return &index{nodes: make(map[Key]*Node)}
}

func (ix *index) get(k Key) (*Node, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.nodes[k]
	return n, ok
}

func (ix *index) put(k Key, n *Node) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes[k] = n
}

// remove deletes k only if it still maps to n, so clearing a replaced node
// never drops its successor.
func (ix *index) remove(k Key, n *Node) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if cur, ok := ix.nodes[k]; ok && cur == n {
		delete(ix.nodes, k)
	}
}

func (ix *index) clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes = make(map[Key]*Node, len(ix.nodes))
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

func (ix *index) keys() []Key {
	ix.mu.RLock()
	keys := make([]Key, 0, len(ix.nodes))
	for k := range ix.nodes {
		keys = append(keys, k)
	}
	ix.mu.RUnlock()
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	slices.Sort(keys)
}
