package main

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/chenyanchen/difftree"
)

// printer is a difftree.Presenter that writes one line per tree change.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ difftree.Presenter = (*printer)(nil)

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) OnTreeChanged(added, removed, changed []*difftree.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range removed {
		fmt.Fprintf(p.w, "- %s\n", n.Key())
	}
	for _, n := range added {
		fmt.Fprintf(p.w, "+ %s %s\n", n.Key(), n.Kind())
	}
	for _, n := range changed {
		fmt.Fprintf(p.w, "~ %s %s\n", n.Key(), n.Kind())
	}
}

func (p *printer) OnLabelsStale(nodes map[*difftree.Node]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sorted := make([]*difftree.Node, 0, len(nodes))
	for n := range nodes {
		sorted = append(sorted, n)
	}
	slices.SortFunc(sorted, func(a, b *difftree.Node) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	for _, n := range sorted {
		fmt.Fprintf(p.w, "= %s %s\n", n.Key(), n.Label())
	}
}

func (p *printer) Redraw(n *difftree.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "* %s\n", n.Name())
}

func (p *printer) OnRebuilt(root *difftree.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, difftree.Snapshot(root).Text())
}
