package difftree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeLiveName(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		key   Key
		want  string
	}{
		{name: "same names", entry: Entry{Left: File("a.txt", nil), Right: File("a.txt", nil)}, key: "/a.txt", want: "a.txt"},
		{name: "different names", entry: Entry{Left: File("a.txt", nil), Right: File("b.txt", nil)}, key: "/a.txt", want: "a.txt / b.txt"},
		{name: "left only", entry: Entry{Left: File("gone.txt", nil)}, key: "/gone.txt", want: "gone.txt"},
		{name: "right only", entry: Entry{Right: File("new.txt", nil)}, key: "/new.txt", want: "new.txt"},
		{name: "ancestor only", entry: Entry{Ancestor: File("base.txt", nil)}, key: "/base.txt", want: "base.txt"},
		{name: "nothing resolved", entry: Entry{}, key: "/dir/x", want: "x"},
		{name: "nothing at root", entry: Entry{}, key: RootKey, want: noName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewNode(tt.key, tt.entry).Name())
		})
	}
}

func TestNodeIdentityOrder(t *testing.T) {
	anc, left, right := File("anc", nil), File("left", nil), File("right", nil)
	assert.Equal(t, anc, NewNode("/x", Entry{Ancestor: anc, Left: left, Right: right}).Identity())
	assert.Equal(t, right, NewNode("/x", Entry{Left: left, Right: right}).Identity())
	assert.Equal(t, left, NewNode("/x", Entry{Left: left}).Identity())
	assert.Nil(t, NewNode("/x", Entry{}).Identity())
}

func TestTrackedNodeKeepsIdentityAndName(t *testing.T) {
	h := &host{}
	right := File("b.txt", []byte("v1"))
	n := newTrackedNode(nil, "/p/b.txt", Entry{Kind: KindChange, Left: right, Right: right}, h)

	require.Equal(t, right, n.Identity())
	require.Equal(t, "b.txt", n.Name())

	n.setEntry(Entry{Kind: KindChange})
	n.FireChange()

	assert.Equal(t, right, n.Identity(), "identity must survive transient loss")
	assert.Equal(t, "<b.txt>", n.Name())

	n.clearDirty()
	assert.Equal(t, "b.txt", n.Name())
	assert.Equal(t, right, n.Identity())
}

func TestTrackedNodeIdentityFollowsLiveValue(t *testing.T) {
	h := &host{}
	v1 := File("a", []byte("1"))
	v2 := File("a", []byte("2"))
	n := newTrackedNode(nil, "/a", Entry{Right: v1}, h)
	assert.Equal(t, v1, n.Identity())

	n.setEntry(Entry{Right: v2})
	assert.Equal(t, v2, n.Identity())

	n.setEntry(Entry{})
	assert.Equal(t, v2, n.Identity())
}

func TestFireChangeIsIdempotent(t *testing.T) {
	rec := &Recorder{}
	h := &host{view: rec}
	n := newTrackedNode(nil, "/a", Entry{Right: File("a", nil)}, h)

	n.FireChange()
	n.FireChange()
	assert.True(t, n.IsDirty())
	assert.Equal(t, []Key{"/a"}, rec.Redraws())
	assert.Equal(t, "<a>", n.Name())
}

func TestCustomNameFormat(t *testing.T) {
	h := &host{format: func(name string) string { return "*" + name }}
	n := newTrackedNode(nil, "/a", Entry{Right: File("a", nil)}, h)
	n.FireChange()
	assert.Equal(t, "*a", n.Name())
}

func TestNodeTreeOperations(t *testing.T) {
	h := &host{}
	root := newTrackedNode(nil, RootKey, Entry{}, h)
	p := newTrackedNode(root, "/p", Entry{Left: Folder("p"), Right: Folder("p")}, h)
	a := newTrackedNode(p, "/p/a", Entry{Kind: KindAdd, Right: File("a", nil)}, h)
	b := newTrackedNode(p, "/p/b", Entry{Kind: KindChange, Direction: DirConflicting, Left: File("b", nil), Right: File("b", nil)}, h)
	c := newTrackedNode(p, "/p/c", Entry{Kind: KindRemove, Left: File("c", nil)}, h)

	assert.True(t, root.IsRoot())
	assert.Same(t, p, a.Parent())
	assert.Equal(t, []*Node{a, b, c}, p.Children())

	var walked []Key
	for n := range root.Walk() {
		walked = append(walked, n.Key())
	}
	assert.Equal(t, []Key{RootKey, "/p", "/p/a", "/p/b", "/p/c"}, walked)

	var chain []Key
	for n := range b.Ancestors() {
		chain = append(chain, n.Key())
	}
	assert.Equal(t, []Key{"/p", RootKey}, chain)

	assert.Equal(t, Summary{Added: 1, Removed: 1, Changed: 1, Conflicts: 1}, p.Summary())
	assert.Equal(t, "p [+1 -1 ~1 !1]", p.Label())
	assert.Equal(t, "a", a.Label())

	b.detach()
	assert.Nil(t, b.Parent())
	assert.Equal(t, []*Node{a, c}, p.Children())
	assert.Equal(t, "p [+1 -1]", p.Label())

	b.release()
	assert.True(t, b.Removed())
	assert.Nil(t, b.Identity())
}
