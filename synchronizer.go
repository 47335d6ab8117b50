package difftree

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// State is the phase a Synchronizer is in.
type State int32

const (
	StateIdle State = iota
	StateApplyingRemovals
	StateApplyingAdditions
	StateApplyingChanges
	StateFlushingLabels
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplyingRemovals:
		return "applying-removals"
	case StateApplyingAdditions:
		return "applying-additions"
	case StateApplyingChanges:
		return "applying-changes"
	case StateFlushingLabels:
		return "flushing-labels"
	case StateRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotPrepared means a batch arrived before the initial build.
var ErrNotPrepared = errors.New("difftree: synchronizer not prepared")

// Committer persists the accepted changes of one dirty node.
type Committer interface {
	Commit(ctx context.Context, n *Node) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, n *Node) error

func (f CommitFunc) Commit(ctx context.Context, n *Node) error {
	return f(ctx, n)
}

// Synchronizer mirrors a Source into a tree of Nodes.
//
// Semantics of one batch, all under the lock:
// 1. removals: clear each removed subtree from the tree and the index
// 2. additions: replace existing nodes, build new subtrees eagerly
// 3. changes: refresh entries in place and fire change on each node
// 4. flush: report structural changes, then the touched ancestors once
//
// A reset event rebuilds the whole tree instead.
type Synchronizer struct {
	source Source
	lock   *Lock
	logger *slog.Logger
	tel    *telemetry
	host   *host

	root  atomic.Pointer[Node]
	index *index
	state atomic.Int32

	// Per-batch accumulators, only touched under lock.
	touched map[*Node]struct{}
	created map[*Node]struct{}
	added   []*Node
	removed []*Node
	changed []*Node

	warnMu   sync.Mutex
	warnings []OrphanedAdditionWarning

	connected bool
	closed    atomic.Bool
}

func New(source Source, opts ...Option) (*Synchronizer, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}
	if o.lock == nil {
		o.lock = NewLockWithLogger(o.logger)
	}
	tel, err := newTelemetry(o.meterProvider, o.tracerProvider)
	if err != nil {
		return nil, fmt.Errorf("new synchronizer: init telemetry: %w", err)
	}
	return &Synchronizer{
		source:  source,
		lock:    o.lock,
		logger:  o.logger,
		tel:     tel,
		host:    &host{view: o.presenter, format: o.nameFormat},
		index:   newIndex(),
		touched: make(map[*Node]struct{}),
		created: make(map[*Node]struct{}),
	}, nil
}

// Lock returns the lock guarding the tree and the backing state.
func (s *Synchronizer) Lock() *Lock {
	return s.lock
}

// SetPresenter attaches or, with nil, detaches the view.
func (s *Synchronizer) SetPresenter(p Presenter) {
	s.host.setPresenter(p)
}

// Root returns the root node, or nil before PrepareInput.
func (s *Synchronizer) Root() *Node {
	return s.root.Load()
}

// Lookup returns the live node for k.
func (s *Synchronizer) Lookup(k Key) (*Node, bool) {
	return s.index.get(k)
}

// Keys returns the sorted keys currently in the tree.
func (s *Synchronizer) Keys() []Key {
	return s.index.keys()
}

// Len returns the number of nodes in the tree.
func (s *Synchronizer) Len() int {
	return s.index.len()
}

// State returns the current phase.
func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

func (s *Synchronizer) setState(st State) {
	s.state.Store(int32(st))
}

// Warnings returns the orphaned additions recorded so far.
func (s *Synchronizer) Warnings() []OrphanedAdditionWarning {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	return append([]OrphanedAdditionWarning(nil), s.warnings...)
}

// DrainWarnings returns and forgets the recorded orphaned additions.
func (s *Synchronizer) DrainWarnings() []OrphanedAdditionWarning {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	out := s.warnings
	s.warnings = nil
	return out
}

// PrepareInput connects to the source and builds the whole tree.
// Events the source delivers meanwhile wait on the lock until the build is
// complete. If ctx is cancelled the partial tree is kept and no
// notification is sent; the next rebuild discards it.
func (s *Synchronizer) PrepareInput(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, owner := ensureOwner(ctx, "difftree.prepare")
	return s.lock.with(owner, func() error {
		if !s.connected {
			if err := s.source.Connect(ctx, s); err != nil {
				return SourceUnavailableError{Err: err}
			}
			s.connected = true
		}
		return s.rebuild(ctx)
	})
}

// Rebuild discards the tree and builds it again from the source.
func (s *Synchronizer) Rebuild(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, owner := ensureOwner(ctx, "difftree.rebuild")
	return s.lock.with(owner, func() error {
		return s.rebuild(ctx)
	})
}

func (s *Synchronizer) rebuild(ctx context.Context) error {
	ctx, span := s.tel.startRebuild(ctx)
	defer span.End()

	s.setState(StateRebuilding)
	defer s.setState(StateIdle)
	s.resetBatch()
	defer s.resetBatch()

	if old := s.root.Load(); old != nil {
		for n := range old.Walk() {
			n.release()
		}
	}
	s.index.clear()

	rootKey := s.source.Root()
	root := s.createNode(nil, rootKey)
	s.root.Store(root)

	if err := s.buildChildren(ctx, root); err != nil {
		result := "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = "canceled"
		}
		s.tel.recordRebuild(ctx, result)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("rebuild interrupted", "nodes", s.index.len(), "error", err)
		return fmt.Errorf("rebuild tree: %w", err)
	}

	s.tel.recordRebuild(ctx, "ok")
	s.logger.Debug("rebuilt tree", "root", rootKey, "nodes", s.index.len())
	if rb, ok := s.host.presenter().(Rebuilder); ok {
		rb.OnRebuilt(root)
	}
	return nil
}

// buildChildren creates the whole subtree below parent, depth first.
func (s *Synchronizer) buildChildren(ctx context.Context, parent *Node) error {
	for _, k := range s.source.Children(parent.key) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, exists := s.index.get(k); exists {
			s.logger.Warn("skipping duplicate key in source hierarchy", "key", k, "parent", parent.key)
			continue
		}
		child := s.createNode(parent, k)
		if err := s.buildChildren(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) createNode(parent *Node, k Key) *Node {
	entry, _ := s.source.Entry(k)
	n := newTrackedNode(parent, k, entry, s.host)
	s.index.put(k, n)
	s.created[n] = struct{}{}
	return n
}

// clear removes n and its descendants from the index and the tree.
func (s *Synchronizer) clear(n *Node) {
	for _, child := range n.Children() {
		s.clear(child)
	}
	s.index.remove(n.key, n)
	n.detach()
	n.release()
}

// HandleEvent implements Listener.
func (s *Synchronizer) HandleEvent(ctx context.Context, ev Event) error {
	if ev.Reset {
		return s.Rebuild(ctx)
	}
	return s.OnBatch(ctx, ev.Batch)
}

// Consume handles events from ch until it is closed or ctx is done.
// Failing events are logged and skipped.
func (s *Synchronizer) Consume(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.HandleEvent(ctx, ev); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				s.logger.Error("handle event", "reset", ev.Reset, "error", err)
			}
		}
	}
}

// OnBatch applies one coalesced batch of source changes.
func (s *Synchronizer) OnBatch(ctx context.Context, b Batch) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, owner := ensureOwner(ctx, "difftree.batch")
	ctx, span := s.tel.startBatch(ctx, b)
	defer span.End()

	started := time.Now()
	err := s.lock.with(owner, func() error {
		root := s.root.Load()
		if root == nil {
			return ErrNotPrepared
		}
		// Batches are not cancellable once started.
		work := context.WithoutCancel(ctx)
		s.resetBatch()

		s.setState(StateApplyingRemovals)
		for _, k := range b.Removed {
			s.applyRemoval(root, k)
		}
		s.setState(StateApplyingAdditions)
		for _, k := range b.Added {
			s.applyAddition(work, root, k)
		}
		s.setState(StateApplyingChanges)
		for _, k := range b.Changed {
			s.applyChange(k)
		}
		s.setState(StateFlushingLabels)
		flushed := s.flush()
		s.setState(StateIdle)

		s.tel.recordBatch(ctx, b, flushed, started)
		s.logger.Debug("applied batch",
			"removed", len(b.Removed), "added", len(b.Added), "changed", len(b.Changed), "relabeled", flushed)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Synchronizer) applyRemoval(root *Node, k Key) {
	n, ok := s.index.get(k)
	if !ok {
		s.logger.Debug("removal of unknown key ignored", "key", k)
		return
	}
	if n == root {
		for _, child := range root.Children() {
			s.clear(child)
			s.removed = append(s.removed, child)
		}
		s.touch(root)
		return
	}
	parent := n.parent
	s.clear(n)
	s.removed = append(s.removed, n)
	s.touch(parent)
}

func (s *Synchronizer) applyAddition(ctx context.Context, root *Node, k Key) {
	if k == root.key {
		for _, child := range root.Children() {
			s.clear(child)
			s.removed = append(s.removed, child)
		}
		// ctx is never cancelled on the batch path, so the build cannot fail.
		_ = s.buildChildren(ctx, root)
		s.added = append(s.added, root.Children()...)
		s.touch(root)
		return
	}

	if existing, ok := s.index.get(k); ok {
		if _, fresh := s.created[existing]; fresh {
			// Already built this batch as part of an added ancestor.
			return
		}
		parent := existing.parent
		s.clear(existing)
		s.removed = append(s.removed, existing)
		s.touch(parent)
	}

	parentKey, ok := s.source.Parent(k)
	if !ok {
		parentKey = k.Parent()
	}
	parent, ok := s.index.get(parentKey)
	if !ok {
		w := OrphanedAdditionWarning{Key: k, Parent: parentKey}
		s.warnMu.Lock()
		s.warnings = append(s.warnings, w)
		s.warnMu.Unlock()
		s.tel.recordOrphan(ctx)
		s.logger.Warn("dropping addition with unknown parent", "key", k, "parent", parentKey)
		return
	}

	n := s.createNode(parent, k)
	// ctx is never cancelled on the batch path, so the build cannot fail.
	_ = s.buildChildren(ctx, n)
	s.added = append(s.added, n)
	s.touch(parent)
}

func (s *Synchronizer) applyChange(k Key) {
	n, ok := s.index.get(k)
	if !ok {
		s.logger.Debug("change of unknown key ignored", "key", k)
		return
	}
	n.remember()
	entry, _ := s.source.Entry(k)
	n.setEntry(entry)
	n.FireChange()
	s.changed = append(s.changed, n)
	s.touch(n.parent)
}

// touch records p and its ancestors, the root included, for relabeling.
func (s *Synchronizer) touch(p *Node) {
	for ; p != nil; p = p.parent {
		s.touched[p] = struct{}{}
	}
}

// flush reports the batch to the presenter and returns how many ancestors
// were relabeled.
func (s *Synchronizer) flush() int {
	stale := make(map[*Node]struct{}, len(s.touched))
	for n := range s.touched {
		if !n.removed {
			stale[n] = struct{}{}
		}
	}
	changed := make([]*Node, 0, len(s.changed))
	for _, n := range s.changed {
		if !n.removed {
			changed = append(changed, n)
		}
	}
	added := make([]*Node, 0, len(s.added))
	for _, n := range s.added {
		if !n.removed {
			added = append(added, n)
		}
	}

	if p := s.host.presenter(); p != nil {
		if len(added) > 0 || len(s.removed) > 0 || len(changed) > 0 {
			p.OnTreeChanged(added, s.removed, changed)
		}
		if len(stale) > 0 {
			p.OnLabelsStale(stale)
		}
	}
	s.resetBatch()
	return len(stale)
}

func (s *Synchronizer) resetBatch() {
	clear(s.touched)
	clear(s.created)
	s.added = nil
	s.removed = nil
	s.changed = nil
}

// WalkDirty yields the dirty nodes of the tree depth-first. Each range over
// the sequence walks the tree afresh.
func (s *Synchronizer) WalkDirty() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		root := s.root.Load()
		if root == nil {
			return
		}
		for n := range root.Walk() {
			if n.IsDirty() && !yield(n) {
				return
			}
		}
	}
}

// ClearDirty marks n as committed. Its cached name and identity are kept.
func (s *Synchronizer) ClearDirty(n *Node) {
	if n == nil {
		return
	}
	n.clearDirty()
	if p := s.host.presenter(); p != nil && !n.removed {
		p.Redraw(n)
	}
}

// Commit hands every dirty node to c and clears the ones it accepts.
// Failures do not stop the walk; they are joined into the returned error.
func (s *Synchronizer) Commit(ctx context.Context, c Committer) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, owner := ensureOwner(ctx, "difftree.commit")
	return s.lock.with(owner, func() error {
		var errs []error
		for n := range s.WalkDirty() {
			if err := c.Commit(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("commit %s: %w", n.key, err))
				continue
			}
			s.ClearDirty(n)
		}
		return errors.Join(errs...)
	})
}

// Close disconnects from the source and drops the tree.
func (s *Synchronizer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.source.Disconnect(s)
	_, owner := ensureOwner(context.Background(), "difftree.close")
	return s.lock.with(owner, func() error {
		s.connected = false
		if root := s.root.Swap(nil); root != nil {
			for n := range root.Walk() {
				n.release()
			}
		}
		s.index.clear()
		s.resetBatch()
		return nil
	})
}
