package fsset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"sync"

	"github.com/chenyanchen/difftree"
	"golang.org/x/sync/errgroup"
)

// Option configures a Set.
type Option func(*Set)

// WithLock shares l with the Synchronizer mirroring the set.
func WithLock(l *difftree.Lock) Option {
	return func(s *Set) {
		if l != nil {
			s.lock = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Set) {
		if l != nil {
			s.logger = l
		}
	}
}

// Set is a difftree.Source comparing two directory trees. Its content is the
// result of the last scan; call Refresh or Watch to pick up changes.
type Set struct {
	cfg    Config
	lock   *difftree.Lock
	logger *slog.Logger
	loader *loader

	// scanMu serializes scan-and-swap. It is never held while delivering.
	scanMu sync.Mutex

	mu        sync.RWMutex
	scanned   bool
	root      difftree.Entry
	records   map[difftree.Key]record
	children  map[difftree.Key][]difftree.Key
	listeners []difftree.Listener
}

var _ difftree.Source = (*Set)(nil)

func New(cfg Config, opts ...Option) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new fsset: %w", err)
	}
	left, err := filepath.Abs(cfg.Left)
	if err != nil {
		return nil, fmt.Errorf("new fsset: %w", err)
	}
	right, err := filepath.Abs(cfg.Right)
	if err != nil {
		return nil, fmt.Errorf("new fsset: %w", err)
	}
	cfg.Left, cfg.Right = left, right

	s := &Set{
		cfg:      cfg,
		lock:     difftree.NewLock(),
		logger:   slog.New(slog.DiscardHandler),
		loader:   &loader{},
		records:  make(map[difftree.Key]record),
		children: make(map[difftree.Key][]difftree.Key),
		root: difftree.Entry{
			Left:  difftree.Folder(filepath.Base(left)),
			Right: difftree.Folder(filepath.Base(right)),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the normalized config; both roots are absolute.
func (s *Set) Config() Config {
	return s.cfg
}

// Lock returns the lock Refresh delivers under.
func (s *Set) Lock() *difftree.Lock {
	return s.lock
}

// Connect registers l and performs the initial scan if none happened yet.
// A scan failure is returned as is; difftree.Synchronizer reports it as a
// SourceUnavailableError.
func (s *Set) Connect(ctx context.Context, l difftree.Listener) error {
	if l == nil {
		return errors.New("connect fsset: listener is nil")
	}
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	s.mu.RLock()
	scanned := s.scanned
	s.mu.RUnlock()
	if !scanned {
		next, err := s.load(ctx)
		if err != nil {
			return err
		}
		s.swap(next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if sameListener(existing, l) {
			return nil
		}
	}
	s.listeners = append(s.listeners, l)
	return nil
}

func (s *Set) Disconnect(l difftree.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(existing difftree.Listener) bool {
		return sameListener(existing, l)
	})
}

func (s *Set) Root() difftree.Key {
	return difftree.RootKey
}

func (s *Set) Parent(k difftree.Key) (difftree.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[k]; !ok {
		return "", false
	}
	return k.Parent(), true
}

func (s *Set) Children(k difftree.Key) []difftree.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.children[k])
}

func (s *Set) Entry(k difftree.Key) (difftree.Entry, bool) {
	if k == difftree.RootKey {
		return s.root, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[k]
	return r.entry, ok
}

// Len returns the number of differing paths and their containing folders.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Refresh rescans both roots and delivers the difference to the previous
// scan as one batch. It holds the lock for the whole scan so listeners see
// scans in order. An empty batch is not delivered.
func (s *Set) Refresh(ctx context.Context) (difftree.Batch, error) {
	ctx, owner := ownerOf(ctx, "fsset.refresh")
	s.lock.Acquire(owner)
	defer func() {
		if err := s.lock.Release(owner); err != nil {
			s.logger.Error("release lock", "owner", owner, "error", err)
		}
	}()

	s.scanMu.Lock()
	next, err := s.load(ctx)
	if err != nil {
		s.scanMu.Unlock()
		return difftree.Batch{}, err
	}
	b := s.swap(next)
	s.scanMu.Unlock()

	if b.Empty() {
		s.logger.Debug("refresh found no changes")
		return b, nil
	}
	s.logger.Info("refresh",
		"removed", len(b.Removed), "added", len(b.Added), "changed", len(b.Changed))
	return b, s.deliver(ctx, difftree.Event{Batch: b})
}

// load scans both roots in parallel and compares them.
func (s *Set) load(ctx context.Context) (map[difftree.Key]record, error) {
	var left, right tree
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		left, err = scan(gctx, s.cfg, s.cfg.Left)
		return err
	})
	g.Go(func() error {
		var err error
		right, err = scan(gctx, s.cfg, s.cfg.Right)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return compare(left, right, s.loader), nil
}

func (s *Set) swap(next map[difftree.Key]record) difftree.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := diffRecords(s.records, next)
	s.records = next
	s.children = childIndex(next)
	s.scanned = true
	return b
}

func (s *Set) deliver(ctx context.Context, ev difftree.Event) error {
	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

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

func ownerOf(ctx context.Context, name string) (context.Context, difftree.Owner) {
	if o, ok := difftree.OwnerFrom(ctx); ok {
		return ctx, o
	}
	o := difftree.NewOwner(name)
	return difftree.WithOwner(ctx, o), o
}

func sameListener(a, b difftree.Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
