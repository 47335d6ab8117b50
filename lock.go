package difftree

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Owner identifies one logical unit of execution holding a Lock.
// Goroutines have no identity of their own, so callers mint an Owner and
// carry it through their call chain (see WithOwner).
type Owner struct {
	id   uuid.UUID
	name string
}

// NewOwner returns a fresh owner. The name is only used for logs and errors.
func NewOwner(name string) Owner {
	return Owner{id: uuid.New(), name: name}
}

// Valid reports whether o was created by NewOwner.
func (o Owner) Valid() bool {
	return o.id != uuid.Nil
}

func (o Owner) String() string {
	if !o.Valid() {
		return "<none>"
	}
	if o.name == "" {
		return o.id.String()
	}
	return o.name + "#" + o.id.String()[:8]
}

type ownerContextKey struct{}

// WithOwner returns a context carrying o, so nested calls re-enter a Lock as
// the same owner.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, o)
}

// OwnerFrom returns the owner carried by ctx.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	if ctx == nil {
		return Owner{}, false
	}
	o, ok := ctx.Value(ownerContextKey{}).(Owner)
	return o, ok && o.Valid()
}

// ensureOwner returns ctx and its owner, minting one named name if absent.
func ensureOwner(ctx context.Context, name string) (context.Context, Owner) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o, ok := OwnerFrom(ctx); ok {
		return ctx, o
	}
	o := NewOwner(name)
	return WithOwner(ctx, o), o
}

// Lock is a nested (reentrant) mutual exclusion lock keyed by Owner.
// The holder may acquire it any number of times; other owners block until
// every nested acquisition has been released. Waiters race for the lock
// when it frees up; there is no fairness.
type Lock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	owner    Owner
	depth    int
	readOnly map[uuid.UUID]struct{}
	logger   *slog.Logger
}

func NewLock() *Lock {
	return NewLockWithLogger(nil)
}

// NewLockWithLogger returns a Lock that traces contention at debug level.
func NewLockWithLogger(logger *slog.Logger) *Lock {
	if logger == nil {
		logger = discardLogger()
	}
	l := &Lock{
		readOnly: make(map[uuid.UUID]struct{}),
		logger:   logger,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until the lock is free or already held by o.
// It panics if o was not created by NewOwner.
func (l *Lock) Acquire(o Owner) {
	if !o.Valid() {
		panic("difftree: Acquire with zero Owner")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != o || l.depth == 0 {
		for l.depth != 0 {
			l.logger.Debug("waiting for lock", "owner", o.String(), "holder", l.owner.String())
			l.cond.Wait()
		}
		l.owner = o
		l.logger.Debug("acquired lock", "owner", o.String())
	}
	l.depth++
}

// Release undoes one Acquire by o. When the outermost acquisition is
// released the lock is freed and all waiters are woken.
func (l *Lock) Release(o Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !o.Valid() || l.depth == 0 || l.owner != o {
		return LockOwnershipError{Op: "release", Caller: o, Holder: l.owner}
	}
	l.depth--
	if l.depth == 0 {
		l.logger.Debug("released lock", "owner", o.String())
		l.owner = Owner{}
		l.cond.Broadcast()
	}
	return nil
}

// NestingDepth returns how many times o currently holds the lock.
// Only the holder may ask.
func (l *Lock) NestingDepth(o Owner) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !o.Valid() || l.depth == 0 || l.owner != o {
		return 0, LockOwnershipError{Op: "read nesting depth", Caller: o, Holder: l.owner}
	}
	return l.depth, nil
}

// Holder returns the current owner, if any.
func (l *Lock) Holder() (Owner, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return Owner{}, false
	}
	return l.owner, true
}

// MarkReadOnly records that o only reads while it holds the lock.
// The lock does not enforce this; callers consult IsReadOnly to skip
// write-path work.
func (l *Lock) MarkReadOnly(o Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readOnly[o.id] = struct{}{}
}

// UnmarkReadOnly forgets a MarkReadOnly registration.
func (l *Lock) UnmarkReadOnly(o Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.readOnly, o.id)
}

// IsReadOnly reports whether the current holder was marked read-only.
func (l *Lock) IsReadOnly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return false
	}
	_, ok := l.readOnly[l.owner.id]
	return ok
}

// with runs fn while o holds the lock.
func (l *Lock) with(o Owner, fn func() error) (err error) {
	l.Acquire(o)
	defer func() {
		if relErr := l.Release(o); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}
