package governance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Disposable wraps a constructed processor with its cache key, a generation
// id and the last time a lookup returned it. Dispose runs the teardown
// functions at most once.
type Disposable[P any] struct {
	key       string
	owner     string
	processor P
	id        uuid.UUID
	created   time.Time

	lastAccessed atomic.Pointer[time.Time]
	disposed     atomic.Bool
	disposeOnce  sync.Once
	teardown     []func()
}

// NewDisposable wraps processor. teardown runs on Dispose in order; nil
// entries are skipped.
func NewDisposable[P any](key string, processor P, now time.Time, teardown ...func()) *Disposable[P] {
	d := &Disposable[P]{
		key:       key,
		processor: processor,
		id:        uuid.New(),
		created:   now,
		teardown:  teardown,
	}
	d.lastAccessed.Store(&now)
	return d
}

// Key returns the cache key.
func (d *Disposable[P]) Key() string { return d.key }

// OwnedBy records the policy key the processor was built from and returns d.
func (d *Disposable[P]) OwnedBy(owner string) *Disposable[P] {
	d.owner = owner
	return d
}

// Owner returns the policy key set by OwnedBy, or the cache key.
func (d *Disposable[P]) Owner() string {
	if d.owner == "" {
		return d.key
	}
	return d.owner
}

// Processor returns the wrapped processor.
func (d *Disposable[P]) Processor() P { return d.processor }

// ID identifies this construction of the key.
func (d *Disposable[P]) ID() uuid.UUID { return d.id }

// Created returns the construction time.
func (d *Disposable[P]) Created() time.Time { return d.created }

// LastAccessed returns the time of the most recent Touch.
func (d *Disposable[P]) LastAccessed() time.Time {
	return *d.lastAccessed.Load()
}

// Touch records an access.
func (d *Disposable[P]) Touch(now time.Time) {
	d.lastAccessed.Store(&now)
}

// Disposed reports whether Dispose has run.
func (d *Disposable[P]) Disposed() bool { return d.disposed.Load() }

// Dispose releases the processor's resources. Repeated calls are no-ops.
func (d *Disposable[P]) Dispose() {
	d.disposeOnce.Do(func() {
		d.disposed.Store(true)
		for _, fn := range d.teardown {
			if fn != nil {
				fn()
			}
		}
	})
}
