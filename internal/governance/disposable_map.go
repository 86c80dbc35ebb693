package governance

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ProcessorExpiry is how long an unused processor stays cached.
const ProcessorExpiry = 10 * time.Minute

// RemoveListener is told about entries the expiry sweep found stale. It is
// responsible for removing and disposing them.
type RemoveListener[P any] func(key string, d *Disposable[P])

// DisposableMap is a concurrent key to Disposable mapping with an
// opportunistic expiry sweep on every Put.
type DisposableMap[P any] struct {
	entries  sync.Map // string -> *Disposable[P]
	clock    clock.PassiveClock
	expiry   time.Duration
	onExpire RemoveListener[P]
}

// NewDisposableMap creates a map that reports stale entries to onExpire. A
// nil onExpire removes and disposes them directly.
func NewDisposableMap[P any](clk clock.PassiveClock, onExpire RemoveListener[P]) *DisposableMap[P] {
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &DisposableMap[P]{clock: clk, expiry: ProcessorExpiry}
	if onExpire == nil {
		onExpire = func(key string, d *Disposable[P]) { m.RemoveEntry(key, d) }
	}
	m.onExpire = onExpire
	return m
}

// Get returns the entry for key without side effects.
func (m *DisposableMap[P]) Get(key string) (*Disposable[P], bool) {
	v, ok := m.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Disposable[P]), true
}

// Put stores d under key, disposing any entry it replaces, then sweeps every
// entry unused for at least the expiry window.
func (m *DisposableMap[P]) Put(key string, d *Disposable[P]) {
	if prev, loaded := m.entries.Swap(key, d); loaded {
		if old := prev.(*Disposable[P]); old != d {
			old.Dispose()
		}
	}

	now := m.clock.Now()
	m.entries.Range(func(k, v any) bool {
		entry := v.(*Disposable[P])
		if now.Sub(entry.LastAccessed()) >= m.expiry {
			m.onExpire(k.(string), entry)
		}
		return true
	})
}

// Remove deletes and disposes the entry for key.
func (m *DisposableMap[P]) Remove(key string) bool {
	v, ok := m.entries.LoadAndDelete(key)
	if !ok {
		return false
	}
	v.(*Disposable[P]).Dispose()
	return true
}

// RemoveEntry deletes key only while it still maps to d, then disposes d.
func (m *DisposableMap[P]) RemoveEntry(key string, d *Disposable[P]) bool {
	if !m.entries.CompareAndDelete(key, d) {
		return false
	}
	d.Dispose()
	return true
}

// RemoveOwnedBy deletes and disposes every entry built from the policy key
// owner and returns the removed keys.
func (m *DisposableMap[P]) RemoveOwnedBy(owner string) []string {
	var removed []string
	m.entries.Range(func(k, v any) bool {
		key, d := k.(string), v.(*Disposable[P])
		if d.Owner() == owner && m.RemoveEntry(key, d) {
			removed = append(removed, key)
		}
		return true
	})
	sort.Strings(removed)
	return removed
}

// Len returns the number of entries.
func (m *DisposableMap[P]) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Keys returns the sorted keys.
func (m *DisposableMap[P]) Keys() []string {
	var keys []string
	m.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}
