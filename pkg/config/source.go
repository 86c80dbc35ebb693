package config

import (
	"sort"
	"sync"

	"github.com/polisai/polis-governance/pkg/domain"
)

// listeners fans configuration events out to subscribers in subscription
// order. Callbacks run synchronously on the notifying goroutine.
type listeners struct {
	mu   sync.RWMutex
	subs []domain.ChangeListener
}

func (l *listeners) add(listener domain.ChangeListener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	l.subs = append(l.subs, listener)
	l.mu.Unlock()
}

func (l *listeners) notify(keys []string) {
	if len(keys) == 0 {
		return
	}
	l.mu.RLock()
	subs := make([]domain.ChangeListener, len(l.subs))
	copy(subs, l.subs)
	l.mu.RUnlock()

	event := domain.ConfigurationChangedEvent{ChangedKeys: keys}
	for _, sub := range subs {
		sub.OnConfigurationChanged(event)
	}
}

// MemorySource is an in-memory domain.ConfigSource. It backs tests and
// embedders that push configuration programmatically.
type MemorySource struct {
	mu     sync.RWMutex
	values map[string]string
	listeners
}

// NewMemorySource creates a source holding a copy of initial.
func NewMemorySource(initial map[string]string) *MemorySource {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemorySource{values: values}
}

// Property implements domain.ConfigSource.
func (s *MemorySource) Property(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Properties implements domain.ConfigSource.
func (s *MemorySource) Properties() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Subscribe implements domain.ConfigSource.
func (s *MemorySource) Subscribe(listener domain.ChangeListener) {
	s.add(listener)
}

// Set stores value under key and notifies subscribers when it changed.
func (s *MemorySource) Set(key, value string) {
	s.mu.Lock()
	old, existed := s.values[key]
	s.values[key] = value
	s.mu.Unlock()
	if !existed || old != value {
		s.notify([]string{key})
	}
}

// Delete removes key and notifies subscribers when it existed.
func (s *MemorySource) Delete(key string) {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()
	if existed {
		s.notify([]string{key})
	}
}

// Replace swaps the whole key set and publishes one event naming every key
// that was added, removed or modified.
func (s *MemorySource) Replace(values map[string]string) {
	next := make(map[string]string, len(values))
	for k, v := range values {
		next[k] = v
	}
	s.mu.Lock()
	changed := diffKeys(s.values, next)
	s.values = next
	s.mu.Unlock()
	s.notify(changed)
}

// diffKeys returns the sorted keys whose presence or value differs.
func diffKeys(prev, next map[string]string) []string {
	var changed []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
