package governance

import (
	"time"
)

type outcome struct {
	failed bool
	slow   bool
}

type windowStats struct {
	calls    int
	failures int
	slow     int
}

func (s *windowStats) add(o outcome) {
	s.calls++
	if o.failed {
		s.failures++
	}
	if o.slow {
		s.slow++
	}
}

func (s *windowStats) remove(o outcome) {
	s.calls--
	if o.failed {
		s.failures--
	}
	if o.slow {
		s.slow--
	}
}

func (s windowStats) failureRate() float64 {
	if s.calls == 0 {
		return 0
	}
	return float64(s.failures) / float64(s.calls) * 100
}

func (s windowStats) slowRate() float64 {
	if s.calls == 0 {
		return 0
	}
	return float64(s.slow) / float64(s.calls) * 100
}

// slidingWindow aggregates the outcomes a breaker evaluates.
type slidingWindow interface {
	record(now time.Time, o outcome)
	snapshot(now time.Time) windowStats
	reset(now time.Time)
}

// countWindow holds the outcomes of the last size calls.
type countWindow struct {
	ring   []outcome
	next   int
	filled int
	stats  windowStats
}

func newCountWindow(size int) *countWindow {
	if size <= 0 {
		size = 1
	}
	return &countWindow{ring: make([]outcome, size)}
}

func (w *countWindow) record(_ time.Time, o outcome) {
	if w.filled == len(w.ring) {
		w.stats.remove(w.ring[w.next])
	} else {
		w.filled++
	}
	w.ring[w.next] = o
	w.stats.add(o)
	w.next = (w.next + 1) % len(w.ring)
}

func (w *countWindow) snapshot(time.Time) windowStats { return w.stats }

func (w *countWindow) reset(time.Time) {
	clear(w.ring)
	w.next = 0
	w.filled = 0
	w.stats = windowStats{}
}

// timeWindow aggregates the calls of the last size seconds in one second
// buckets.
type timeWindow struct {
	buckets            []windowStats
	bucketDuration     time.Duration
	currentBucketIdx   int
	currentBucketStart time.Time
}

func newTimeWindow(seconds int, now time.Time) *timeWindow {
	if seconds <= 0 {
		seconds = 1
	}
	w := &timeWindow{
		buckets:        make([]windowStats, seconds),
		bucketDuration: time.Second,
	}
	w.reset(now)
	return w
}

func (w *timeWindow) record(now time.Time, o outcome) {
	w.rotate(now)
	w.buckets[w.currentBucketIdx].add(o)
}

func (w *timeWindow) snapshot(now time.Time) windowStats {
	w.rotate(now)
	var total windowStats
	for _, b := range w.buckets {
		total.calls += b.calls
		total.failures += b.failures
		total.slow += b.slow
	}
	return total
}

func (w *timeWindow) reset(now time.Time) {
	clear(w.buckets)
	w.currentBucketIdx = 0
	w.currentBucketStart = now.Truncate(w.bucketDuration)
}

// rotate advances the current bucket to now, clearing every bucket it passes.
// A gap longer than the window clears all of them.
func (w *timeWindow) rotate(now time.Time) {
	if now.Before(w.currentBucketStart) {
		return
	}
	steps := int(now.Sub(w.currentBucketStart) / w.bucketDuration)
	if steps == 0 {
		return
	}
	if steps > len(w.buckets) {
		steps = len(w.buckets)
		w.currentBucketStart = now.Truncate(w.bucketDuration).Add(-time.Duration(steps) * w.bucketDuration)
	}
	for i := 0; i < steps; i++ {
		w.currentBucketIdx = (w.currentBucketIdx + 1) % len(w.buckets)
		w.currentBucketStart = w.currentBucketStart.Add(w.bucketDuration)
		w.buckets[w.currentBucketIdx] = windowStats{}
	}
}
