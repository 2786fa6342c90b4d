package kline

import (
	"container/heap"
	"sync"

	"dex-kline-engine/internal/domain"
)

// bucketKey identifies one live bucket across the engine.
type bucketKey struct {
	network     string
	pairAddress string
	resolution  domain.Resolution
	periodStart int64
}

// seriesKey identifies one (network, pair, resolution) bar series.
type seriesKey struct {
	network     string
	pairAddress string
	resolution  domain.Resolution
}

func (k bucketKey) series() seriesKey {
	return seriesKey{network: k.network, pairAddress: k.pairAddress, resolution: k.resolution}
}

// timerEntry is one pending bucket closure.
type timerEntry struct {
	fireAt int64 // ms
	key    bucketKey
}

// timerHeap is a min-heap of timer entries ordered by fire time.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].fireAt < h[j].fireAt }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// scheduler is a single min-heap of (fireTime, bucketKey) pairs replacing
// per-bucket timer handles. One timer-processing task drains it; the sweep
// cancels entries whose bucket it already force-closed.
type scheduler struct {
	mu      sync.Mutex
	entries timerHeap
	// pending maps scheduled keys to their fire time. Cancellation removes
	// the key here; stale heap entries are skipped lazily on pop.
	pending map[bucketKey]int64
}

func newScheduler() *scheduler {
	return &scheduler{
		pending: make(map[bucketKey]int64),
	}
}

// schedule registers a one-shot closure timer for a bucket.
// Scheduling an already-pending key is a no-op.
func (s *scheduler) schedule(key bucketKey, fireAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[key]; exists {
		return
	}
	s.pending[key] = fireAt
	heap.Push(&s.entries, &timerEntry{fireAt: fireAt, key: key})
}

// cancel discards a pending timer, e.g. after the sweep force-closed the bucket.
func (s *scheduler) cancel(key bucketKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// popDue removes and returns all buckets whose fire time has passed.
// Entries cancelled since scheduling are dropped silently.
func (s *scheduler) popDue(nowMs int64) []bucketKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []bucketKey
	for s.entries.Len() > 0 && s.entries[0].fireAt <= nowMs {
		entry := heap.Pop(&s.entries).(*timerEntry)
		if _, ok := s.pending[entry.key]; !ok {
			continue // cancelled
		}
		delete(s.pending, entry.key)
		due = append(due, entry.key)
	}
	return due
}

// pendingCount returns the number of live timers.
func (s *scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
