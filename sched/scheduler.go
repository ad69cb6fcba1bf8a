package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRIORITY SCHEDULER - Soonest-expiry-first execution ordering
// ═══════════════════════════════════════════════════════════════════════════════
//
// Min-heap keyed by end_time, ties broken by discovery order. The heap
// holds only (token_id, end_time); the executor re-reads authoritative
// state before acting, so stale entries are tolerated and removal is
// lazy (entries are flagged and dropped when popped).
//
// ═══════════════════════════════════════════════════════════════════════════════

type entry struct {
	tokenID string
	endTime time.Time
	seq     uint64
	index   int
	removed bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].endTime.Equal(h[j].endTime) {
		return h[i].endTime.Before(h[j].endTime)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler orders eligible markets by time to expiry
type Scheduler struct {
	mu      sync.Mutex
	heap    entryHeap
	entries map[string]*entry
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[string]*entry)}
}

// Push queues a market snapshot; re-pushing an existing token id updates
// its priority instead.
func (s *Scheduler) Push(snap types.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[snap.TokenID]; ok && !e.removed {
		if !e.endTime.Equal(snap.EndTime) {
			e.endTime = snap.EndTime
			heap.Fix(&s.heap, e.index)
		}
		return
	}
	e := &entry{tokenID: snap.TokenID, endTime: snap.EndTime, seq: snap.Seq}
	s.entries[snap.TokenID] = e
	heap.Push(&s.heap, e)
	log.Debug().Str("token", shortToken(snap.TokenID)).Time("end_time", snap.EndTime).Msg("Market queued")
}

// Pop returns the soonest-expiring queued token id, or false when empty.
// Lazily-removed entries are discarded on the way out.
func (s *Scheduler) Pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.entries, e.tokenID)
		if !e.removed {
			return e.tokenID, true
		}
	}
	return "", false
}

// Peek returns the head token id without removing it
func (s *Scheduler) Peek() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		e := s.heap[0]
		if !e.removed {
			return e.tokenID, true
		}
		heap.Pop(&s.heap)
		delete(s.entries, e.tokenID)
	}
	return "", false
}

// UpdatePriority re-keys an existing entry to a new end_time
func (s *Scheduler) UpdatePriority(tokenID string, endTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[tokenID]
	if !ok || e.removed {
		return false
	}
	e.endTime = endTime
	heap.Fix(&s.heap, e.index)
	return true
}

// Remove flags an entry for lazy deletion
func (s *Scheduler) Remove(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[tokenID]
	if !ok || e.removed {
		return false
	}
	e.removed = true
	delete(s.entries, tokenID)
	return true
}

// Len returns the number of live entries
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
