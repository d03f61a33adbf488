// Package schedule holds the shared stack of cells waiting for a worker.
package schedule

import (
	"fmt"
	"strings"
	"sync"

	"github.com/freeeve/hipsgen/internal/healpix"
)

// Scheduler is a LIFO stack of work items. A freshly delegated subtree is
// picked up before older top-level cells. All mutations hold one mutex.
type Scheduler struct {
	mu        sync.Mutex
	stack     []*Item
	enqueued  uint64
	delegated uint64
	reclaimed uint64
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{stack: make([]*Item, 0, 64)}
}

// Enqueue pushes a top-level cell.
func (s *Scheduler) Enqueue(cell healpix.Cell) *Item {
	it := newItem(cell, Pending, NoWorker)
	s.mu.Lock()
	defer s.mu.Unlock()
	it.queued = true
	s.stack = append(s.stack, it)
	s.enqueued++
	return it
}

// Delegate pushes cell on behalf of requester, which will wait for it.
func (s *Scheduler) Delegate(cell healpix.Cell, requester int) *Item {
	it := newItem(cell, Delegated, requester)
	s.mu.Lock()
	defer s.mu.Unlock()
	it.queued = true
	s.stack = append(s.stack, it)
	s.delegated++
	return it
}

// Dequeue pops the most recent item and assigns it to worker. It returns nil
// when the stack is empty; callers poll again after a short sleep.
func (s *Scheduler) Dequeue(worker int) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stack)
	if n == 0 {
		return nil
	}
	it := s.stack[n-1]
	s.stack[n-1] = nil
	s.stack = s.stack[:n-1]

	it.mu.Lock()
	it.queued = false
	it.owner = worker
	it.mu.Unlock()
	return it
}

// Reclaim takes back a delegated item nobody has picked up yet so that worker
// can compute it itself. It reports whether the item was still queued.
func (s *Scheduler) Reclaim(it *Item, worker int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.queued {
		return false
	}
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] == it {
			copy(s.stack[i:], s.stack[i+1:])
			s.stack[len(s.stack)-1] = nil
			s.stack = s.stack[:len(s.stack)-1]
			break
		}
	}
	it.queued = false
	it.owner = worker
	s.reclaimed++
	return true
}

// Len returns the number of queued items.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// Counters returns how many items were enqueued, delegated and reclaimed.
func (s *Scheduler) Counters() (enqueued, delegated, reclaimed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueued, s.delegated, s.reclaimed
}

// Dump lists the queued items, top of the stack first.
func (s *Scheduler) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "queue: %d items\n", len(s.stack))
	for i := len(s.stack) - 1; i >= 0; i-- {
		it := s.stack[i]
		it.mu.Lock()
		fmt.Fprintf(&sb, "  %s %s requester=%d\n", it.cell, it.state, it.requester)
		it.mu.Unlock()
	}
	return sb.String()
}
