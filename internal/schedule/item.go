package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/tile"
)

// State of a WorkItem.
type State int32

const (
	Pending State = iota
	Delegated
	Ready
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delegated:
		return "delegated"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// NoWorker marks an item without owner or requester.
const NoWorker = -1

// Item is one cell to compute. Its result is set once by the worker that
// computes it; a requester waiting on a delegated item is woken through the
// done channel.
type Item struct {
	cell healpix.Cell

	mu        sync.Mutex
	state     State
	result    *tile.Buffer
	owner     int
	requester int
	queued    bool
	done      chan struct{}
}

func newItem(cell healpix.Cell, state State, requester int) *Item {
	return &Item{
		cell:      cell,
		state:     state,
		owner:     NoWorker,
		requester: requester,
		done:      make(chan struct{}),
	}
}

// Cell returns the cell to compute.
func (it *Item) Cell() healpix.Cell { return it.cell }

// State returns the current state.
func (it *Item) State() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// Owner returns the worker computing the item, or NoWorker.
func (it *Item) Owner() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.owner
}

// Requester returns the worker that delegated the item, or NoWorker.
func (it *Item) Requester() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.requester
}

// Done is closed when the item becomes Ready.
func (it *Item) Done() <-chan struct{} { return it.done }

// Resolve stores the result (nil = no contribution) and wakes the requester.
// Only the first call has an effect.
func (it *Item) Resolve(result *tile.Buffer) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state == Ready {
		return
	}
	it.state = Ready
	it.result = result
	close(it.done)
}

// Result returns the result and whether the item is Ready.
func (it *Item) Result() (*tile.Buffer, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.result, it.state == Ready
}

// Wait blocks until the item is Ready, the context ends, or poll elapses.
// It reports whether the item is Ready.
func (it *Item) Wait(ctx context.Context, poll time.Duration) (bool, error) {
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-it.done:
		return true, nil
	case <-ctx.Done():
		return false, context.Cause(ctx)
	case <-t.C:
		return false, nil
	}
}
