package build

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/schedule"
	"github.com/freeeve/hipsgen/internal/tile"
)

// State of a worker.
type State int32

const (
	Start State = iota
	Wait
	Exec
	Suspend
	Died
)

var stateNames = [...]string{"start", "wait", "exec", "suspend", "died"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// maxDelegated is how many of a node's four children may go to other
// workers; the rest is computed locally.
const maxDelegated = 3

type worker struct {
	id   int
	b    *Builder
	log  zerolog.Logger
	acct *memory.Account

	state   atomic.Int32
	claimed atomic.Bool
	wake    chan struct{}

	mu   sync.Mutex
	cell string
}

func (b *Builder) newWorker(id int) *worker {
	acct := b.budget.Account(id)
	// A replaced worker may have left buffers behind.
	acct.Flush()
	return &worker{
		id:   id,
		b:    b,
		log:  b.log.With().Int("worker_id", id).Logger(),
		acct: acct,
		wake: make(chan struct{}, 1),
	}
}

func (w *worker) State() State { return State(w.state.Load()) }

func (w *worker) setState(s State) { w.state.Store(int32(s)) }

func (w *worker) setCell(c healpix.Cell) {
	w.mu.Lock()
	w.cell = c.String()
	w.mu.Unlock()
}

func (w *worker) status() WorkerStatus {
	w.mu.Lock()
	cell := w.cell
	w.mu.Unlock()
	return WorkerStatus{ID: w.id, State: w.State().String(), Cell: cell, Memory: w.acct.Used(), Buffers: w.acct.Len()}
}

// poke wakes the worker if it is sleeping.
func (w *worker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// sleep waits one poll interval, or less when woken or cancelled.
func (w *worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.b.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-t.C:
	}
}

// run is the worker loop. It returns when the build ends, the pool shrinks,
// or a task fails.
func (w *worker) run(ctx context.Context) error {
	w.log.Debug().Msg("worker started")
	defer func() {
		freed := w.acct.Flush()
		w.setState(Died)
		w.log.Debug().Int64("flushed", freed).Msg("worker stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.b.takeStop() {
			w.log.Info().Msg("worker stopping (pool shrunk)")
			return nil
		}
		if w.b.paused.Load() {
			w.setState(Suspend)
			w.sleep(ctx)
			continue
		}

		it := w.b.sched.Dequeue(w.id)
		if it == nil {
			w.claimed.Store(false)
			w.setState(Wait)
			w.sleep(ctx)
			continue
		}
		w.claimed.Store(false)
		w.setState(Exec)
		if err := w.execute(ctx, it); err != nil {
			return err
		}
	}
}

// execute computes a dequeued item and resolves it. A failure resolves the
// item to absent and aborts the build.
func (w *worker) execute(ctx context.Context, it *schedule.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: panic computing %s: %v", w.id, it.Cell(), r)
		}
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			// Unwinding after an abort.
			err = nil
		} else {
			w.log.Error().Err(err).Str("cell", it.Cell().String()).Msg("task failed")
			w.b.Abort(err)
		}
		// After Abort: a woken requester must see the cancelled context.
		it.Resolve(nil)
	}()

	buf, err := w.compute(ctx, it.Cell())
	if err != nil {
		return err
	}
	if it.Requester() == schedule.NoWorker {
		w.drop(buf)
		it.Resolve(nil)
		return nil
	}
	// The requester takes ownership.
	w.release(buf)
	it.Resolve(buf)
	return nil
}

// compute returns the tile of cell, nil when the cell has no content.
func (w *worker) compute(ctx context.Context, cell healpix.Cell) (*tile.Buffer, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	b := w.b
	w.setCell(cell)

	if !b.deps.Mask.Intersects(cell.Order, cell.Index) {
		buf, err := b.load(cell)
		if err != nil {
			return nil, err
		}
		w.hold(buf)
		b.stats.PassThrough()
		w.report(cell, cell.Leaves(b.cfg.MaxOrder))
		w.log.Debug().Str("cell", cell.String()).Bool("found", buf != nil).Msg("pass through")
		return buf, nil
	}

	if b.cfg.Merge == merge.KeepTile && b.deps.Store.Exists(cell) {
		buf, err := b.load(cell)
		if err != nil {
			return nil, err
		}
		if buf != nil {
			w.hold(buf)
			leaves := cell.Leaves(b.cfg.MaxOrder)
			b.stats.Skip(leaves)
			w.report(cell, leaves)
			return buf, nil
		}
	}

	if cell.Order >= b.cfg.MaxOrder {
		return w.leaf(ctx, cell)
	}
	return w.node(ctx, cell)
}

func (w *worker) report(cell healpix.Cell, leaves uint64) {
	done := w.b.stats.Done(leaves)
	w.b.progress.ReportProgress(cell, done, w.b.stats.Total())
}

func (w *worker) leaf(ctx context.Context, cell healpix.Cell) (*tile.Buffer, error) {
	b := w.b
	start := time.Now()
	if err := b.budget.Reserve(ctx, w.acct, b.tileBytes); err != nil {
		return nil, err
	}
	refs := b.deps.Finder.CandidatesForCell(cell)
	fresh, rep, err := b.resampler.Leaf(ctx, cell, refs, w.acct)
	if err != nil {
		return nil, err
	}
	b.stats.SourceErrors(rep.Dropped)
	w.hold(fresh)

	out, err := w.persist(ctx, cell, fresh, true)
	if err != nil {
		return nil, err
	}
	b.stats.Leaf(time.Since(start), fresh == nil)
	w.report(cell, 1)
	return out, nil
}

func (w *worker) node(ctx context.Context, cell healpix.Cell) (out *tile.Buffer, err error) {
	b := w.b
	start := time.Now()
	children := cell.Children()

	var items [4]*schedule.Item
	delegated := 0
	for i, c := range children {
		if delegated >= maxDelegated || !b.hasIdle(w) {
			break
		}
		it := b.sched.Delegate(c, w.id)
		if !b.claimIdle(w) && b.sched.Reclaim(it, w.id) {
			continue
		}
		items[i] = it
		b.stats.Delegated()
		delegated++
		w.log.Debug().Str("cell", c.String()).Msg("delegated")
	}

	var bufs [4]*tile.Buffer
	defer func() {
		if err != nil {
			for _, buf := range bufs {
				w.drop(buf)
			}
		}
	}()

	for i, c := range children {
		if items[i] != nil {
			continue
		}
		if bufs[i], err = w.compute(ctx, c); err != nil {
			return nil, err
		}
	}
	for i, it := range items {
		if it == nil {
			continue
		}
		if bufs[i], err = w.await(ctx, it); err != nil {
			return nil, err
		}
		w.hold(bufs[i])
	}

	w.setCell(cell)
	if err := b.budget.Reserve(ctx, w.acct, b.tileBytes); err != nil {
		return nil, err
	}
	for i, buf := range bufs {
		if buf == nil {
			continue
		}
		if _, err := buf.Pin(b.deps.Store); err != nil {
			for _, pinned := range bufs[:i] {
				if pinned != nil {
					pinned.Unpin()
				}
			}
			return nil, err
		}
		w.acct.Refresh(buf)
	}
	fresh := Aggregate(cell, bufs, b.cfg.Tree, b.cfg.Width, b.cfg.Encoding)
	for i, buf := range bufs {
		if buf != nil {
			buf.Unpin()
			w.drop(buf)
			bufs[i] = nil
		}
	}
	w.hold(fresh)

	// Children already carry the merge with their persisted tiles.
	out, err = w.persist(ctx, cell, fresh, false)
	if err != nil {
		return nil, err
	}
	b.stats.Node(time.Since(start), fresh == nil)
	return out, nil
}

// await waits for a delegated child. When nobody has picked it up after a
// poll interval the worker takes it back and computes it itself.
func (w *worker) await(ctx context.Context, it *schedule.Item) (*tile.Buffer, error) {
	for {
		ready, err := it.Wait(ctx, w.b.cfg.PollInterval)
		if err != nil {
			return nil, err
		}
		if ready {
			buf, _ := it.Result()
			return buf, nil
		}
		if w.b.sched.Reclaim(it, w.id) {
			w.b.stats.Reclaimed()
			w.log.Debug().Str("cell", it.Cell().String()).Msg("reclaimed delegated cell")
			buf, err := w.compute(ctx, it.Cell())
			if err != nil {
				it.Resolve(nil)
				return nil, err
			}
			return buf, nil
		}
	}
}

// persist writes fresh, first combining it with the persisted tile per the
// merge mode when combine is set. An empty fresh tile leaves the persisted one
// untouched.
func (w *worker) persist(ctx context.Context, cell healpix.Cell, fresh *tile.Buffer, combine bool) (*tile.Buffer, error) {
	b := w.b
	mode := b.cfg.Merge
	if fresh == nil {
		old, err := b.load(cell)
		if err != nil {
			return nil, err
		}
		w.hold(old)
		return old, nil
	}

	out := fresh
	if combine && !mode.TileGranular() {
		old, err := b.load(cell)
		if err != nil {
			w.drop(fresh)
			return nil, err
		}
		if old != nil {
			out, err = merge.Combine(mode, fresh, old)
			old.Free()
			if err != nil {
				w.drop(fresh)
				return nil, err
			}
		}
	}

	if ctx.Err() != nil {
		w.drop(out)
		return nil, context.Cause(ctx)
	}
	if err := b.deps.Store.Write(out); err != nil {
		w.drop(out)
		return nil, err
	}
	return out, nil
}

// idle reports whether the worker is waiting for work.
func (w *worker) idle() bool {
	s := w.State()
	return s == Start || s == Wait
}

// hold accounts buf to the worker. A nil buffer is a cell without content.
func (w *worker) hold(buf *tile.Buffer) {
	if buf != nil {
		w.acct.Register(buf)
	}
}

// drop frees buf and stops accounting for it.
func (w *worker) drop(buf *tile.Buffer) {
	if buf != nil {
		w.acct.Free(buf)
	}
}

// release hands buf over to another worker.
func (w *worker) release(buf *tile.Buffer) {
	if buf != nil {
		w.acct.Unregister(buf)
	}
}
