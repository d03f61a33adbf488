// Package build drives the concurrent construction of a HEALPix tile pyramid:
// a pool of workers computes leaves from sources and aggregates nodes from
// their four children, delegating subtrees to idle workers.
package build

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/resample"
	"github.com/freeeve/hipsgen/internal/schedule"
	"github.com/freeeve/hipsgen/internal/source"
	"github.com/freeeve/hipsgen/internal/tile"
)

// ErrAborted is returned by Run when the build did not complete.
var ErrAborted = errors.New("build aborted")

var errFinished = errors.New("build finished")

// Store persists tiles, one per cell.
type Store interface {
	tile.Loader
	Exists(c healpix.Cell) bool
	Read(c healpix.Cell) (*tile.Buffer, error)
	Write(b *tile.Buffer) error
}

// Finder returns the sources overlapping a cell.
type Finder interface {
	CandidatesForCell(c healpix.Cell) []source.Ref
}

// Mask is the region to build.
type Mask interface {
	Intersects(order uint8, index uint64) bool
	Cells(order uint8) []uint64
}

// Config configures a Builder.
type Config struct {
	MinOrder     uint8
	MaxOrder     uint8
	Width        int // tile side, power of two
	Slices       int // cube depth (0 or 1 = plain HiPS)
	Encoding     tile.Encoding
	Overlay      merge.OverlayMode
	Tree         merge.TreeMode
	Merge        merge.Mode
	MaxOverlay   int
	Cut          *[2]float64
	Workers      int           // 0 = sized from memory and CPUs
	ThreadBudget int64         // bytes one worker needs, used for sizing
	PollInterval time.Duration // sleep between polls while idle or waiting
	StatsDir     string        // where build_stats.json goes ("" = not saved)
	Logger       zerolog.Logger
}

// Deps are the collaborators of a Builder.
type Deps struct {
	Store    Store
	Finder   Finder
	Opener   source.Opener
	Mask     Mask
	Budget   *memory.Budget // nil = unlimited
	Progress Progress       // nil = log progress
}

// Builder builds one pyramid.
type Builder struct {
	cfg       Config
	deps      Deps
	log       zerolog.Logger
	sched     *schedule.Scheduler
	resampler *resample.Resampler
	budget    *memory.Budget
	stats     *StatsCollector
	progress  Progress
	tileBytes int64

	mu       sync.Mutex
	workers  []*worker
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelCauseFunc
	running  bool
	preAbort error

	paused  atomic.Bool
	stopReq int32 // workers asked to exit
}

// PoolSize returns min(memLimit/threadBudget, cpus), at least 1. A zero
// memory limit or budget leaves the CPU count as the only bound.
func PoolSize(memLimit, threadBudget int64, cpus int) int {
	n := cpus
	if memLimit > 0 && threadBudget > 0 {
		n = min(n, int(memLimit/threadBudget))
	}
	return max(n, 1)
}

// New validates cfg and creates a builder.
func New(cfg Config, deps Deps) (*Builder, error) {
	if cfg.MinOrder > cfg.MaxOrder {
		return nil, fmt.Errorf("build: min order %d above max order %d", cfg.MinOrder, cfg.MaxOrder)
	}
	if deps.Store == nil || deps.Finder == nil || deps.Opener == nil || deps.Mask == nil {
		return nil, errors.New("build: store, finder, opener and mask are required")
	}
	if cfg.Slices <= 0 {
		cfg.Slices = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 300 * time.Millisecond
	}

	rs, err := resample.New(resample.Config{
		Width:      cfg.Width,
		Encoding:   cfg.Encoding,
		Overlay:    cfg.Overlay,
		MaxOverlay: cfg.MaxOverlay,
		Cut:        cfg.Cut,
		Logger:     cfg.Logger,
	}, deps.Opener)
	if err != nil {
		return nil, err
	}

	budget := deps.Budget
	if budget == nil {
		budget = memory.NewBudget(memory.Config{Logger: cfg.Logger})
	}
	if cfg.Workers <= 0 {
		cfg.Workers = PoolSize(budget.Limit(), cfg.ThreadBudget, runtime.NumCPU())
	}

	log := cfg.Logger.With().Str("component", "build").Logger()
	progress := deps.Progress
	if progress == nil {
		progress = NewLogProgress(log, 0)
	}

	b := &Builder{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		sched:     schedule.New(),
		resampler: rs,
		budget:    budget,
		stats:     NewStatsCollector(),
		progress:  progress,
		tileBytes: int64(cfg.Width*cfg.Width) * bytesPerPixel(cfg.Encoding),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.workers = append(b.workers, b.newWorker(i))
	}
	return b, nil
}

// bytesPerPixel is the in-memory size of one pixel of a buffer.
func bytesPerPixel(enc tile.Encoding) int64 {
	if enc.IsColor() {
		return 4
	}
	return 8
}

// Run builds the pyramid and blocks until it is complete or aborted. It
// returns nil on completion and an error wrapping ErrAborted otherwise.
func (b *Builder) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("build: already running")
	}
	ctx, cancel := context.WithCancelCause(ctx)
	b.ctx, b.cancel = ctx, cancel
	if b.preAbort != nil {
		cancel(b.preAbort)
	}
	defer cancel(errFinished)

	seeds := b.seed()
	g := new(errgroup.Group)
	b.group = g
	b.running = true
	for i := range b.workers {
		if b.workers[i].State() == Died {
			b.workers[i] = b.newWorker(i)
		}
		w := b.workers[i]
		g.Go(func() error { return w.run(ctx) })
	}
	b.mu.Unlock()

	b.log.Info().
		Int("workers", len(b.workers)).
		Int("seeds", len(seeds)).
		Uint8("min_order", b.cfg.MinOrder).
		Uint8("max_order", b.cfg.MaxOrder).
		Int("width", b.cfg.Width).
		Str("merge", b.cfg.Merge.String()).
		Str("tree", b.cfg.Tree.String()).
		Str("overlay", b.cfg.Overlay.String()).
		Str("memory_limit", limitString(b.budget.Limit())).
		Msg("build started")

	g.Go(func() error {
		b.monitor(ctx, seeds)
		return nil
	})
	waitErr := g.Wait()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	stats := b.stats.Stats()
	b.progress.ReportStats(stats)
	if b.cfg.StatsDir != "" {
		if err := b.stats.SaveMetadata(b.cfg.StatsDir); err != nil {
			b.log.Warn().Err(err).Msg("failed to save build stats")
		}
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, errFinished) {
		b.log.Info().Uint64("leaves", stats.Leaves).Uint64("nodes", stats.Nodes).Msg("build finished")
		return nil
	}
	if cause == nil {
		cause = waitErr
	}
	if !errors.Is(cause, ErrAborted) {
		cause = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	b.log.Error().Err(cause).Str("dump", b.Dump()).Msg("build aborted")
	return cause
}

// seed enqueues every mask cell at the minimum order, once per slice.
func (b *Builder) seed() []*schedule.Item {
	cells := b.deps.Mask.Cells(b.cfg.MinOrder)
	var total uint64
	items := make([]*schedule.Item, 0, len(cells)*b.cfg.Slices)
	for slice := 0; slice < b.cfg.Slices; slice++ {
		for _, idx := range cells {
			c := healpix.Cell{Order: b.cfg.MinOrder, Index: idx, Slice: uint32(slice)}
			items = append(items, b.sched.Enqueue(c))
			total += c.Leaves(b.cfg.MaxOrder)
		}
	}
	b.stats.SetTotal(total)
	return items
}

// monitor finishes the build once every seed is Ready.
func (b *Builder) monitor(ctx context.Context, seeds []*schedule.Item) {
	for _, it := range seeds {
		select {
		case <-it.Done():
		case <-ctx.Done():
			return
		}
	}
	b.cancel(errFinished)
}

func limitString(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(n))
}

// Abort stops the build. Workers unwind without writing the cells in hand.
func (b *Builder) Abort(cause error) {
	if cause == nil {
		cause = errors.New("abort requested")
	}
	if !errors.Is(cause, ErrAborted) {
		cause = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		if b.preAbort == nil {
			b.preAbort = cause
		}
		return
	}
	b.cancel(cause)
}

// Aborting reports whether the build is being aborted.
func (b *Builder) Aborting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return b.preAbort != nil
	}
	return b.ctx.Err() != nil && !errors.Is(context.Cause(b.ctx), errFinished)
}

// Pause suspends every worker once it finishes its current cell.
func (b *Builder) Pause() {
	if !b.paused.Swap(true) {
		b.log.Info().Msg("build paused")
	}
}

// Resume wakes suspended workers.
func (b *Builder) Resume() {
	if b.paused.Swap(false) {
		b.log.Info().Msg("build resumed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		w.poke()
	}
}

// Paused reports whether the pool is paused.
func (b *Builder) Paused() bool { return b.paused.Load() }

// SetWorkers resizes the pool to n live workers. Extra workers exit after the
// cell in hand; new ones replace dead workers first. It returns the target.
func (b *Builder) SetWorkers(n int) int {
	n = max(n, 0)
	b.mu.Lock()
	defer b.mu.Unlock()

	live := 0
	for _, w := range b.workers {
		if w.State() != Died {
			live++
		}
	}
	pending := int(atomic.LoadInt32(&b.stopReq))
	current := live - pending

	switch {
	case n < current:
		atomic.AddInt32(&b.stopReq, int32(current-n))
	case n > current:
		add := n - current
		// Cancel pending stops before spawning.
		for add > 0 && atomic.LoadInt32(&b.stopReq) > 0 {
			atomic.AddInt32(&b.stopReq, -1)
			add--
		}
		for i := 0; i < len(b.workers) && add > 0; i++ {
			if b.workers[i].State() == Died {
				b.workers[i] = b.newWorker(i)
				b.startLocked(b.workers[i])
				add--
			}
		}
		for ; add > 0; add-- {
			w := b.newWorker(len(b.workers))
			b.workers = append(b.workers, w)
			b.startLocked(w)
		}
	}
	b.log.Info().Int("old", current).Int("new", n).Msg("set workers")
	return n
}

// startLocked runs w when the build is in progress. Caller holds b.mu.
func (b *Builder) startLocked(w *worker) {
	if !b.running {
		return
	}
	ctx := b.ctx
	b.group.Go(func() error { return w.run(ctx) })
}

// takeStop consumes one pending stop request.
func (b *Builder) takeStop() bool {
	for {
		n := atomic.LoadInt32(&b.stopReq)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.stopReq, n, n-1) {
			return true
		}
	}
}

// hasIdle reports whether some other worker could take a delegated cell.
func (b *Builder) hasIdle(self *worker) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		if w != self && w.idle() && !w.claimed.Load() {
			return true
		}
	}
	return false
}

// claimIdle reserves an idle, memory-eligible worker other than self for a
// delegated cell and wakes it.
func (b *Builder) claimIdle(self *worker) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		if w == self || !w.idle() {
			continue
		}
		if !b.budget.Eligible(w.acct) {
			continue
		}
		if w.claimed.CompareAndSwap(false, true) {
			w.poke()
			return true
		}
	}
	return false
}

// load reads the persisted tile of c, nil when there is none.
func (b *Builder) load(c healpix.Cell) (*tile.Buffer, error) {
	if !b.deps.Store.Exists(c) {
		return nil, nil
	}
	buf, err := b.deps.Store.Read(c)
	if errors.Is(err, tile.ErrNotFound) {
		return nil, nil
	}
	return buf, err
}

// Stats returns the current build statistics.
func (b *Builder) Stats() Stats { return b.stats.Stats() }

// WorkerStatus describes one worker.
type WorkerStatus struct {
	ID      int    `json:"id"`
	State   string `json:"state"`
	Cell    string `json:"cell,omitempty"`
	Memory  int64  `json:"memory"`
	Buffers int    `json:"buffers"`
}

// Status is a snapshot of a build.
type Status struct {
	Running     bool           `json:"running"`
	Paused      bool           `json:"paused"`
	Aborting    bool           `json:"aborting"`
	QueueLen    int            `json:"queue_len"`
	MemoryUsed  int64          `json:"memory_used"`
	MemoryLimit int64          `json:"memory_limit"`
	Workers     []WorkerStatus `json:"workers"`
	Stats       Stats          `json:"stats"`
}

// GetStatus returns the current status of the build.
func (b *Builder) GetStatus() Status {
	aborting := b.Aborting()
	b.mu.Lock()
	running := b.running
	workers := make([]WorkerStatus, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w.status())
	}
	b.mu.Unlock()

	return Status{
		Running:     running,
		Paused:      b.paused.Load(),
		Aborting:    aborting,
		QueueLen:    b.sched.Len(),
		MemoryUsed:  b.budget.Used(),
		MemoryLimit: b.budget.Limit(),
		Workers:     workers,
		Stats:       b.stats.Stats(),
	}
}

// Dump describes every worker, the queue and memory occupancy.
func (b *Builder) Dump() string {
	var sb strings.Builder
	b.mu.Lock()
	for _, w := range b.workers {
		s := w.status()
		fmt.Fprintf(&sb, "worker %d: %s cell=%s memory=%s\n", s.ID, s.State, s.Cell, humanize.IBytes(uint64(max(s.Memory, 0))))
	}
	b.mu.Unlock()
	sb.WriteString(b.sched.Dump())
	sb.WriteString(b.budget.Dump())
	return sb.String()
}
