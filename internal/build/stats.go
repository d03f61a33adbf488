package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// StatsFile is the name of the statistics file written at the end of a build.
const StatsFile = "build_stats.json"

// Stats is a snapshot of build statistics.
type Stats struct {
	Leaves        uint64  `json:"leaves"`
	EmptyLeaves   uint64  `json:"empty_leaves"`
	Nodes         uint64  `json:"nodes"`
	EmptyNodes    uint64  `json:"empty_nodes"`
	PassThrough   uint64  `json:"pass_through"`
	Skipped       uint64  `json:"skipped"`
	SkippedLeaves uint64  `json:"skipped_leaves"`
	SourceErrors  uint64  `json:"source_errors"`
	Delegated     uint64  `json:"delegated"`
	Reclaimed     uint64  `json:"reclaimed"`
	LeavesDone    uint64  `json:"leaves_done"`
	LeavesTotal   uint64  `json:"leaves_total"`
	LeafAvgMs     float64 `json:"leaf_avg_ms"`
	LeafMaxMs     float64 `json:"leaf_max_ms"`
	NodeAvgMs     float64 `json:"node_avg_ms"`
	NodeMaxMs     float64 `json:"node_max_ms"`
	ElapsedMs     int64   `json:"elapsed_ms"`
}

// StatsCollector accumulates build statistics with atomic counters.
type StatsCollector struct {
	leaves        uint64
	emptyLeaves   uint64
	nodes         uint64
	emptyNodes    uint64
	passThrough   uint64
	skipped       uint64
	skippedLeaves uint64
	sourceErrors  uint64
	delegated     uint64
	reclaimed     uint64
	leavesDone    uint64
	leavesTotal   uint64

	leafNanos    int64
	leafMaxNanos int64
	nodeNanos    int64
	nodeMaxNanos int64

	started int64
}

// NewStatsCollector creates a collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{started: time.Now().UnixNano()}
}

// Leaf records a computed leaf.
func (s *StatsCollector) Leaf(d time.Duration, empty bool) {
	atomic.AddUint64(&s.leaves, 1)
	if empty {
		atomic.AddUint64(&s.emptyLeaves, 1)
	}
	atomic.AddInt64(&s.leafNanos, int64(d))
	storeMax(&s.leafMaxNanos, int64(d))
}

// Node records an aggregated node.
func (s *StatsCollector) Node(d time.Duration, empty bool) {
	atomic.AddUint64(&s.nodes, 1)
	if empty {
		atomic.AddUint64(&s.emptyNodes, 1)
	}
	atomic.AddInt64(&s.nodeNanos, int64(d))
	storeMax(&s.nodeMaxNanos, int64(d))
}

// PassThrough records a cell loaded unchanged from the store.
func (s *StatsCollector) PassThrough() { atomic.AddUint64(&s.passThrough, 1) }

// Skip records a subtree reused from an existing tile.
func (s *StatsCollector) Skip(leaves uint64) {
	atomic.AddUint64(&s.skipped, 1)
	atomic.AddUint64(&s.skippedLeaves, leaves)
}

// SourceErrors records sources dropped after read errors.
func (s *StatsCollector) SourceErrors(n int) {
	if n > 0 {
		atomic.AddUint64(&s.sourceErrors, uint64(n))
	}
}

// Delegated records a child handed to another worker.
func (s *StatsCollector) Delegated() { atomic.AddUint64(&s.delegated, 1) }

// Reclaimed records a delegated child taken back by its requester.
func (s *StatsCollector) Reclaimed() { atomic.AddUint64(&s.reclaimed, 1) }

// SetTotal sets the number of leaves the build covers.
func (s *StatsCollector) SetTotal(leaves uint64) { atomic.StoreUint64(&s.leavesTotal, leaves) }

// Total returns the number of leaves the build covers.
func (s *StatsCollector) Total() uint64 { return atomic.LoadUint64(&s.leavesTotal) }

// Done adds completed leaves and returns the new total.
func (s *StatsCollector) Done(leaves uint64) uint64 { return atomic.AddUint64(&s.leavesDone, leaves) }

// Stats returns the current statistics.
func (s *StatsCollector) Stats() Stats {
	leaves := atomic.LoadUint64(&s.leaves)
	nodes := atomic.LoadUint64(&s.nodes)
	return Stats{
		Leaves:        leaves,
		EmptyLeaves:   atomic.LoadUint64(&s.emptyLeaves),
		Nodes:         nodes,
		EmptyNodes:    atomic.LoadUint64(&s.emptyNodes),
		PassThrough:   atomic.LoadUint64(&s.passThrough),
		Skipped:       atomic.LoadUint64(&s.skipped),
		SkippedLeaves: atomic.LoadUint64(&s.skippedLeaves),
		SourceErrors:  atomic.LoadUint64(&s.sourceErrors),
		Delegated:     atomic.LoadUint64(&s.delegated),
		Reclaimed:     atomic.LoadUint64(&s.reclaimed),
		LeavesDone:    atomic.LoadUint64(&s.leavesDone),
		LeavesTotal:   atomic.LoadUint64(&s.leavesTotal),
		LeafAvgMs:     avgMs(atomic.LoadInt64(&s.leafNanos), leaves),
		LeafMaxMs:     float64(atomic.LoadInt64(&s.leafMaxNanos)) / 1e6,
		NodeAvgMs:     avgMs(atomic.LoadInt64(&s.nodeNanos), nodes),
		NodeMaxMs:     float64(atomic.LoadInt64(&s.nodeMaxNanos)) / 1e6,
		ElapsedMs:     (time.Now().UnixNano() - s.started) / 1e6,
	}
}

// SaveMetadata writes the statistics to dir/build_stats.json.
func (s *StatsCollector) SaveMetadata(dir string) error {
	data, err := json.MarshalIndent(s.Stats(), "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, StatsFile)

	// Write to temp file then rename for atomicity
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func avgMs(nanos int64, n uint64) float64 {
	if n == 0 {
		return 0
	}
	return float64(nanos) / float64(n) / 1e6
}

func storeMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}
