package build

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/healpix"
)

// Progress receives build progress. Implementations must be safe for
// concurrent use.
type Progress interface {
	// ReportProgress is called when cell is finished; done and total count
	// leaves, including those of skipped subtrees.
	ReportProgress(cell healpix.Cell, done, total uint64)
	// ReportStats is called once when the build ends.
	ReportStats(s Stats)
}

// LogProgress logs progress at most once per interval.
type LogProgress struct {
	log      zerolog.Logger
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewLogProgress creates a progress sink logging to log.
func NewLogProgress(log zerolog.Logger, interval time.Duration) *LogProgress {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &LogProgress{log: log, interval: interval, last: time.Now()}
}

func (p *LogProgress) ReportProgress(cell healpix.Cell, done, total uint64) {
	p.mu.Lock()
	if time.Since(p.last) < p.interval && done < total {
		p.mu.Unlock()
		return
	}
	p.last = time.Now()
	p.mu.Unlock()

	var pct float64
	if total > 0 {
		pct = 100 * float64(done) / float64(total)
	}
	p.log.Info().
		Uint64("done", done).
		Uint64("total", total).
		Str("pct", humanize.FtoaWithDigits(pct, 1)+"%").
		Str("last_cell", cell.String()).
		Msg("build progress")
}

func (p *LogProgress) ReportStats(s Stats) {
	p.log.Info().
		Uint64("leaves", s.Leaves).
		Uint64("empty_leaves", s.EmptyLeaves).
		Uint64("nodes", s.Nodes).
		Uint64("pass_through", s.PassThrough).
		Uint64("skipped", s.Skipped).
		Uint64("source_errors", s.SourceErrors).
		Float64("leaf_avg_ms", s.LeafAvgMs).
		Float64("node_avg_ms", s.NodeAvgMs).
		Int64("elapsed_ms", s.ElapsedMs).
		Msg("build stats")
}
