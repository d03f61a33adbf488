package tile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/freeeve/hipsgen/internal/healpix"
)

// ErrReleased is returned when pixels of a released buffer are needed and no
// persisted copy exists to reload them from.
var ErrReleased = errors.New("tile: buffer released")

// Loader reloads the raster of a persisted tile.
type Loader interface {
	Load(path string) (*Raster, healpix.Cell, error)
}

// Buffer is the raster of one cell plus its lifecycle. It is written only by
// the operation that creates it. Once persisted, its pixels may be released
// under memory pressure and reloaded from the file on next use.
type Buffer struct {
	cell healpix.Cell

	mu       sync.Mutex
	data     *Raster
	width    int
	enc      Encoding
	path     string
	pins     int
	released bool
}

// New allocates a null-filled square buffer for cell.
func New(cell healpix.Cell, width int, enc Encoding) *Buffer {
	return &Buffer{cell: cell, data: NewRaster(width, width, enc), width: width, enc: enc}
}

// FromRaster wraps an existing square raster.
func FromRaster(cell healpix.Cell, r *Raster) *Buffer {
	return &Buffer{cell: cell, data: r, width: r.Width, enc: r.Enc}
}

// Cell returns the cell the buffer belongs to.
func (b *Buffer) Cell() healpix.Cell { return b.cell }

// Width returns the side length in pixels.
func (b *Buffer) Width() int { return b.width }

// Encoding returns the pixel encoding.
func (b *Buffer) Encoding() Encoding { return b.enc }

// Raster returns the resident pixels, or nil when released. Callers that may
// race with a release must Pin first.
func (b *Buffer) Raster() *Raster {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// At returns the raw value at (x, y). The buffer must be resident.
func (b *Buffer) At(x, y int) float64 { return b.data.At(x, y) }

// Set stores a raw value at (x, y).
func (b *Buffer) Set(x, y int, v float64) { b.data.Set(x, y, v) }

// RGBAt returns the colour pixel at (x, y).
func (b *Buffer) RGBAt(x, y int) uint32 { return b.data.RGBAt(x, y) }

// SetRGB stores a colour pixel at (x, y).
func (b *Buffer) SetRGB(x, y int, p uint32) { b.data.SetRGB(x, y, p) }

// IsNull reports whether the pixel at (x, y) is null.
func (b *Buffer) IsNull(x, y int) bool { return b.data.IsNull(x, y) }

// Empty reports whether every pixel is null.
func (b *Buffer) Empty() bool { return b.data.Empty() }

// Resident reports whether pixels are in memory.
func (b *Buffer) Resident() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.released
}

// Bytes returns the resident memory of the buffer, 0 once released.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.data == nil {
		return 0
	}
	return b.data.Bytes()
}

// Path returns the persisted location, or "" when the tile was never written.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// MarkPersisted records where the buffer's pixels were written.
func (b *Buffer) MarkPersisted(path string) {
	b.mu.Lock()
	b.path = path
	b.mu.Unlock()
}

// Releasable reports whether Release would free memory right now.
func (b *Buffer) Releasable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.released && b.path != "" && b.pins == 0
}

// Release drops the pixel storage of a persisted, unpinned buffer and returns
// the number of bytes freed.
func (b *Buffer) Release() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.path == "" || b.pins > 0 {
		return 0
	}
	n := b.data.Bytes()
	b.data = nil
	b.released = true
	return n
}

// Pin makes the buffer resident, reloading it if needed, and prevents release
// until Unpin. It returns the bytes that had to be reloaded.
func (b *Buffer) Pin(l Loader) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var reloaded int64
	if b.released {
		if b.path == "" || l == nil {
			return 0, ErrReleased
		}
		r, _, err := l.Load(b.path)
		if err != nil {
			return 0, fmt.Errorf("reload %s: %w", b.cell, err)
		}
		if r.Width != b.width || r.Height != b.width {
			return 0, fmt.Errorf("reload %s: size %dx%d, want %d", b.cell, r.Width, r.Height, b.width)
		}
		b.data = r
		b.released = false
		reloaded = r.Bytes()
	}
	b.pins++
	return reloaded, nil
}

// Unpin undoes one Pin.
func (b *Buffer) Unpin() {
	b.mu.Lock()
	if b.pins > 0 {
		b.pins--
	}
	b.mu.Unlock()
}

// Free drops the pixels unconditionally once the buffer has been consumed.
func (b *Buffer) Free() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.path = ""
		return 0
	}
	n := b.data.Bytes()
	b.data = nil
	b.released = true
	b.path = ""
	return n
}
