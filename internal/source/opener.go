package source

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/tile"
)

// Image is an opened source: its reference plus decoded pixels.
type Image struct {
	Ref    Ref
	Raster *tile.Raster
}

// Bytes returns the memory held by the decoded pixels.
func (img *Image) Bytes() int64 { return img.Raster.Bytes() }

// Opener loads source pixels. Every successful Open is paired with a Close.
type Opener interface {
	Open(ref Ref) (*Image, error)
	Close(img *Image)
}

// RasterReader reads a source raster from a path.
type RasterReader interface {
	ReadSource(path string) (*tile.Raster, error)
}

// FileOpener decodes source files and keeps the most recently decoded ones in
// a FIFO cache shared by all workers.
type FileOpener struct {
	reader RasterReader

	mu       sync.RWMutex
	cache    map[string]*tile.Raster
	order    []string
	maxFiles int
	acct     *memory.Account

	open   int64
	hits   uint64
	misses uint64
}

// NewFileOpener creates an opener caching up to maxFiles decoded sources
// (0 disables caching).
func NewFileOpener(reader RasterReader, maxFiles int) *FileOpener {
	return &FileOpener{
		reader:   reader,
		cache:    make(map[string]*tile.Raster),
		order:    make([]string, 0, maxFiles),
		maxFiles: maxFiles,
	}
}

// Open returns the decoded pixels of ref.
func (o *FileOpener) Open(ref Ref) (*Image, error) {
	o.mu.RLock()
	r, ok := o.cache[ref.Path]
	o.mu.RUnlock()
	if ok {
		atomic.AddUint64(&o.hits, 1)
	} else {
		atomic.AddUint64(&o.misses, 1)
		var err error
		r, err = o.reader.ReadSource(ref.Path)
		if err != nil {
			return nil, fmt.Errorf("open source %s: %w", ref.Path, err)
		}
		o.put(ref.Path, r)
		o.refresh()
	}
	// Checked on hits too: two refs may share a path.
	if r.Width != ref.Width || r.Height != ref.Height {
		return nil, fmt.Errorf("open source %s: size %dx%d, catalog says %dx%d",
			ref.Path, r.Width, r.Height, ref.Width, ref.Height)
	}
	atomic.AddInt64(&o.open, 1)
	return &Image{Ref: ref, Raster: r}, nil
}

// Close hands an image back.
func (o *FileOpener) Close(img *Image) {
	if img != nil {
		atomic.AddInt64(&o.open, -1)
	}
}

// put adds a raster to the cache, evicting the oldest if necessary.
func (o *FileOpener) put(path string, r *tile.Raster) {
	if o.maxFiles == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.cache[path]; exists {
		o.cache[path] = r
		return
	}
	for len(o.cache) >= o.maxFiles && len(o.order) > 0 {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.cache, oldest)
	}
	o.cache[path] = r
	o.order = append(o.order, path)
}

// Charge accounts the cached rasters to acct. Under memory pressure the
// budget may then empty the cache; images already open keep their pixels.
// Open images are also charged by their users while open, so a raster that
// is both cached and open counts twice.
func (o *FileOpener) Charge(acct *memory.Account) {
	o.mu.Lock()
	o.acct = acct
	o.mu.Unlock()
	acct.Register(cacheCharge{o})
}

func (o *FileOpener) refresh() {
	o.mu.RLock()
	acct := o.acct
	o.mu.RUnlock()
	if acct != nil {
		acct.Refresh(cacheCharge{o})
	}
}

// evict empties the cache and returns the bytes it held.
func (o *FileOpener) evict() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, r := range o.cache {
		n += r.Bytes()
	}
	clear(o.cache)
	o.order = o.order[:0]
	return n
}

// cacheCharge is the budget's view of the cache.
type cacheCharge struct{ o *FileOpener }

func (c cacheCharge) Bytes() int64     { return c.o.CacheBytes() }
func (c cacheCharge) Releasable() bool { return c.o.CacheBytes() > 0 }
func (c cacheCharge) Release() int64   { return c.o.evict() }
func (c cacheCharge) Free() int64      { return c.o.evict() }

// CacheBytes returns the memory held by cached rasters.
func (o *FileOpener) CacheBytes() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var n int64
	for _, r := range o.cache {
		n += r.Bytes()
	}
	return n
}

// Stats returns cache hits, misses and the number of images currently open.
func (o *FileOpener) Stats() (hits, misses uint64, open int64) {
	return atomic.LoadUint64(&o.hits), atomic.LoadUint64(&o.misses), atomic.LoadInt64(&o.open)
}
