package tile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/hipsgen/internal/healpix"
)

// Ext is the file extension of persisted tiles.
const Ext = "tile"

// ErrNotFound is returned when no tile has been persisted for a cell.
var ErrNotFound = errors.New("tile not found")

// Level names accepted by ParseLevel.
var levels = map[string]zstd.EncoderLevel{
	"fastest": zstd.SpeedFastest,
	"default": zstd.SpeedDefault,
	"better":  zstd.SpeedBetterCompression,
	"best":    zstd.SpeedBestCompression,
}

// ParseLevel maps a compression level name to a zstd level.
func ParseLevel(name string) (zstd.EncoderLevel, error) {
	if name == "" {
		return zstd.SpeedDefault, nil
	}
	lvl, ok := levels[name]
	if !ok {
		return 0, fmt.Errorf("unknown compression level %q", name)
	}
	return lvl, nil
}

// StoreStats counts store traffic.
type StoreStats struct {
	Reads        uint64
	Writes       uint64
	BytesWritten uint64
}

// Store persists one file per cell under a root directory.
type Store struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	reads        uint64
	writes       uint64
	bytesWritten uint64
}

// NewStore opens (creating if needed) a pyramid rooted at dir.
func NewStore(dir string, level zstd.EncoderLevel) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{dir: dir, encoder: encoder, decoder: decoder}, nil
}

// Close releases the codec state.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Dir returns the pyramid root.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute file path of a cell.
func (s *Store) Path(c healpix.Cell) string {
	return filepath.Join(s.dir, healpix.Path(c, Ext))
}

// Exists reports whether a tile has been persisted for c.
func (s *Store) Exists(c healpix.Cell) bool {
	_, err := os.Stat(s.Path(c))
	return err == nil
}

// Read loads the persisted tile of c, returning ErrNotFound if there is none.
func (s *Store) Read(c healpix.Cell) (*Buffer, error) {
	path := s.Path(c)
	r, cell, err := s.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if cell != c {
		return nil, fmt.Errorf("read %s: file holds cell %s", c, cell)
	}
	if r.Width != r.Height {
		return nil, fmt.Errorf("read %s: tile is not square (%dx%d)", c, r.Width, r.Height)
	}
	b := FromRaster(c, r)
	b.MarkPersisted(path)
	return b, nil
}

// Load decodes the tile file at path. It implements Loader.
func (s *Store) Load(path string) (*Raster, healpix.Cell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, healpix.Cell{}, err
	}
	atomic.AddUint64(&s.reads, 1)
	r, header, err := DecodeRaster(data, s.decoder)
	if err != nil {
		return nil, healpix.Cell{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return r, header.Cell, nil
}

// Write persists b and records its path so it can later be released.
func (s *Store) Write(b *Buffer) error {
	r := b.Raster()
	if r == nil {
		return fmt.Errorf("write %s: %w", b.Cell(), ErrReleased)
	}
	path := s.Path(b.Cell())
	if err := s.writeFile(path, EncodeRaster(KindTile, b.Cell(), r, s.encoder)); err != nil {
		return fmt.Errorf("write %s: %w", b.Cell(), err)
	}
	b.MarkPersisted(path)
	return nil
}

// WriteSource writes a source image raster to path.
func (s *Store) WriteSource(path string, r *Raster) error {
	return s.writeFile(path, EncodeRaster(KindSource, healpix.Cell{}, r, s.encoder))
}

// ReadSource reads a source image raster from path.
func (s *Store) ReadSource(path string) (*Raster, error) {
	r, _, err := s.Load(path)
	return r, err
}

// writeFile writes to a temp file then renames it so readers never see a
// partial tile.
func (s *Store) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	atomic.AddUint64(&s.writes, 1)
	atomic.AddUint64(&s.bytesWritten, uint64(len(data)))
	return nil
}

// Stats returns store counters.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Reads:        atomic.LoadUint64(&s.reads),
		Writes:       atomic.LoadUint64(&s.writes),
		BytesWritten: atomic.LoadUint64(&s.bytesWritten),
	}
}
