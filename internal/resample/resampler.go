// Package resample computes leaf tiles from calibrated source images.
package resample

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/source"
	"github.com/freeeve/hipsgen/internal/tile"
)

// DefaultMaxOverlay is the number of sources held open at once for one leaf.
const DefaultMaxOverlay = 50

// Tracker accounts for memory held while a leaf is computed.
type Tracker interface {
	Register(item memory.Item)
	Unregister(item memory.Item)
}

// Config configures a Resampler.
type Config struct {
	Width      int
	Encoding   tile.Encoding
	Overlay    merge.OverlayMode
	MaxOverlay int
	// Cut is the physical range mapped onto the output raw range when a
	// source encoding differs from the output encoding. Nil derives it from
	// the source encoding.
	Cut    *[2]float64
	Logger zerolog.Logger
}

// Report describes one leaf computation.
type Report struct {
	Sources int // sources opened
	Dropped int // sources dropped after a read error
	Batches int
}

// Resampler projects source pixels onto leaf tiles.
type Resampler struct {
	cfg       Config
	opener    source.Opener
	tileOrder uint8
	log       zerolog.Logger
}

// New creates a resampler.
func New(cfg Config, opener source.Opener) (*Resampler, error) {
	order := healpix.TileOrder(cfg.Width)
	if order < 0 {
		return nil, fmt.Errorf("resample: tile width %d is not a power of two", cfg.Width)
	}
	if err := cfg.Encoding.Validate(); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	if cfg.MaxOverlay <= 0 {
		cfg.MaxOverlay = DefaultMaxOverlay
	}
	return &Resampler{
		cfg:       cfg,
		opener:    opener,
		tileOrder: uint8(order),
		log:       cfg.Logger.With().Str("component", "resample").Logger(),
	}, nil
}

// Leaf computes the tile of cell from refs. It returns a nil buffer when no
// output pixel received a value.
func (rs *Resampler) Leaf(ctx context.Context, cell healpix.Cell, refs []source.Ref, tr Tracker) (*tile.Buffer, Report, error) {
	var rep Report
	if int(cell.Order)+int(rs.tileOrder) > healpix.MaxOrder {
		return nil, rep, fmt.Errorf("resample: order %d too deep for tile width %d", cell.Order, rs.cfg.Width)
	}
	w := rs.cfg.Width
	n := w * w
	color := rs.cfg.Encoding.IsColor()

	ra := make([]float64, n)
	dec := make([]float64, n)
	for y := 0; y < w; y++ {
		for x := 0; x < w; x++ {
			ra[y*w+x], dec[y*w+x] = healpix.PixelCenter(cell, rs.tileOrder, x, y)
		}
	}

	acc := newAccumulator(n, channels(color), rs.cfg.Overlay)
	var conv *tile.Converter
	for start := 0; start < len(refs); start += rs.cfg.MaxOverlay {
		end := min(start+rs.cfg.MaxOverlay, len(refs))
		batch, err := rs.batch(ctx, cell, refs[start:end], ra, dec, tr, &rep)
		if err != nil {
			return nil, rep, err
		}
		if batch == nil {
			continue
		}
		if conv == nil && batch.conv != nil {
			conv = batch.conv
		}
		acc.coadd(batch.acc)
		rep.Batches++
	}

	out := tile.New(cell, w, rs.cfg.Encoding)
	enc := rs.cfg.Encoding
	for i := 0; i < n; i++ {
		if !acc.has[i] {
			continue
		}
		x, y := i%w, i/w
		if color {
			out.SetRGB(x, y, tile.PackRGB(
				tile.ClampByte(acc.val[0][i]),
				tile.ClampByte(acc.val[1][i]),
				tile.ClampByte(acc.val[2][i])))
			continue
		}
		phys := acc.val[0][i]
		var raw float64
		if conv != nil {
			raw = conv.Convert(phys)
		} else {
			raw = enc.Raw(phys)
		}
		out.Set(x, y, enc.Quantize(raw))
	}
	if out.Empty() {
		out.Free()
		return nil, rep, nil
	}
	return out, rep, nil
}

type batchResult struct {
	acc  *accumulator
	conv *tile.Converter
}

// batch opens refs, samples them for every output pixel and closes them.
func (rs *Resampler) batch(ctx context.Context, cell healpix.Cell, refs []source.Ref,
	ra, dec []float64, tr Tracker, rep *Report) (*batchResult, error) {
	color := rs.cfg.Encoding.IsColor()
	imgs := make([]*source.Image, 0, len(refs))
	defer func() {
		for _, img := range imgs {
			if tr != nil {
				tr.Unregister(imageItem{img})
			}
			rs.opener.Close(img)
		}
	}()

	var conv *tile.Converter
	for _, ref := range refs {
		img, err := rs.opener.Open(ref)
		if err == nil && img.Raster.Enc.IsColor() != color {
			rs.opener.Close(img)
			err = fmt.Errorf("source %s: colour/numeric mismatch with output", ref.Path)
		}
		if err != nil {
			rep.Dropped++
			rs.log.Warn().Err(err).Str("cell", cell.String()).Msg("dropping source")
			continue
		}
		imgs = append(imgs, img)
		if tr != nil {
			tr.Register(imageItem{img})
		}
		if conv == nil && !color {
			conv = rs.converter(img.Raster.Enc)
		}
	}
	rep.Sources += len(imgs)
	if len(imgs) == 0 {
		return nil, nil
	}

	w := rs.cfg.Width
	nch := channels(color)
	acc := newAccumulator(len(ra), nch, rs.cfg.Overlay)
	sample := make([]float64, nch)
	for y := 0; y < w; y++ {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		for x := 0; x < w; x++ {
			i := y*w + x
			for _, img := range imgs {
				sx, sy, ok := img.Ref.Calib.SkyToPixel(ra[i], dec[i])
				if !ok {
					continue
				}
				usable := img.Ref.Usable()
				if !usable.Contains(sx, sy) {
					continue
				}
				if !bilinear(img.Raster, sx, sy, sample) {
					continue
				}
				acc.add(i, sample, merge.SourceWeight(rs.cfg.Overlay, usable, sx, sy))
			}
		}
	}
	acc.finish()
	return &batchResult{acc: acc, conv: conv}, nil
}

// converter returns the physical-to-raw remap for a source encoding, or nil
// when values can be stored as they are.
func (rs *Resampler) converter(src tile.Encoding) *tile.Converter {
	out := rs.cfg.Encoding
	if src.Same(out) {
		return nil
	}
	if rs.cfg.Cut != nil {
		return tile.NewConverter(rs.cfg.Cut[0], rs.cfg.Cut[1], out)
	}
	if src.IsFloat() || out.IsFloat() {
		return nil
	}
	lo, hi := src.Range()
	return tile.NewConverter(src.Physical(lo), src.Physical(hi), out)
}

func channels(color bool) int {
	if color {
		return 3
	}
	return 1
}

// bilinear samples r at (x, y) into out (physical values, or channel bytes
// for colour). Null corners take the value of the first non-null corner.
func bilinear(r *tile.Raster, x, y float64, out []float64) bool {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x0 = max(0, min(x0, r.Width-1))
	y0 = max(0, min(y0, r.Height-1))
	x1 := min(x0+1, r.Width-1)
	y1 := min(y0+1, r.Height-1)
	fx := min(max(x-float64(x0), 0), 1)
	fy := min(max(y-float64(y0), 0), 1)

	px := [4]int{x0, x1, x0, x1}
	py := [4]int{y0, y0, y1, y1}
	wt := [4]float64{(1 - fx) * (1 - fy), fx * (1 - fy), (1 - fx) * fy, fx * fy}

	first := -1
	for k := 0; k < 4; k++ {
		if !r.IsNull(px[k], py[k]) {
			first = k
			break
		}
	}
	if first < 0 {
		return false
	}
	for c := range out {
		out[c] = 0
	}
	for k := 0; k < 4; k++ {
		src := k
		if r.IsNull(px[k], py[k]) {
			src = first
		}
		if r.RGB != nil {
			_, cr, cg, cb := tile.UnpackRGB(r.RGBAt(px[src], py[src]))
			out[0] += wt[k] * float64(cr)
			out[1] += wt[k] * float64(cg)
			out[2] += wt[k] * float64(cb)
			continue
		}
		out[0] += wt[k] * r.Enc.Physical(r.At(px[src], py[src]))
	}
	return true
}

// imageItem accounts an open source image. The opener owns its pixels.
type imageItem struct{ img *source.Image }

func (it imageItem) Bytes() int64     { return it.img.Bytes() }
func (it imageItem) Releasable() bool { return false }
func (it imageItem) Release() int64   { return 0 }
func (it imageItem) Free() int64      { return 0 }
