package resample

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/source"
	"github.com/freeeve/hipsgen/internal/tile"
)

// fakeOpener serves in-memory rasters and tracks how many are open at once.
type fakeOpener struct {
	mu      sync.Mutex
	rasters map[string]*tile.Raster
	fail    map[string]bool
	open    int
	maxOpen int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{rasters: make(map[string]*tile.Raster), fail: make(map[string]bool)}
}

func (o *fakeOpener) add(ref source.Ref, enc tile.Encoding, value float64) source.Ref {
	r := tile.NewRaster(ref.Width, ref.Height, enc)
	for i := range r.Pix {
		r.Pix[i] = value
	}
	o.rasters[ref.Path] = r
	return ref
}

func (o *fakeOpener) Open(ref source.Ref) (*source.Image, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail[ref.Path] {
		return nil, errors.New("corrupt file")
	}
	r, ok := o.rasters[ref.Path]
	if !ok {
		return nil, fmt.Errorf("no raster %s", ref.Path)
	}
	o.open++
	o.maxOpen = max(o.maxOpen, o.open)
	return &source.Image{Ref: ref, Raster: r}, nil
}

func (o *fakeOpener) Close(*source.Image) {
	o.mu.Lock()
	o.open--
	o.mu.Unlock()
}

type countingTracker struct{ live int }

func (c *countingTracker) Register(memory.Item)   { c.live++ }
func (c *countingTracker) Unregister(memory.Item) { c.live-- }

const (
	testRA  = 45.0
	testDec = 10.0
)

func testCell() healpix.Cell {
	return healpix.Cell{Order: 3, Index: healpix.AngleToCell(3, testRA, testDec)}
}

func ref(path string, ra, dec float64, size int, scale float64) source.Ref {
	c := float64(size) / 2
	return source.Ref{Path: path, Width: size, Height: size, Calib: source.SimpleCalibration(ra, dec, c, c, scale)}
}

func newResampler(t *testing.T, cfg Config, o source.Opener) *Resampler {
	t.Helper()
	if cfg.Width == 0 {
		cfg.Width = 8
	}
	cfg.Logger = zerolog.Nop()
	rs, err := New(cfg, o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rs
}

// contribution returns the fading weight source r gives to the tile pixel,
// and whether it covers it.
func contribution(r source.Ref, ra, dec float64) (float64, bool) {
	x, y, ok := r.Calib.SkyToPixel(ra, dec)
	if !ok || !r.Usable().Contains(x, y) {
		return 0, false
	}
	return merge.Weight(r.Usable(), x, y), true
}

func TestFadingOverlap(t *testing.T) {
	enc := tile.DefaultEncoding(tile.Bitpix16)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := o.add(ref("a", cra, cdec, 200, 0.1), enc, 100)
	b := o.add(ref("b", cra+6, cdec, 100, 0.1), enc, 200)

	rs := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayFading}, o)
	out, rep, err := rs.Leaf(context.Background(), cell, []source.Ref{a, b}, nil)
	if err != nil {
		t.Fatalf("Leaf: %v", err)
	}
	if out == nil {
		t.Fatalf("Leaf returned no tile")
	}
	if rep.Sources != 2 || rep.Batches != 1 {
		t.Fatalf("report = %+v", rep)
	}

	var onlyA, both int
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			ra, dec := healpix.PixelCenter(cell, 3, x, y)
			wa, inA := contribution(a, ra, dec)
			wb, inB := contribution(b, ra, dec)
			if !inA {
				t.Fatalf("pixel (%d,%d) outside source a", x, y)
			}
			want := 100.0
			if inB {
				both++
				if wa+wb > 0 {
					want = math.Round((100*wa + 200*wb) / (wa + wb))
				}
			} else {
				onlyA++
			}
			if got := out.At(x, y); got != want {
				t.Errorf("pixel (%d,%d) = %v, want %v (wa=%v wb=%v)", x, y, got, want, wa, wb)
			}
		}
	}
	if onlyA == 0 || both == 0 {
		t.Fatalf("layout should have pixels in a only (%d) and in both (%d)", onlyA, both)
	}
}

func TestBatchedEqualsSinglePass(t *testing.T) {
	enc := tile.DefaultEncoding(tile.BitpixF64)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)

	var refs []source.Ref
	for i := 0; i < 7; i++ {
		r := ref(fmt.Sprintf("s%d", i), cra+float64(i%3)-1, cdec+float64(i%2)*2-1, 120, 0.1)
		refs = append(refs, o.add(r, enc, float64(10*(i+1))))
	}

	single := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayFading, MaxOverlay: 100}, o)
	want, _, err := single.Leaf(context.Background(), cell, refs, nil)
	if err != nil || want == nil {
		t.Fatalf("single pass: %v, %v", want, err)
	}
	if o.maxOpen != 7 {
		t.Fatalf("single pass held %d sources, want 7", o.maxOpen)
	}

	o.maxOpen = 0
	tr := &countingTracker{}
	batched := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayFading, MaxOverlay: 2}, o)
	got, rep, err := batched.Leaf(context.Background(), cell, refs, tr)
	if err != nil || got == nil {
		t.Fatalf("batched: %v, %v", got, err)
	}
	if o.maxOpen > 2 {
		t.Errorf("batched pass held %d sources at once, want <= 2", o.maxOpen)
	}
	if rep.Batches != 4 {
		t.Errorf("batches = %d, want 4", rep.Batches)
	}
	if tr.live != 0 {
		t.Errorf("tracker left %d registered sources", tr.live)
	}

	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			w, g := want.At(x, y), got.At(x, y)
			if math.IsNaN(w) != math.IsNaN(g) || math.Abs(w-g) > 1e-9 {
				t.Errorf("pixel (%d,%d) batched = %v, single = %v", x, y, g, w)
			}
		}
	}
}

func TestOverlayNoneFirstWins(t *testing.T) {
	enc := tile.DefaultEncoding(tile.BitpixF32)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := o.add(ref("a", cra, cdec, 200, 0.1), enc, 1)
	b := o.add(ref("b", cra, cdec, 200, 0.1), enc, 5)

	rs := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayNone, MaxOverlay: 1}, o)
	out, _, err := rs.Leaf(context.Background(), cell, []source.Ref{a, b}, nil)
	if err != nil || out == nil {
		t.Fatalf("Leaf: %v, %v", out, err)
	}
	if got := out.At(4, 4); got != 1 {
		t.Fatalf("pixel = %v, want the first source's 1", got)
	}
}

func TestOverlayAddSums(t *testing.T) {
	enc := tile.DefaultEncoding(tile.BitpixF32)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := o.add(ref("a", cra, cdec, 200, 0.1), enc, 1)
	b := o.add(ref("b", cra, cdec, 200, 0.1), enc, 5)

	rs := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayAdd, MaxOverlay: 1}, o)
	out, _, err := rs.Leaf(context.Background(), cell, []source.Ref{a, b}, nil)
	if err != nil || out == nil {
		t.Fatalf("Leaf: %v, %v", out, err)
	}
	if got := out.At(2, 5); math.Abs(got-6) > 1e-5 {
		t.Fatalf("pixel = %v, want 6", got)
	}
}

func TestEmptyLeaf(t *testing.T) {
	enc := tile.DefaultEncoding(tile.Bitpix16)
	o := newFakeOpener()
	far := o.add(ref("far", 225, -40, 50, 0.1), enc, 7)

	rs := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayFading}, o)
	for _, refs := range [][]source.Ref{nil, {far}} {
		out, _, err := rs.Leaf(context.Background(), testCell(), refs, nil)
		if err != nil {
			t.Fatalf("Leaf: %v", err)
		}
		if out != nil {
			t.Fatalf("Leaf over %d non-covering sources should be empty", len(refs))
		}
	}
}

func TestNullCornersAndDroppedSource(t *testing.T) {
	enc := tile.DefaultEncoding(tile.BitpixF32)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := o.add(ref("a", cra, cdec, 200, 0.1), enc, 3)
	// Every other source column is null; samples take a non-null neighbour.
	r := o.rasters["a"]
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x += 2 {
			r.Set(x, y, math.NaN())
		}
	}
	bad := ref("bad", cra, cdec, 200, 0.1)
	o.fail["bad"] = true

	rs := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayMean}, o)
	out, rep, err := rs.Leaf(context.Background(), cell, []source.Ref{bad, a}, nil)
	if err != nil || out == nil {
		t.Fatalf("Leaf: %v, %v", out, err)
	}
	if rep.Dropped != 1 || rep.Sources != 1 {
		t.Fatalf("report = %+v, want 1 dropped and 1 used", rep)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if got := out.At(x, y); math.Abs(got-3) > 1e-5 {
				t.Fatalf("pixel (%d,%d) = %v, want 3", x, y, got)
			}
		}
	}
}

func TestEncodingConversion(t *testing.T) {
	src := tile.DefaultEncoding(tile.BitpixF32)
	out := tile.DefaultEncoding(tile.Bitpix8)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := o.add(ref("a", cra, cdec, 200, 0.1), src, 0.5)

	rs := newResampler(t, Config{Encoding: out, Overlay: merge.OverlayFading, Cut: &[2]float64{0, 1}}, o)
	buf, _, err := rs.Leaf(context.Background(), cell, []source.Ref{a}, nil)
	if err != nil || buf == nil {
		t.Fatalf("Leaf: %v, %v", buf, err)
	}
	// Raw range of bitpix 8 without the blank 0 is [1, 255].
	if got := buf.At(0, 0); got != 128 {
		t.Fatalf("pixel = %v, want 128", got)
	}
}

func TestColorLeaf(t *testing.T) {
	enc := tile.DefaultEncoding(tile.BitpixRGB)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := ref("a", cra, cdec, 200, 0.1)
	r := tile.NewRaster(200, 200, enc)
	for i := range r.RGB {
		r.RGB[i] = tile.PackRGB(10, 20, 30)
	}
	o.rasters["a"] = r

	rs := newResampler(t, Config{Encoding: enc, Overlay: merge.OverlayFading}, o)
	out, _, err := rs.Leaf(context.Background(), cell, []source.Ref{a}, nil)
	if err != nil || out == nil {
		t.Fatalf("Leaf: %v, %v", out, err)
	}
	if got := out.RGBAt(3, 3); got != tile.PackRGB(10, 20, 30) {
		t.Fatalf("pixel = %#x", got)
	}
}

func TestLeafCancelled(t *testing.T) {
	enc := tile.DefaultEncoding(tile.Bitpix16)
	o := newFakeOpener()
	cell := testCell()
	cra, cdec := healpix.CellCenter(cell.Order, cell.Index)
	a := o.add(ref("a", cra, cdec, 200, 0.1), enc, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := newResampler(t, Config{Encoding: enc}, o)
	if _, _, err := rs.Leaf(ctx, cell, []source.Ref{a}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Leaf err = %v, want context.Canceled", err)
	}
	if o.open != 0 {
		t.Fatalf("%d sources left open", o.open)
	}
}
