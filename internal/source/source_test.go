package source

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/memory"
	"github.com/freeeve/hipsgen/internal/tile"
)

func TestCalibrationRoundTrip(t *testing.T) {
	cal := Calibration{CRVal1: 150, CRVal2: 30, CRPix1: 51, CRPix2: 41, CD11: -0.01, CD12: 0.002, CD21: 0.001, CD22: 0.01}
	for _, p := range [][2]float64{{0, 0}, {50, 40}, {99, 79}, {13.5, 70.25}} {
		ra, dec := cal.PixelToSky(p[0], p[1])
		x, y, ok := cal.SkyToPixel(ra, dec)
		if !ok || math.Abs(x-p[0]) > 1e-7 || math.Abs(y-p[1]) > 1e-7 {
			t.Errorf("round trip of %v = (%v, %v, %v)", p, x, y, ok)
		}
	}
	ra, dec := cal.PixelToSky(50, 40)
	if math.Abs(ra-150) > 1e-9 || math.Abs(dec-30) > 1e-9 {
		t.Errorf("reference pixel maps to (%v, %v), want (150, 30)", ra, dec)
	}
	if _, _, ok := cal.SkyToPixel(330, -30); ok {
		t.Errorf("antipode must not project")
	}
}

func TestUsableAndRadius(t *testing.T) {
	ref := Ref{Width: 100, Height: 60, Border: &Border{Left: 2, Right: 3, Bottom: 4, Top: 5},
		Calib: SimpleCalibration(10, 0, 50, 30, 0.01)}
	u := ref.Usable()
	if u.X0 != 2 || u.X1 != 97 || u.Y0 != 4 || u.Y1 != 55 {
		t.Errorf("Usable = %+v", u)
	}
	// Half diagonal of roughly 95x51 pixels at 0.01 deg.
	if r := ref.Radius(); r < 0.5 || r > 0.6 {
		t.Errorf("Radius = %v", r)
	}
}

func TestIndexCandidates(t *testing.T) {
	near := Ref{Path: "near", Width: 200, Height: 200, Calib: SimpleCalibration(45, 10, 100, 100, 0.01)}
	far := Ref{Path: "far", Width: 200, Height: 200, Calib: SimpleCalibration(225, -40, 100, 100, 0.01)}
	cube := Ref{Path: "cube", Width: 200, Height: 200, Slice: 1, Calib: near.Calib}
	idx := NewIndex([]Ref{near, far, cube})

	cell := healpix.Cell{Order: 6, Index: healpix.AngleToCell(6, 45, 10)}
	got := idx.CandidatesForCell(cell)
	if len(got) != 1 || got[0].Path != "near" {
		t.Errorf("candidates = %v, want [near]", got)
	}
	cell.Slice = 1
	if got := idx.CandidatesForCell(cell); len(got) != 1 || got[0].Path != "cube" {
		t.Errorf("slice 1 candidates = %v, want [cube]", got)
	}
	if got := idx.CandidatesForCell(healpix.Cell{Order: 0, Index: healpix.AngleToCell(0, 45, 10)}); len(got) != 1 {
		t.Errorf("order 0 candidates = %d, want 1", len(got))
	}
}

func writeSource(t *testing.T, s *tile.Store, path string, w, h int, value float64) {
	t.Helper()
	r := tile.NewRaster(w, h, tile.DefaultEncoding(tile.Bitpix16))
	for i := range r.Pix {
		r.Pix[i] = value
	}
	if err := s.WriteSource(path, r); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	s, err := tile.NewStore(filepath.Join(dir, "out"), zstd.SpeedFastest)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	writeSource(t, s, filepath.Join(dir, "a.tile"), 30, 20, 7)

	catalog := `
border: {left: 1, right: 1, bottom: 1, top: 1}
sources:
  - path: a.tile
    wcs: {crval1: 10, crval2: 20, crpix1: 15, crpix2: 10, cd1_1: -0.01, cd2_2: 0.01}
  - path: a.tile
    border: {left: 5}
    wcs: {crval1: 11, crval2: 20, crpix1: 15, crpix2: 10, cd1_1: -0.01, cd2_2: 0.01}
`
	catPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catPath, []byte(catalog), 0644); err != nil {
		t.Fatal(err)
	}
	refs, err := LoadCatalog(catPath)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(refs))
	}
	if refs[0].Width != 30 || refs[0].Height != 20 {
		t.Errorf("dimensions = %dx%d, want 30x20", refs[0].Width, refs[0].Height)
	}
	if refs[0].Path != filepath.Join(dir, "a.tile") {
		t.Errorf("path = %q", refs[0].Path)
	}
	if refs[0].Border.Left != 1 || refs[1].Border.Left != 5 || refs[1].Border.Top != 0 {
		t.Errorf("borders = %+v, %+v", refs[0].Border, refs[1].Border)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("sources:\n  - path: a.tile\n    width: 1\n    height: 1\n"), 0644)
	if _, err := LoadCatalog(bad); err == nil {
		t.Errorf("singular calibration should be rejected")
	}
}

func TestFileOpenerCache(t *testing.T) {
	dir := t.TempDir()
	s, err := tile.NewStore(dir, zstd.SpeedFastest)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	var refs []Ref
	for i, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name+".tile")
		writeSource(t, s, p, 4, 4, float64(i+1))
		refs = append(refs, Ref{Path: p, Width: 4, Height: 4})
	}

	o := NewFileOpener(s, 2)
	for _, ref := range append(refs, refs[2], refs[0]) {
		img, err := o.Open(ref)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		o.Close(img)
	}
	hits, misses, open := o.Stats()
	// a, b, c miss; c hits; a was evicted and misses again.
	if hits != 1 || misses != 4 || open != 0 {
		t.Errorf("hits=%d misses=%d open=%d, want 1, 4, 0", hits, misses, open)
	}

	if _, err := o.Open(Ref{Path: refs[0].Path, Width: 5, Height: 4}); err == nil {
		t.Errorf("dimension mismatch should fail")
	}
	if _, err := o.Open(Ref{Path: filepath.Join(dir, "missing.tile")}); err == nil {
		t.Errorf("missing file should fail")
	}
}

func TestFileOpenerSizeCheckedOnHit(t *testing.T) {
	dir := t.TempDir()
	s, err := tile.NewStore(dir, zstd.SpeedFastest)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	p := filepath.Join(dir, "a.tile")
	writeSource(t, s, p, 4, 4, 1)

	o := NewFileOpener(s, 2)
	img, err := o.Open(Ref{Path: p, Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	o.Close(img)
	if _, err := o.Open(Ref{Path: p, Width: 4, Height: 8}); err == nil {
		t.Fatalf("cached raster accepted for a ref with other dimensions")
	}
	if hits, _, open := o.Stats(); hits != 1 || open != 0 {
		t.Errorf("hits=%d open=%d, want 1, 0", hits, open)
	}
}

func TestFileOpenerChargesBudget(t *testing.T) {
	dir := t.TempDir()
	s, err := tile.NewStore(dir, zstd.SpeedFastest)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	budget := memory.NewBudget(memory.Config{Limit: 1000, Logger: zerolog.Nop()})
	o := NewFileOpener(s, 4)
	o.Charge(budget.Account(memory.CacheAccount))
	for _, name := range []string{"a", "b"} {
		p := filepath.Join(dir, name+".tile")
		writeSource(t, s, p, 4, 4, 1)
		img, err := o.Open(Ref{Path: p, Width: 4, Height: 4})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		o.Close(img)
	}
	// Two 4x4 rasters at 8 bytes per pixel.
	if got := budget.Used(); got != 256 || o.CacheBytes() != 256 {
		t.Fatalf("used = %d, cache = %d, want 256", got, o.CacheBytes())
	}

	// A worker needing more than what is left empties the cache.
	if err := budget.Reserve(context.Background(), budget.Account(0), 900); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if budget.Used() != 0 || o.CacheBytes() != 0 {
		t.Fatalf("after pressure used = %d, cache = %d, want 0", budget.Used(), o.CacheBytes())
	}
	if n, _ := budget.Releases(); n != 1 {
		t.Errorf("releases = %d, want 1", n)
	}
}
