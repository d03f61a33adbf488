package merge

import (
	"math"
	"testing"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/tile"
)

func TestParseModes(t *testing.T) {
	if m, err := ParseMode("KeepTile"); err != nil || m != KeepTile {
		t.Errorf("ParseMode(KeepTile) = %v, %v", m, err)
	}
	if m, err := ParseTree("median"); err != nil || m != TreeMedian {
		t.Errorf("ParseTree(median) = %v, %v", m, err)
	}
	if m, err := ParseOverlay("fading"); err != nil || m != OverlayFading {
		t.Errorf("ParseOverlay(fading) = %v, %v", m, err)
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Errorf("ParseMode(bogus) should fail")
	}
	if Div.String() != "div" {
		t.Errorf("Div.String() = %q", Div.String())
	}
}

func TestWeightBoundary(t *testing.T) {
	r := Rect{X0: 0, Y0: 0, X1: 600, Y1: 300}
	if got := Weight(r, 300, 150); got != 1 {
		t.Errorf("centre weight = %v, want 1", got)
	}
	if got := Weight(r, 0, 150); got != 0 {
		t.Errorf("edge weight = %v, want 0", got)
	}
	if got := Weight(r, 600, 150); got != 0 {
		t.Errorf("outside weight = %v, want 0", got)
	}
	// Margin along x is 100 pixels: halfway into it the weight is 0.5.
	if got := Weight(r, 50, 150); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("weight at 50 = %v, want 0.5", got)
	}
	// Monotonically non-increasing from centre towards every edge.
	prev := 1.0
	for x := 300.0; x >= 0; x -= 7 {
		w := Weight(r, x, 150)
		if w > prev {
			t.Fatalf("weight increased toward the edge at x=%v", x)
		}
		prev = w
	}
	prev = 1.0
	for y := 150.0; y < 300; y += 3 {
		w := Weight(r, 300, y)
		if w > prev {
			t.Fatalf("weight increased toward the edge at y=%v", y)
		}
		prev = w
	}
}

func TestSourceWeightModes(t *testing.T) {
	r := Rect{X1: 60, Y1: 60}
	for _, mode := range []OverlayMode{OverlayNone, OverlayMean, OverlayAdd} {
		if got := SourceWeight(mode, r, 1, 1); got != 1 {
			t.Errorf("%v weight = %v, want 1", mode, got)
		}
	}
	if got := SourceWeight(OverlayFading, r, 1, 30); got >= 1 {
		t.Errorf("fading weight near edge = %v", got)
	}
}

func TestReduce(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name string
		mode TreeMode
		vals []float64
		want float64
	}{
		{"first skips null", TreeFirst, []float64{nan, 3, 1, 2}, 3},
		{"mean of single value", TreeMean, []float64{nan, 10, nan, nan}, 10},
		{"mean", TreeMean, []float64{1, 2, 3, 6}, 3},
		{"median two", TreeMedian, []float64{4, nan, 8, nan}, 6},
		{"median three", TreeMedian, []float64{9, 1, nan, 5}, 5},
		{"median four", TreeMedian, []float64{9, 1, 3, 5}, 4},
		{"middle three", TreeMiddle, []float64{9, 1, 5, nan}, 5},
		{"middle two", TreeMiddle, []float64{9, nan, 5, nan}, 5},
		{"middle four", TreeMiddle, []float64{7, 1, 3, 5}, 3},
	}
	for _, tt := range tests {
		if got := Reduce(tt.mode, tt.vals); got != tt.want {
			t.Errorf("%s: Reduce = %v, want %v", tt.name, got, tt.want)
		}
	}
	if !math.IsNaN(Reduce(TreeMean, []float64{nan, nan})) {
		t.Errorf("all-null reduce should be NaN")
	}
}

func buf(vals ...float64) *tile.Buffer {
	b := tile.New(healpix.Cell{Order: 1}, 2, tile.DefaultEncoding(tile.BitpixF64))
	for i, v := range vals {
		b.Set(i%2, i/2, v)
	}
	return b
}

func TestCombine(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		mode Mode
		want []float64
	}{
		{Overwrite, []float64{1, 20, 30, nan}},
		{Keep, []float64{10, 20, 30, nan}},
		{Average, []float64{5.5, nan, nan, nan}},
		{Add, []float64{11, nan, nan, nan}},
		{Sub, []float64{-9, nan, nan, nan}},
		{Mul, []float64{10, nan, nan, nan}},
		{OverwriteTile, []float64{1, nan, 30, nan}},
	}
	for _, tt := range tests {
		fresh := buf(1, nan, 30, nan)
		old := buf(10, 20, nan, nan)
		got, err := Combine(tt.mode, fresh, old)
		if err != nil {
			t.Fatalf("%v: %v", tt.mode, err)
		}
		for i, want := range tt.want {
			v := got.At(i%2, i/2)
			if math.IsNaN(want) != math.IsNaN(v) || (!math.IsNaN(want) && v != want) {
				t.Errorf("%v: pixel %d = %v, want %v", tt.mode, i, v, want)
			}
		}
	}
}

func TestCombineDivByZeroAndNil(t *testing.T) {
	got, _ := Combine(Div, buf(4, 4), buf(2, 0))
	if got.At(0, 0) != 2 || !math.IsNaN(got.At(1, 0)) {
		t.Errorf("div = %v,%v", got.At(0, 0), got.At(1, 0))
	}
	old := buf(1)
	if got, _ := Combine(Overwrite, nil, old); got != old {
		t.Errorf("empty fresh tile must fall back to persisted tile")
	}
	fresh := buf(1)
	if got, _ := Combine(Keep, fresh, nil); got != fresh {
		t.Errorf("missing persisted tile must keep fresh tile")
	}
}

func TestCombineColor(t *testing.T) {
	enc := tile.DefaultEncoding(tile.BitpixRGB)
	fresh := tile.New(healpix.Cell{}, 1, enc)
	old := tile.New(healpix.Cell{}, 1, enc)
	fresh.SetRGB(0, 0, tile.PackRGB(200, 100, 0))
	old.SetRGB(0, 0, tile.PackRGB(100, 200, 50))
	got, _ := Combine(Add, fresh, old)
	if _, r, g, b := tile.UnpackRGB(got.RGBAt(0, 0)); r != 255 || g != 255 || b != 50 {
		t.Errorf("add = %d,%d,%d, want 255,255,50", r, g, b)
	}
}
