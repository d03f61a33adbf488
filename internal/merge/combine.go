package merge

import (
	"fmt"
	"math"

	"github.com/freeeve/hipsgen/internal/tile"
)

// Combine merges a freshly computed tile with the tile already persisted for
// the same cell and returns the tile to keep. Either side may be nil. The
// fresh buffer is updated in place and returned when it survives; old must be
// resident.
//
// Tile-granular modes are decided before computation (KeepTile) or ignore the
// previous tile entirely (OverwriteTile), so here they return fresh as is.
func Combine(mode Mode, fresh, old *tile.Buffer) (*tile.Buffer, error) {
	if fresh == nil {
		return old, nil
	}
	if old == nil || mode.TileGranular() {
		return fresh, nil
	}
	if fresh.Width() != old.Width() {
		return nil, fmt.Errorf("merge %s: width %d vs persisted %d", fresh.Cell(), fresh.Width(), old.Width())
	}
	if fresh.Encoding().IsColor() != old.Encoding().IsColor() {
		return nil, fmt.Errorf("merge %s: colour and numeric tiles cannot be combined", fresh.Cell())
	}

	w := fresh.Width()
	if fresh.Encoding().IsColor() {
		for y := 0; y < w; y++ {
			for x := 0; x < w; x++ {
				fresh.SetRGB(x, y, combineRGB(mode, fresh.RGBAt(x, y), old.RGBAt(x, y)))
			}
		}
		return fresh, nil
	}

	freshEnc, oldEnc := fresh.Encoding(), old.Encoding()
	same := freshEnc.Same(oldEnc)
	for y := 0; y < w; y++ {
		for x := 0; x < w; x++ {
			o := old.At(x, y)
			if !same && !math.IsNaN(o) {
				o = freshEnc.Raw(oldEnc.Physical(o))
			}
			fresh.Set(x, y, freshEnc.Quantize(combineValue(mode, fresh.At(x, y), o)))
		}
	}
	return fresh, nil
}

// combineValue applies mode to two raw values (NaN = null).
func combineValue(mode Mode, a, b float64) float64 {
	switch mode {
	case Overwrite:
		if math.IsNaN(a) {
			return b
		}
		return a
	case Keep:
		if math.IsNaN(b) {
			return a
		}
		return b
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	switch mode {
	case Average:
		return (a + b) / 2
	case Add:
		return a + b
	case Sub:
		return a - b
	case Mul:
		return a * b
	case Div:
		if b == 0 {
			return math.NaN()
		}
		return a / b
	}
	return a
}

func combineRGB(mode Mode, a, b uint32) uint32 {
	aNull, bNull := tile.Transparent(a), tile.Transparent(b)
	switch mode {
	case Overwrite:
		if aNull {
			return b
		}
		return a
	case Keep:
		if bNull {
			return a
		}
		return b
	}
	if aNull || bNull {
		return 0
	}
	_, ar, ag, ab := tile.UnpackRGB(a)
	_, br, bg, bb := tile.UnpackRGB(b)
	ch := func(x, y uint8) uint8 {
		v := combineValue(mode, float64(x), float64(y))
		if math.IsNaN(v) {
			v = 0
		}
		return tile.ClampByte(v)
	}
	return tile.PackRGB(ch(ar, br), ch(ag, bg), ch(ab, bb))
}
