package build

import (
	"math"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/merge"
	"github.com/freeeve/hipsgen/internal/tile"
)

// Aggregate downsamples four children into the tile of cell. Child c fills
// the quadrant at ((c&1)*W/2, (c>>1)*W/2); each output pixel reduces the 2x2
// block of its child. Absent children contribute nothing. It returns nil when
// no child contributed a value. Children must be resident.
func Aggregate(cell healpix.Cell, children [4]*tile.Buffer, mode merge.TreeMode, width int, enc tile.Encoding) *tile.Buffer {
	out := tile.New(cell, width, enc)
	half := width / 2
	filled := false

	var vals [4]float64
	var chans [3][4]float64
	for c, child := range children {
		if child == nil {
			continue
		}
		if child.Width() != width {
			continue
		}
		childEnc := child.Encoding()
		convert := !childEnc.Same(enc)
		x0, y0 := (c&1)*half, (c>>1)*half

		for y := 0; y < half; y++ {
			for x := 0; x < half; x++ {
				sx, sy := 2*x, 2*y
				pos := [4][2]int{{sx, sy}, {sx + 1, sy}, {sx, sy + 1}, {sx + 1, sy + 1}}

				if enc.IsColor() {
					n := 0
					for _, p := range pos {
						px := child.RGBAt(p[0], p[1])
						if tile.Transparent(px) {
							continue
						}
						_, r, g, b := tile.UnpackRGB(px)
						chans[0][n], chans[1][n], chans[2][n] = float64(r), float64(g), float64(b)
						n++
					}
					if n == 0 {
						continue
					}
					out.SetRGB(x0+x, y0+y, tile.PackRGB(
						tile.ClampByte(merge.Reduce(mode, chans[0][:n])),
						tile.ClampByte(merge.Reduce(mode, chans[1][:n])),
						tile.ClampByte(merge.Reduce(mode, chans[2][:n]))))
					filled = true
					continue
				}

				for k, p := range pos {
					v := child.At(p[0], p[1])
					if convert && !math.IsNaN(v) {
						v = enc.Raw(childEnc.Physical(v))
					}
					vals[k] = v
				}
				v := merge.Reduce(mode, vals[:])
				if math.IsNaN(v) {
					continue
				}
				out.Set(x0+x, y0+y, enc.Quantize(v))
				filled = true
			}
		}
	}
	if !filled {
		out.Free()
		return nil
	}
	return out
}
