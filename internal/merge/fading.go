package merge

// Rect is the usable, margin-excluded area of a source image in pixel
// coordinates: [X0, X1) x [Y0, Y1).
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Width returns X1-X0.
func (r Rect) Width() float64 { return r.X1 - r.X0 }

// Height returns Y1-Y0.
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Contains reports whether (x, y) lies in the rectangle.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1
}

// FadeFraction is the share of the usable width and height, from each edge,
// over which the fading weight ramps from 0 to 1.
const FadeFraction = 1.0 / 6

// Weight returns the fading weight of source pixel (x, y): 1 in the core of
// the usable rectangle, decaying linearly to 0 at its edges over an inner
// margin of FadeFraction of the width and height. Outside the rectangle it
// is 0.
func Weight(r Rect, x, y float64) float64 {
	if !r.Contains(x, y) {
		return 0
	}
	wx := ramp(x-r.X0, r.X1-x, r.Width()*FadeFraction)
	wy := ramp(y-r.Y0, r.Y1-y, r.Height()*FadeFraction)
	return min(wx, wy)
}

func ramp(fromLow, fromHigh, margin float64) float64 {
	d := min(fromLow, fromHigh)
	if margin <= 0 || d >= margin {
		return 1
	}
	if d <= 0 {
		return 0
	}
	return d / margin
}

// SourceWeight returns the weight a contributing source gets under mode.
func SourceWeight(mode OverlayMode, r Rect, x, y float64) float64 {
	if mode == OverlayFading {
		return Weight(r, x, y)
	}
	return 1
}
