package resample

import "github.com/freeeve/hipsgen/internal/merge"

// accumulator holds per-pixel weighted values for one leaf.
type accumulator struct {
	mode merge.OverlayMode
	val  [][]float64 // per channel: weighted sum while adding, value after finish
	wsum []float64
	has  []bool
	zero [][]float64 // per channel: first contributor, used when weights sum to 0
}

func newAccumulator(n, channels int, mode merge.OverlayMode) *accumulator {
	a := &accumulator{
		mode: mode,
		val:  make([][]float64, channels),
		zero: make([][]float64, channels),
		wsum: make([]float64, n),
		has:  make([]bool, n),
	}
	for c := range a.val {
		a.val[c] = make([]float64, n)
		a.zero[c] = make([]float64, n)
	}
	return a
}

// add records one source sample for pixel i.
func (a *accumulator) add(i int, v []float64, w float64) {
	if !a.has[i] {
		a.has[i] = true
		for c := range v {
			a.zero[c][i] = v[c]
		}
	}
	switch a.mode {
	case merge.OverlayNone:
		return
	case merge.OverlayAdd:
		for c := range v {
			a.val[c][i] += v[c]
		}
		return
	}
	for c := range v {
		a.val[c][i] += w * v[c]
	}
	a.wsum[i] += w
}

// finish turns sums into per-pixel values.
func (a *accumulator) finish() {
	for i, ok := range a.has {
		if !ok {
			continue
		}
		for c := range a.val {
			switch {
			case a.mode == merge.OverlayNone:
				a.val[c][i] = a.zero[c][i]
			case a.mode == merge.OverlayAdd:
			case a.wsum[i] == 0:
				a.val[c][i] = a.zero[c][i]
			default:
				a.val[c][i] /= a.wsum[i]
			}
		}
	}
}

// coadd folds a finished batch into the running result, weighting both by
// their accumulated weights.
func (a *accumulator) coadd(b *accumulator) {
	for i, ok := range b.has {
		if !ok {
			continue
		}
		if !a.has[i] {
			a.has[i] = true
			a.wsum[i] = b.wsum[i]
			for c := range a.val {
				a.val[c][i] = b.val[c][i]
			}
			continue
		}
		switch a.mode {
		case merge.OverlayNone:
			continue
		case merge.OverlayAdd:
			for c := range a.val {
				a.val[c][i] += b.val[c][i]
			}
			continue
		}
		total := a.wsum[i] + b.wsum[i]
		if total == 0 {
			continue
		}
		for c := range a.val {
			a.val[c][i] = (a.val[c][i]*a.wsum[i] + b.val[c][i]*b.wsum[i]) / total
		}
		a.wsum[i] = total
	}
}
