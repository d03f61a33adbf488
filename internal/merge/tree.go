package merge

import (
	"math"
	"sort"
)

// Reduce combines up to sixteen sub-pixel values (NaN entries are ignored)
// into one node pixel. It returns NaN when nothing contributes.
func Reduce(mode TreeMode, vals []float64) float64 {
	var buf [16]float64
	n := 0
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if mode == TreeFirst {
			return v
		}
		if n < len(buf) {
			buf[n] = v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	got := buf[:n]

	switch mode {
	case TreeMean:
		var sum float64
		for _, v := range got {
			sum += v
		}
		return sum / float64(n)
	case TreeMedian:
		sort.Float64s(got)
		if n%2 == 1 {
			return got[n/2]
		}
		return (got[n/2-1] + got[n/2]) / 2
	case TreeMiddle:
		sort.Float64s(got)
		if n >= 3 {
			return got[1]
		}
		return got[0]
	default:
		return got[0]
	}
}
