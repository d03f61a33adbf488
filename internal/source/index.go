package source

import (
	"github.com/freeeve/hipsgen/internal/healpix"
)

// DefaultIndexOrder is the order of the cells the index buckets sources by.
const DefaultIndexOrder = 3

type entry struct {
	ref     Ref
	ra, dec float64
	radius  float64
}

// Index lists, for each low-order cell, the sources that may overlap it.
type Index struct {
	order   uint8
	entries []entry
	buckets map[uint64][]int
}

// NewIndex builds the spatial index of refs at DefaultIndexOrder.
func NewIndex(refs []Ref) *Index {
	return NewIndexAtOrder(refs, DefaultIndexOrder)
}

// NewIndexAtOrder builds the spatial index of refs bucketed at order.
func NewIndexAtOrder(refs []Ref, order uint8) *Index {
	idx := &Index{order: order, buckets: make(map[uint64][]int)}
	cellRadius := healpix.CellRadius(order)
	for i, ref := range refs {
		ra, dec := ref.Center()
		e := entry{ref: ref, ra: ra, dec: dec, radius: ref.Radius()}
		idx.entries = append(idx.entries, e)
		for c := uint64(0); c < healpix.NPix(order); c++ {
			cra, cdec := healpix.CellCenter(order, c)
			if healpix.Distance(cra, cdec, ra, dec) <= e.radius+cellRadius {
				idx.buckets[c] = append(idx.buckets[c], i)
			}
		}
	}
	return idx
}

// Len returns the number of indexed sources.
func (idx *Index) Len() int { return len(idx.entries) }

// CandidatesForCell returns the sources of the cell's slice whose footprint may
// overlap the cell, in catalog order.
func (idx *Index) CandidatesForCell(c healpix.Cell) []Ref {
	var pool []int
	if c.Order >= idx.order {
		pool = idx.buckets[c.Index>>(2*uint64(c.Order-idx.order))]
	} else {
		pool = make([]int, len(idx.entries))
		for i := range pool {
			pool[i] = i
		}
	}

	ra, dec := healpix.CellCenter(c.Order, c.Index)
	cellRadius := healpix.CellRadius(c.Order)
	var out []Ref
	for _, i := range pool {
		e := idx.entries[i]
		if e.ref.Slice != c.Slice {
			continue
		}
		if healpix.Distance(ra, dec, e.ra, e.dec) <= e.radius+cellRadius {
			out = append(out, e.ref)
		}
	}
	return out
}
