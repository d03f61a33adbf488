// Package moc implements the coverage mask that selects which cells of the
// pyramid a build touches.
package moc

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/freeeve/hipsgen/internal/healpix"
)

// ErrSyntax is returned for malformed range specifications.
var ErrSyntax = errors.New("moc: invalid range")

// Range is a half-open interval [First, Last) of cell indices at the mask order.
type Range struct {
	First, Last uint64
}

// Mask is a set of cells at a single order, kept as sorted disjoint ranges.
type Mask struct {
	order  uint8
	ranges []Range
}

// AllSky returns a mask covering every cell at order.
func AllSky(order uint8) *Mask {
	return &Mask{order: order, ranges: []Range{{0, healpix.NPix(order)}}}
}

// New builds a mask from individual cell indices at order.
func New(order uint8, cells ...uint64) *Mask {
	m := &Mask{order: order}
	for _, c := range cells {
		m.ranges = append(m.ranges, Range{c, c + 1})
	}
	m.normalize()
	return m
}

// Parse reads specifications of the form "order/first" or "order/first-last"
// (inclusive) and degrades or expands every range to the requested mask order.
func Parse(order uint8, specs []string) (*Mask, error) {
	m := &Mask{order: order}
	for _, spec := range specs {
		r, err := parseRange(order, strings.TrimSpace(spec))
		if err != nil {
			return nil, err
		}
		m.ranges = append(m.ranges, r)
	}
	m.normalize()
	return m, nil
}

func parseRange(order uint8, spec string) (Range, error) {
	o, rest, ok := strings.Cut(spec, "/")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q (want order/first[-last])", ErrSyntax, spec)
	}
	specOrder, err := strconv.ParseUint(o, 10, 8)
	if err != nil || specOrder > healpix.MaxOrder {
		return Range{}, fmt.Errorf("%w: bad order in %q", ErrSyntax, spec)
	}
	firstStr, lastStr, isRange := strings.Cut(rest, "-")
	first, err := strconv.ParseUint(firstStr, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: bad index in %q", ErrSyntax, spec)
	}
	last := first
	if isRange {
		last, err = strconv.ParseUint(lastStr, 10, 64)
		if err != nil || last < first {
			return Range{}, fmt.Errorf("%w: bad index in %q", ErrSyntax, spec)
		}
	}
	if last >= healpix.NPix(uint8(specOrder)) {
		return Range{}, fmt.Errorf("%w: index out of range in %q", ErrSyntax, spec)
	}

	so := uint8(specOrder)
	if so <= order {
		shift := 2 * uint64(order-so)
		return Range{first << shift, (last + 1) << shift}, nil
	}
	// Finer cells are degraded to the enclosing mask cells.
	shift := 2 * uint64(so-order)
	return Range{first >> shift, (last >> shift) + 1}, nil
}

func (m *Mask) normalize() {
	if len(m.ranges) == 0 {
		return
	}
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].First < m.ranges[j].First })
	out := m.ranges[:1]
	for _, r := range m.ranges[1:] {
		last := &out[len(out)-1]
		if r.First <= last.Last {
			if r.Last > last.Last {
				last.Last = r.Last
			}
			continue
		}
		out = append(out, r)
	}
	m.ranges = out
}

// Order returns the order the mask is expressed at.
func (m *Mask) Order() uint8 { return m.order }

// Empty reports whether the mask selects nothing.
func (m *Mask) Empty() bool { return len(m.ranges) == 0 }

// span converts a cell to the index range it covers at the mask order. For
// cells finer than the mask it returns the single enclosing mask cell.
func (m *Mask) span(order uint8, index uint64) Range {
	if order <= m.order {
		shift := 2 * uint64(m.order-order)
		return Range{index << shift, (index + 1) << shift}
	}
	p := index >> (2 * uint64(order-m.order))
	return Range{p, p + 1}
}

// covered returns how many indices of r are in the mask.
func (m *Mask) covered(r Range) uint64 {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].Last > r.First })
	var n uint64
	for ; i < len(m.ranges) && m.ranges[i].First < r.Last; i++ {
		lo := max(m.ranges[i].First, r.First)
		hi := min(m.ranges[i].Last, r.Last)
		n += hi - lo
	}
	return n
}

// Contains reports whether the whole cell lies inside the mask.
func (m *Mask) Contains(order uint8, index uint64) bool {
	r := m.span(order, index)
	return m.covered(r) == r.Last-r.First
}

// IsAscendant reports whether the cell is coarser than the mask order and has at
// least one masked descendant.
func (m *Mask) IsAscendant(order uint8, index uint64) bool {
	if order >= m.order {
		return false
	}
	return m.covered(m.span(order, index)) > 0
}

// IsDescendant reports whether the cell is finer than the mask order and lies
// in a masked cell.
func (m *Mask) IsDescendant(order uint8, index uint64) bool {
	if order <= m.order {
		return false
	}
	return m.covered(m.span(order, index)) > 0
}

// Intersects reports whether any part of the cell is in the mask.
func (m *Mask) Intersects(order uint8, index uint64) bool {
	return m.covered(m.span(order, index)) > 0
}

// Cells lists the indices at order that intersect the mask.
func (m *Mask) Cells(order uint8) []uint64 {
	var out []uint64
	for _, r := range m.ranges {
		var first, last uint64
		if order <= m.order {
			shift := 2 * uint64(m.order-order)
			first, last = r.First>>shift, (r.Last-1)>>shift
		} else {
			shift := 2 * uint64(order-m.order)
			first, last = r.First<<shift, (r.Last<<shift)-1
		}
		for i := first; i <= last; i++ {
			if n := len(out); n > 0 && out[n-1] >= i {
				continue
			}
			out = append(out, i)
		}
	}
	return out
}

// Ranges returns a copy of the mask ranges.
func (m *Mask) Ranges() []Range {
	return append([]Range(nil), m.ranges...)
}
