// Package healpix holds the cell identifier of the tile pyramid and the nested
// HEALPix coordinate math the builder needs to place tile pixels on the sky.
package healpix

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// MaxOrder is the deepest order representable with 64-bit nested indices.
const MaxOrder = 29

// Cell identifies one tile of the pyramid. Slice distinguishes frames of a cube.
type Cell struct {
	Order uint8
	Index uint64
	Slice uint32
}

// NPix returns the number of cells at order.
func NPix(order uint8) uint64 {
	return 12 << (2 * uint64(order))
}

// Valid reports whether the index fits the order.
func (c Cell) Valid() bool {
	return c.Order <= MaxOrder && c.Index < NPix(c.Order)
}

// Children returns the four cells at Order+1 covering c.
func (c Cell) Children() [4]Cell {
	var out [4]Cell
	for i := range out {
		out[i] = Cell{Order: c.Order + 1, Index: c.Index*4 + uint64(i), Slice: c.Slice}
	}
	return out
}

// Parent returns the cell at Order-1 containing c. The parent of an order 0 cell is itself.
func (c Cell) Parent() Cell {
	if c.Order == 0 {
		return c
	}
	return Cell{Order: c.Order - 1, Index: c.Index / 4, Slice: c.Slice}
}

// ChildPos returns which of its parent's quadrants c occupies (0..3).
func (c Cell) ChildPos() int {
	return int(c.Index & 3)
}

// Leaves returns the number of descendants of c at maxOrder.
func (c Cell) Leaves(maxOrder uint8) uint64 {
	if maxOrder <= c.Order {
		return 1
	}
	return 1 << (2 * uint64(maxOrder-c.Order))
}

func (c Cell) String() string {
	if c.Slice != 0 {
		return fmt.Sprintf("%d/%d:%d", c.Order, c.Index, c.Slice)
	}
	return fmt.Sprintf("%d/%d", c.Order, c.Index)
}

// Path returns the persisted location of c relative to the pyramid root:
// Norder{k}/Dir{d}/Npix{i}[_{slice}].{ext} where d groups indices by 10000.
func Path(c Cell, ext string) string {
	dir := (c.Index / 10000) * 10000
	name := "Npix" + strconv.FormatUint(c.Index, 10)
	if c.Slice != 0 {
		name += "_" + strconv.FormatUint(uint64(c.Slice), 10)
	}
	return filepath.Join(
		"Norder"+strconv.Itoa(int(c.Order)),
		"Dir"+strconv.FormatUint(dir, 10),
		name+"."+ext,
	)
}
