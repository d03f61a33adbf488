// Package merge holds the stateless pixel-combination rules of the pyramid:
// how overlapping sources blend inside a leaf, how four children collapse into
// a node, and how a fresh tile combines with the one already on disk.
package merge

import (
	"fmt"
	"strings"
)

// OverlayMode selects how overlapping source pixels combine within one leaf.
type OverlayMode uint8

const (
	// OverlayNone takes each source at full weight; the first contributor wins.
	OverlayNone OverlayMode = iota
	// OverlayFading weights sources by distance from their edges.
	OverlayFading
	// OverlayMean averages contributors with equal weight.
	OverlayMean
	// OverlayAdd sums contributors.
	OverlayAdd
)

// TreeMode selects how four children combine into one node.
type TreeMode uint8

const (
	TreeFirst TreeMode = iota
	TreeMean
	TreeMedian
	TreeMiddle
)

// Mode selects how a freshly computed tile combines with a persisted one.
type Mode uint8

const (
	Overwrite Mode = iota
	Keep
	Average
	Add
	Sub
	Mul
	Div
	KeepTile
	OverwriteTile
)

var (
	overlayNames = []string{"none", "fading", "mean", "add"}
	treeNames    = []string{"first", "mean", "median", "middle"}
	modeNames    = []string{"overwrite", "keep", "average", "add", "sub", "mul", "div", "keeptile", "overwritetile"}
)

func lookup(kind string, names []string, s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s mode %q (want one of %s)", kind, s, strings.Join(names, ", "))
}

func name(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("unknown(%d)", i)
}

// ParseOverlay parses an overlay mode name.
func ParseOverlay(s string) (OverlayMode, error) {
	i, err := lookup("overlay", overlayNames, s)
	return OverlayMode(i), err
}

// ParseTree parses a tree mode name.
func ParseTree(s string) (TreeMode, error) {
	i, err := lookup("tree", treeNames, s)
	return TreeMode(i), err
}

// ParseMode parses a merge mode name.
func ParseMode(s string) (Mode, error) {
	i, err := lookup("merge", modeNames, s)
	return Mode(i), err
}

func (m OverlayMode) String() string { return name(overlayNames, int(m)) }
func (m TreeMode) String() string    { return name(treeNames, int(m)) }
func (m Mode) String() string        { return name(modeNames, int(m)) }

// TileGranular reports whether the mode decides per tile instead of per pixel.
func (m Mode) TileGranular() bool { return m == KeepTile || m == OverwriteTile }
