// Package tile holds the in-memory tile buffer of one pyramid cell, its pixel
// encoding, and the on-disk codec and store used to persist it.
package tile

import "math"

// Raster is a rectangular pixel array. Numeric rasters keep raw values in Pix
// with NaN as null; colour rasters keep packed ARGB pixels in RGB with alpha 0
// as null. Exactly one of Pix and RGB is allocated.
type Raster struct {
	Width, Height int
	Enc           Encoding
	Pix           []float64
	RGB           []uint32
}

// NewRaster allocates a raster with every pixel null.
func NewRaster(width, height int, enc Encoding) *Raster {
	r := &Raster{Width: width, Height: height, Enc: enc}
	if enc.IsColor() {
		r.RGB = make([]uint32, width*height)
		return r
	}
	r.Pix = make([]float64, width*height)
	nan := math.NaN()
	for i := range r.Pix {
		r.Pix[i] = nan
	}
	return r
}

// At returns the raw value at (x, y); NaN for null.
func (r *Raster) At(x, y int) float64 { return r.Pix[y*r.Width+x] }

// Set stores a raw value at (x, y).
func (r *Raster) Set(x, y int, v float64) { r.Pix[y*r.Width+x] = v }

// RGBAt returns the colour pixel at (x, y).
func (r *Raster) RGBAt(x, y int) uint32 { return r.RGB[y*r.Width+x] }

// SetRGB stores a colour pixel at (x, y).
func (r *Raster) SetRGB(x, y int, p uint32) { r.RGB[y*r.Width+x] = p }

// IsNull reports whether the pixel at (x, y) carries no value.
func (r *Raster) IsNull(x, y int) bool {
	if r.RGB != nil {
		return Transparent(r.RGBAt(x, y))
	}
	return math.IsNaN(r.At(x, y))
}

// Empty reports whether every pixel is null.
func (r *Raster) Empty() bool {
	if r.RGB != nil {
		for _, p := range r.RGB {
			if !Transparent(p) {
				return false
			}
		}
		return true
	}
	for _, v := range r.Pix {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Bytes returns the resident memory held by the pixel arrays.
func (r *Raster) Bytes() int64 {
	return int64(len(r.Pix))*8 + int64(len(r.RGB))*4
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	c := &Raster{Width: r.Width, Height: r.Height, Enc: r.Enc}
	if r.Pix != nil {
		c.Pix = append([]float64(nil), r.Pix...)
	}
	if r.RGB != nil {
		c.RGB = append([]uint32(nil), r.RGB...)
	}
	return c
}
