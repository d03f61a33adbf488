package source

import (
	"math"

	"github.com/freeeve/hipsgen/internal/healpix"
	"github.com/freeeve/hipsgen/internal/merge"
)

// Border is the number of pixels ignored at each edge of an image.
type Border struct {
	Left   int `yaml:"left"`
	Right  int `yaml:"right"`
	Bottom int `yaml:"bottom"`
	Top    int `yaml:"top"`
}

// Ref references one calibrated source image. The pixels themselves are owned
// by the file; a Ref is read-only during resampling.
type Ref struct {
	Path   string      `yaml:"path"`
	Width  int         `yaml:"width"`
	Height int         `yaml:"height"`
	Slice  uint32      `yaml:"slice"`
	Border *Border     `yaml:"border,omitempty"`
	Calib  Calibration `yaml:"wcs"`
}

// Usable returns the margin-excluded pixel rectangle.
func (r Ref) Usable() merge.Rect {
	var b Border
	if r.Border != nil {
		b = *r.Border
	}
	return merge.Rect{
		X0: float64(b.Left),
		Y0: float64(b.Bottom),
		X1: float64(r.Width - b.Right),
		Y1: float64(r.Height - b.Top),
	}
}

// Center returns the sky position of the centre of the usable rectangle.
func (r Ref) Center() (ra, dec float64) {
	u := r.Usable()
	return r.Calib.PixelToSky((u.X0+u.X1)/2, (u.Y0+u.Y1)/2)
}

// Radius returns the largest angular distance, in degrees, from Center to a
// corner of the usable rectangle.
func (r Ref) Radius() float64 {
	u := r.Usable()
	ra0, dec0 := r.Center()
	var out float64
	for _, p := range [][2]float64{{u.X0, u.Y0}, {u.X1, u.Y0}, {u.X0, u.Y1}, {u.X1, u.Y1}} {
		ra, dec := r.Calib.PixelToSky(p[0], p[1])
		out = math.Max(out, healpix.Distance(ra0, dec0, ra, dec))
	}
	return out
}
