// Package source describes the calibrated input images of a build: their
// pixel-to-sky mapping, the catalog listing them, the spatial index that finds
// the images overlapping a cell, and the opener that loads their pixels.
package source

import "math"

const deg = math.Pi / 180

// Calibration is a gnomonic (TAN) world coordinate system. CRPix is 1-based as
// in FITS; pixel coordinates returned by the methods are 0-based.
type Calibration struct {
	CRVal1 float64 `yaml:"crval1"`
	CRVal2 float64 `yaml:"crval2"`
	CRPix1 float64 `yaml:"crpix1"`
	CRPix2 float64 `yaml:"crpix2"`
	CD11   float64 `yaml:"cd1_1"`
	CD12   float64 `yaml:"cd1_2"`
	CD21   float64 `yaml:"cd2_1"`
	CD22   float64 `yaml:"cd2_2"`
}

// SimpleCalibration builds a north-up calibration with square pixels of
// scale degrees, centred on (ra, dec) at pixel (cx, cy).
func SimpleCalibration(ra, dec, cx, cy, scale float64) Calibration {
	return Calibration{
		CRVal1: ra, CRVal2: dec,
		CRPix1: cx + 1, CRPix2: cy + 1,
		CD11: -scale, CD22: scale,
	}
}

func (c Calibration) det() float64 { return c.CD11*c.CD22 - c.CD12*c.CD21 }

// Valid reports whether the CD matrix is invertible.
func (c Calibration) Valid() bool { return c.det() != 0 }

// SkyToPixel projects (ra, dec) degrees to 0-based pixel coordinates. ok is
// false for positions on the far hemisphere of the tangent point.
func (c Calibration) SkyToPixel(ra, dec float64) (x, y float64, ok bool) {
	a, d := ra*deg, dec*deg
	a0, d0 := c.CRVal1*deg, c.CRVal2*deg
	cosc := math.Sin(d0)*math.Sin(d) + math.Cos(d0)*math.Cos(d)*math.Cos(a-a0)
	if cosc <= 0 {
		return 0, 0, false
	}
	xi := math.Cos(d) * math.Sin(a-a0) / cosc / deg
	eta := (math.Cos(d0)*math.Sin(d) - math.Sin(d0)*math.Cos(d)*math.Cos(a-a0)) / cosc / deg

	det := c.det()
	dx := (c.CD22*xi - c.CD12*eta) / det
	dy := (-c.CD21*xi + c.CD11*eta) / det
	return c.CRPix1 - 1 + dx, c.CRPix2 - 1 + dy, true
}

// PixelToSky is the inverse of SkyToPixel.
func (c Calibration) PixelToSky(x, y float64) (ra, dec float64) {
	dx, dy := x-(c.CRPix1-1), y-(c.CRPix2-1)
	xi := (c.CD11*dx + c.CD12*dy) * deg
	eta := (c.CD21*dx + c.CD22*dy) * deg
	d0 := c.CRVal2 * deg

	den := math.Cos(d0) - eta*math.Sin(d0)
	a := c.CRVal1*deg + math.Atan2(xi, den)
	d := math.Atan2(math.Sin(d0)+eta*math.Cos(d0), math.Hypot(xi, den))

	ra = math.Mod(a/deg, 360)
	if ra < 0 {
		ra += 360
	}
	return ra, d / deg
}
