package tile

import (
	"fmt"
	"math"
)

// Supported pixel encodings, following the FITS BITPIX convention. BitpixRGB
// marks packed ARGB colour pixels.
const (
	BitpixRGB = 0
	Bitpix8   = 8
	Bitpix16  = 16
	Bitpix32  = 32
	Bitpix64  = 64
	BitpixF32 = -32
	BitpixF64 = -64
)

// Encoding describes how raw pixel values are stored and how they map to
// physical values: physical = BZero + BScale*raw. Blank is the raw null
// sentinel for integer encodings; float encodings use NaN.
type Encoding struct {
	Bitpix int
	BZero  float64
	BScale float64
	Blank  float64
}

// DefaultEncoding returns the identity encoding for bitpix with the
// conventional blank value.
func DefaultEncoding(bitpix int) Encoding {
	e := Encoding{Bitpix: bitpix, BScale: 1}
	switch bitpix {
	case Bitpix8:
		e.Blank = 0
	case Bitpix16:
		e.Blank = math.MinInt16
	case Bitpix32:
		e.Blank = math.MinInt32
	case Bitpix64:
		e.Blank = math.MinInt64
	default:
		e.Blank = math.NaN()
	}
	return e
}

// Validate checks that the bit width is supported.
func (e Encoding) Validate() error {
	switch e.Bitpix {
	case BitpixRGB, Bitpix8, Bitpix16, Bitpix32, Bitpix64, BitpixF32, BitpixF64:
	default:
		return fmt.Errorf("unsupported bitpix %d", e.Bitpix)
	}
	if !e.IsColor() && e.BScale == 0 {
		return fmt.Errorf("bscale must be non-zero")
	}
	return nil
}

// IsColor reports whether pixels are packed ARGB.
func (e Encoding) IsColor() bool { return e.Bitpix == BitpixRGB }

// IsFloat reports whether raw values are IEEE floats.
func (e Encoding) IsFloat() bool { return e.Bitpix < 0 }

// BytesPerPixel returns the on-disk sample size.
func (e Encoding) BytesPerPixel() int {
	if e.IsColor() {
		return 4
	}
	if e.Bitpix < 0 {
		return -e.Bitpix / 8
	}
	return e.Bitpix / 8
}

// Physical converts a raw value to its physical value.
func (e Encoding) Physical(raw float64) float64 {
	scale := e.BScale
	if scale == 0 {
		scale = 1
	}
	return e.BZero + scale*raw
}

// Raw converts a physical value to its raw value without quantization.
func (e Encoding) Raw(phys float64) float64 {
	scale := e.BScale
	if scale == 0 {
		scale = 1
	}
	return (phys - e.BZero) / scale
}

// Range returns the smallest and largest non-blank raw values.
func (e Encoding) Range() (lo, hi float64) {
	switch e.Bitpix {
	case Bitpix8:
		lo, hi = 0, math.MaxUint8
	case Bitpix16:
		lo, hi = math.MinInt16, math.MaxInt16
	case Bitpix32:
		lo, hi = math.MinInt32, math.MaxInt32
	case Bitpix64:
		lo, hi = math.MinInt64, math.MaxInt64
	case BitpixF32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
	if e.Blank == lo {
		lo++
	} else if e.Blank == hi {
		hi--
	}
	return lo, hi
}

// Quantize rounds and clamps raw to what the encoding can store. NaN stays NaN.
func (e Encoding) Quantize(raw float64) float64 {
	if math.IsNaN(raw) || e.IsFloat() || e.IsColor() {
		if e.Bitpix == BitpixF32 && !math.IsNaN(raw) {
			return float64(float32(raw))
		}
		return raw
	}
	lo, hi := e.Range()
	v := math.Round(raw)
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	return v
}

// Same reports whether two encodings store identical raw values.
func (e Encoding) Same(o Encoding) bool {
	return e.Bitpix == o.Bitpix && e.BZero == o.BZero && e.BScale == o.BScale
}

// Converter linearly remaps a physical value range onto the raw range of a
// different encoding, clamping at both ends.
type Converter struct {
	SrcMin, SrcMax float64
	DstMin, DstMax float64
}

// NewConverter maps physical values in [srcMin, srcMax] to the full raw range of out.
func NewConverter(srcMin, srcMax float64, out Encoding) *Converter {
	lo, hi := out.Range()
	return &Converter{SrcMin: srcMin, SrcMax: srcMax, DstMin: lo, DstMax: hi}
}

// Convert maps a physical value to a raw value. NaN stays NaN.
func (c *Converter) Convert(phys float64) float64 {
	if math.IsNaN(phys) {
		return phys
	}
	var v float64
	if c.SrcMax == c.SrcMin {
		v = c.DstMin
	} else {
		v = c.DstMin + (phys-c.SrcMin)*(c.DstMax-c.DstMin)/(c.SrcMax-c.SrcMin)
	}
	if v < c.DstMin {
		return c.DstMin
	}
	if v > c.DstMax {
		return c.DstMax
	}
	return v
}

// Packed ARGB helpers.

// PackRGB builds an opaque ARGB pixel.
func PackRGB(r, g, b uint8) uint32 {
	return 0xff000000 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// UnpackRGB splits a pixel into alpha and channel values.
func UnpackRGB(p uint32) (a, r, g, b uint8) {
	return uint8(p >> 24), uint8(p >> 16), uint8(p >> 8), uint8(p)
}

// Transparent reports whether a colour pixel is null.
func Transparent(p uint32) bool { return p>>24 == 0 }

// ClampByte rounds v into [0,255].
func ClampByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
