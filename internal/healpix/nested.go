package healpix

import "math"

const (
	halfPi   = math.Pi / 2
	twoThird = 2.0 / 3.0
)

var (
	jrll = [12]int64{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int64{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// spread interleaves the low 32 bits of v with zeros (bit i moves to bit 2i).
func spread(v uint64) uint64 {
	v &= 0xffffffff
	v = (v | v<<16) & 0x0000ffff0000ffff
	v = (v | v<<8) & 0x00ff00ff00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f0f0f0f0f
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}

// compress is the inverse of spread: it gathers the even bits of v.
func compress(v uint64) uint64 {
	v &= 0x5555555555555555
	v = (v | v>>1) & 0x3333333333333333
	v = (v | v>>2) & 0x0f0f0f0f0f0f0f0f
	v = (v | v>>4) & 0x00ff00ff00ff00ff
	v = (v | v>>8) & 0x0000ffff0000ffff
	v = (v | v>>16) & 0x00000000ffffffff
	return v
}

// SubIndex returns the nested offset of tile pixel (x, y) inside its cell.
func SubIndex(x, y int) uint64 {
	return spread(uint64(x)) | spread(uint64(y))<<1
}

// SubXY is the inverse of SubIndex.
func SubXY(sub uint64) (x, y int) {
	return int(compress(sub)), int(compress(sub >> 1))
}

func xyf2nest(order uint8, ix, iy int64, face int) uint64 {
	return uint64(face)<<(2*uint64(order)) + spread(uint64(ix)) + spread(uint64(iy))<<1
}

func nest2xyf(order uint8, pix uint64) (ix, iy int64, face int) {
	npface := uint64(1) << (2 * uint64(order))
	face = int(pix / npface)
	ipf := pix & (npface - 1)
	return int64(compress(ipf)), int64(compress(ipf >> 1)), face
}

// PixToAng returns the colatitude theta and longitude phi (radians) of the
// centre of nested pixel pix at order.
func PixToAng(order uint8, pix uint64) (theta, phi float64) {
	nside := int64(1) << order
	npix := 12 * nside * nside
	fact2 := 4.0 / float64(npix)
	fact1 := float64(nside<<1) * fact2

	ix, iy, face := nest2xyf(order, pix)
	jr := jrll[face]<<order - ix - iy - 1

	var nr int64
	var z float64
	switch {
	case jr < nside:
		nr = jr
		z = 1 - float64(nr*nr)*fact2
	case jr > 3*nside:
		nr = 4*nside - jr
		z = float64(nr*nr)*fact2 - 1
	default:
		nr = nside
		z = float64(2*nside-jr) * fact1
	}

	tmp := jpll[face]*nr + ix - iy
	if tmp < 0 {
		tmp += 8 * nr
	}
	phi = 0.5 * halfPi * float64(tmp) / float64(nr)
	if phi >= 2*math.Pi {
		phi -= 2 * math.Pi
	}
	return math.Acos(z), phi
}

// AngToPix returns the nested pixel at order containing (theta, phi).
func AngToPix(order uint8, theta, phi float64) uint64 {
	nside := int64(1) << order
	z := math.Cos(theta)
	za := math.Abs(z)
	tt := math.Mod(phi/halfPi, 4)
	if tt < 0 {
		tt += 4
	}

	if za <= twoThird {
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * z * 0.75
		jp := int64(temp1 - temp2)
		jm := int64(temp1 + temp2)
		ifp := jp >> order
		ifm := jm >> order
		var face int
		switch {
		case ifp == ifm:
			face = int(ifp | 4)
		case ifp < ifm:
			face = int(ifp)
		default:
			face = int(ifm + 8)
		}
		ix := jm & (nside - 1)
		iy := nside - (jp & (nside - 1)) - 1
		return xyf2nest(order, ix, iy, face)
	}

	ntt := int(tt)
	if ntt > 3 {
		ntt = 3
	}
	tp := tt - float64(ntt)
	tmp := float64(nside) * math.Sqrt(3*(1-za))
	jp := int64(tp * tmp)
	jm := int64((1 - tp) * tmp)
	if jp > nside-1 {
		jp = nside - 1
	}
	if jm > nside-1 {
		jm = nside - 1
	}
	if z >= 0 {
		return xyf2nest(order, nside-jm-1, nside-jp-1, ntt)
	}
	return xyf2nest(order, jp, jm, ntt+8)
}

// RaDec converts (theta, phi) to equatorial degrees.
func RaDec(theta, phi float64) (ra, dec float64) {
	return phi * 180 / math.Pi, 90 - theta*180/math.Pi
}

// ThetaPhi converts equatorial degrees to (theta, phi) radians.
func ThetaPhi(ra, dec float64) (theta, phi float64) {
	return (90 - dec) * math.Pi / 180, ra * math.Pi / 180
}

// CellCenter returns the centre of a cell in degrees.
func CellCenter(order uint8, index uint64) (ra, dec float64) {
	return RaDec(PixToAng(order, index))
}

// AngleToCell returns the cell index at order containing (ra, dec) degrees.
func AngleToCell(order uint8, ra, dec float64) uint64 {
	theta, phi := ThetaPhi(ra, dec)
	return AngToPix(order, theta, phi)
}

// CellRadius is an upper bound, in degrees, of the angular distance from a
// cell's centre to any of its points.
func CellRadius(order uint8) float64 {
	// Mean cell side is sqrt(4pi/npix); cells are at most ~1.4x elongated.
	side := math.Sqrt(4*math.Pi/float64(NPix(order))) * 180 / math.Pi
	return side * 1.5
}

// PixelCenter returns the sky position (degrees) of pixel (x, y) of a tile of
// width 2^tileOrder for cell c.
func PixelCenter(c Cell, tileOrder uint8, x, y int) (ra, dec float64) {
	pix := c.Index<<(2*uint64(tileOrder)) | SubIndex(x, y)
	return CellCenter(c.Order+tileOrder, pix)
}

// Distance returns the great-circle distance in degrees between two points.
func Distance(ra1, dec1, ra2, dec2 float64) float64 {
	const rad = math.Pi / 180
	s := math.Sin((dec2-dec1)*rad/2)*math.Sin((dec2-dec1)*rad/2) +
		math.Cos(dec1*rad)*math.Cos(dec2*rad)*math.Sin((ra2-ra1)*rad/2)*math.Sin((ra2-ra1)*rad/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(s))) / rad
}

// TileOrder returns log2(width) for a power-of-two tile width, or -1.
func TileOrder(width int) int {
	if width <= 0 || width&(width-1) != 0 {
		return -1
	}
	order := 0
	for w := width; w > 1; w >>= 1 {
		order++
	}
	return order
}
