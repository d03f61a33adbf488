package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/hipsgen/internal/healpix"
)

// Tile file format:
//
//	Header (64 bytes):
//	  - Magic (4): "HPT1"
//	  - Version (2): 1
//	  - Kind (1): 0 = pyramid tile, 1 = source image
//	  - Order (1)
//	  - Index (8)
//	  - Slice (4)
//	  - Width (4), Height (4)
//	  - Bitpix (2, signed)
//	  - Reserved (2)
//	  - BZero (8), BScale (8), Blank (8) as float64 bits
//	  - Checksum (4): CRC32 of the uncompressed body
//	  - Reserved (4)
//	Body (zstd):
//	  - Big-endian samples, byte-striped: for each sample byte position, all N values.
//	    Null integer samples hold Blank, null float samples hold NaN, null colour
//	    samples have alpha 0.
const (
	Magic      = "HPT1"
	Version    = 1
	HeaderSize = 64

	KindTile   = 0
	KindSource = 1
)

// Header is the fixed-size prefix of a tile file.
type Header struct {
	Kind     uint8
	Cell     healpix.Cell
	Width    int
	Height   int
	Enc      Encoding
	Checksum uint32
}

func encodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	buf[6] = h.Kind
	buf[7] = h.Cell.Order
	binary.LittleEndian.PutUint64(buf[8:16], h.Cell.Index)
	binary.LittleEndian.PutUint32(buf[16:20], h.Cell.Slice)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Width))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Height))
	binary.LittleEndian.PutUint16(buf[28:30], uint16(int16(h.Enc.Bitpix)))
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(h.Enc.BZero))
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(h.Enc.BScale))
	binary.LittleEndian.PutUint64(buf[48:56], math.Float64bits(h.Enc.Blank))
	binary.LittleEndian.PutUint32(buf[56:60], h.Checksum)
	return buf
}

// DecodeHeader parses the header at the start of buf.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, errors.New("header too short")
	}
	if string(buf[0:4]) != Magic {
		return nil, fmt.Errorf("invalid magic: %q", buf[0:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != Version {
		return nil, fmt.Errorf("unsupported version: %d", v)
	}
	h := &Header{
		Kind: buf[6],
		Cell: healpix.Cell{
			Order: buf[7],
			Index: binary.LittleEndian.Uint64(buf[8:16]),
			Slice: binary.LittleEndian.Uint32(buf[16:20]),
		},
		Width:  int(binary.LittleEndian.Uint32(buf[20:24])),
		Height: int(binary.LittleEndian.Uint32(buf[24:28])),
		Enc: Encoding{
			Bitpix: int(int16(binary.LittleEndian.Uint16(buf[28:30]))),
			BZero:  math.Float64frombits(binary.LittleEndian.Uint64(buf[32:40])),
			BScale: math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48])),
			Blank:  math.Float64frombits(binary.LittleEndian.Uint64(buf[48:56])),
		},
		Checksum: binary.LittleEndian.Uint32(buf[56:60]),
	}
	if err := h.Enc.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// putSample writes one raw value as big-endian bytes into dst.
func putSample(dst []byte, enc Encoding, raw float64) {
	switch enc.Bitpix {
	case Bitpix8:
		if math.IsNaN(raw) {
			raw = enc.Blank
		}
		dst[0] = uint8(raw)
	case Bitpix16:
		if math.IsNaN(raw) {
			raw = enc.Blank
		}
		binary.BigEndian.PutUint16(dst, uint16(int16(raw)))
	case Bitpix32:
		if math.IsNaN(raw) {
			raw = enc.Blank
		}
		binary.BigEndian.PutUint32(dst, uint32(int32(raw)))
	case Bitpix64:
		if math.IsNaN(raw) {
			raw = enc.Blank
		}
		binary.BigEndian.PutUint64(dst, uint64(int64(raw)))
	case BitpixF32:
		binary.BigEndian.PutUint32(dst, math.Float32bits(float32(raw)))
	case BitpixF64:
		binary.BigEndian.PutUint64(dst, math.Float64bits(raw))
	}
}

// sample reads one raw value from big-endian bytes; blanks become NaN.
func sample(src []byte, enc Encoding) float64 {
	var v float64
	switch enc.Bitpix {
	case Bitpix8:
		v = float64(src[0])
	case Bitpix16:
		v = float64(int16(binary.BigEndian.Uint16(src)))
	case Bitpix32:
		v = float64(int32(binary.BigEndian.Uint32(src)))
	case Bitpix64:
		v = float64(int64(binary.BigEndian.Uint64(src)))
	case BitpixF32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(src)))
	case BitpixF64:
		return math.Float64frombits(binary.BigEndian.Uint64(src))
	}
	if v == enc.Blank {
		return math.NaN()
	}
	return v
}

// EncodeRaster serializes a raster into a complete file image.
func EncodeRaster(kind uint8, cell healpix.Cell, r *Raster, encoder *zstd.Encoder) []byte {
	n := r.Width * r.Height
	size := r.Enc.BytesPerPixel()
	body := make([]byte, n*size)
	var tmp [8]byte
	for i := 0; i < n; i++ {
		if r.Enc.IsColor() {
			binary.BigEndian.PutUint32(tmp[:4], r.RGB[i])
		} else {
			putSample(tmp[:size], r.Enc, r.Pix[i])
		}
		// Stripe by byte position so equal high bytes compress together.
		for b := 0; b < size; b++ {
			body[b*n+i] = tmp[b]
		}
	}

	header := Header{
		Kind:     kind,
		Cell:     cell,
		Width:    r.Width,
		Height:   r.Height,
		Enc:      r.Enc,
		Checksum: crc32.ChecksumIEEE(body),
	}
	out := encodeHeader(&header)
	return encoder.EncodeAll(body, out)
}

// DecodeRaster parses a complete file image.
func DecodeRaster(data []byte, decoder *zstd.Decoder) (*Raster, *Header, error) {
	header, err := DecodeHeader(data)
	if err != nil {
		return nil, nil, err
	}
	body, err := decoder.DecodeAll(data[HeaderSize:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress: %w", err)
	}
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, nil, errors.New("checksum mismatch")
	}

	n := header.Width * header.Height
	size := header.Enc.BytesPerPixel()
	if len(body) != n*size {
		return nil, nil, fmt.Errorf("body is %d bytes, want %d", len(body), n*size)
	}

	r := &Raster{Width: header.Width, Height: header.Height, Enc: header.Enc}
	if header.Enc.IsColor() {
		r.RGB = make([]uint32, n)
	} else {
		r.Pix = make([]float64, n)
	}
	var tmp [8]byte
	for i := 0; i < n; i++ {
		for b := 0; b < size; b++ {
			tmp[b] = body[b*n+i]
		}
		if header.Enc.IsColor() {
			r.RGB[i] = binary.BigEndian.Uint32(tmp[:4])
		} else {
			r.Pix[i] = sample(tmp[:size], header.Enc)
		}
	}
	return r, header, nil
}

// ReadHeader reads just the header of a tile file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return DecodeHeader(buf)
}
