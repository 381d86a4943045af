package tile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	zarr "github.com/TuSKan/zarr-pyramid"
)

// golang.org/x/image/tiff stops at 16 bits per sample, so 32 and 64 bit
// grayscale images (uint, int and IEEE float) go through the reader below.
// It handles single-sample, strip-organized images stored uncompressed or
// deflated.

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagSampleFormat    = 339

	compressionNone        = 1
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFloat  = 3
	tiffShort              = 3
	tiffLong               = 4
	photometricBlackIsZero = 1
)

type ifd struct {
	order binary.ByteOrder
	tags  map[uint16][]uint
}

func (d *ifd) first(tag uint16, def uint) uint {
	if v := d.tags[tag]; len(v) > 0 {
		return v[0]
	}
	return def
}

// readIFD parses the first image directory. Only SHORT and LONG valued
// tags are kept; the rest are not needed to locate grayscale samples.
func readIFD(data []byte) (*ifd, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("tiff: header too short")
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("tiff: bad byte order marker")
	}
	if order.Uint16(data[2:]) != 42 {
		return nil, fmt.Errorf("tiff: not a classic TIFF")
	}
	off := int(order.Uint32(data[4:]))
	if off+2 > len(data) {
		return nil, fmt.Errorf("tiff: directory offset %d out of range", off)
	}
	n := int(order.Uint16(data[off:]))
	if off+2+12*n > len(data) {
		return nil, fmt.Errorf("tiff: truncated directory")
	}
	d := &ifd{order: order, tags: make(map[uint16][]uint, n)}
	for i := 0; i < n; i++ {
		e := data[off+2+12*i:]
		tag, typ, count := order.Uint16(e), order.Uint16(e[2:]), int(order.Uint32(e[4:]))
		var size int
		switch typ {
		case tiffShort:
			size = 2
		case tiffLong:
			size = 4
		default:
			continue
		}
		raw := e[8:12]
		if size*count > 4 {
			at := int(order.Uint32(e[8:]))
			if at < 0 || at+size*count > len(data) {
				return nil, fmt.Errorf("tiff: tag %d values out of range", tag)
			}
			raw = data[at : at+size*count]
		}
		vals := make([]uint, count)
		for j := range vals {
			if size == 2 {
				vals[j] = uint(order.Uint16(raw[2*j:]))
			} else {
				vals[j] = uint(order.Uint32(raw[4*j:]))
			}
		}
		d.tags[tag] = vals
	}
	return d, nil
}

// wideDType reports the sample type of a 32 or 64 bit grayscale directory,
// or false when the image belongs to the narrow decoder.
func (d *ifd) wideDType() (zarr.DType, bool, error) {
	bits := d.first(tagBitsPerSample, 1)
	if bits != 32 && bits != 64 {
		return zarr.DType{}, false, nil
	}
	size := int(bits / 8)
	switch d.first(tagSampleFormat, sampleFormatUint) {
	case sampleFormatUint:
		return zarr.DType{Kind: zarr.KindUint, Size: size}, true, nil
	case sampleFormatInt:
		return zarr.DType{Kind: zarr.KindInt, Size: size}, true, nil
	case sampleFormatIEEEFloat:
		return zarr.DType{Kind: zarr.KindFloat, Size: size}, true, nil
	default:
		return zarr.DType{}, true, fmt.Errorf("tiff: unsupported sample format %d", d.first(tagSampleFormat, 0))
	}
}

func decodeWide(data []byte, d *ifd, dt zarr.DType) (*Tile, error) {
	w, h := int(d.first(tagImageWidth, 0)), int(d.first(tagImageLength, 0))
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("tiff: empty image %dx%d", w, h)
	}
	if spp := d.first(tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("tiff: %d samples per pixel, only grayscale tiles are supported", spp)
	}
	if _, tiled := d.tags[tagTileWidth]; tiled {
		return nil, fmt.Errorf("tiff: tiled %d-bit images are not supported", 8*dt.Size)
	}
	if p := d.first(tagPredictor, 1); p != 1 {
		return nil, fmt.Errorf("tiff: predictor %d is not supported", p)
	}
	comp := d.first(tagCompression, compressionNone)
	offsets, counts := d.tags[tagStripOffsets], d.tags[tagStripByteCounts]
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, fmt.Errorf("tiff: missing or inconsistent strip tags")
	}

	want := w * h * dt.Size
	raw := make([]byte, 0, want)
	for i, off := range offsets {
		end := int(off) + int(counts[i])
		if int(off) > len(data) || end > len(data) {
			return nil, fmt.Errorf("tiff: strip %d out of range", i)
		}
		strip := data[off:end]
		switch comp {
		case compressionNone:
			raw = append(raw, strip...)
		case compressionDeflate, compressionDeflateOld:
			r, err := zlib.NewReader(bytes.NewReader(strip))
			if err != nil {
				return nil, fmt.Errorf("tiff: strip %d: %w", i, err)
			}
			b, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				return nil, fmt.Errorf("tiff: strip %d: %w", i, err)
			}
			raw = append(raw, b...)
		default:
			return nil, fmt.Errorf("tiff: compression %d is not supported for %d-bit images", comp, 8*dt.Size)
		}
	}
	if len(raw) < want {
		return nil, fmt.Errorf("tiff: image data has %d bytes, expected %d", len(raw), want)
	}
	raw = raw[:want]

	if d.order == binary.BigEndian {
		for i := 0; i < want; i += dt.Size {
			s := raw[i : i+dt.Size]
			for a, b := 0, dt.Size-1; a < b; a, b = a+1, b-1 {
				s[a], s[b] = s[b], s[a]
			}
		}
	}
	return &Tile{Width: w, Height: h, DType: dt, Data: raw}, nil
}

// encodeWide writes a little-endian, single-strip, uncompressed TIFF.
func encodeWide(t *Tile) []byte {
	format := uint32(sampleFormatUint)
	switch t.DType.Kind {
	case zarr.KindInt:
		format = sampleFormatInt
	case zarr.KindFloat:
		format = sampleFormatIEEEFloat
	}
	type entry struct {
		tag, typ uint16
		val      uint32
	}
	const dataOffset = 8
	entries := []entry{
		{tagImageWidth, tiffLong, uint32(t.Width)},
		{tagImageLength, tiffLong, uint32(t.Height)},
		{tagBitsPerSample, tiffShort, uint32(8 * t.DType.Size)},
		{tagCompression, tiffShort, compressionNone},
		{tagPhotometric, tiffShort, photometricBlackIsZero},
		{tagStripOffsets, tiffLong, dataOffset},
		{tagSamplesPerPixel, tiffShort, 1},
		{tagRowsPerStrip, tiffLong, uint32(t.Height)},
		{tagStripByteCounts, tiffLong, uint32(len(t.Data))},
		{tagPlanarConfig, tiffShort, 1},
		{tagSampleFormat, tiffShort, format},
	}
	le := binary.LittleEndian
	buf := make([]byte, 0, dataOffset+len(t.Data)+2+12*len(entries)+4+1)
	buf = append(buf, 'I', 'I')
	buf = le.AppendUint16(buf, 42)
	ifdAt := dataOffset + len(t.Data)
	ifdAt += ifdAt % 2
	buf = le.AppendUint32(buf, uint32(ifdAt))
	buf = append(buf, t.Data...)
	for len(buf) < ifdAt {
		buf = append(buf, 0)
	}
	buf = le.AppendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = le.AppendUint16(buf, e.tag)
		buf = le.AppendUint16(buf, e.typ)
		buf = le.AppendUint32(buf, 1)
		if e.typ == tiffShort {
			buf = le.AppendUint16(buf, uint16(e.val))
			buf = le.AppendUint16(buf, 0)
		} else {
			buf = le.AppendUint32(buf, e.val)
		}
	}
	return le.AppendUint32(buf, 0)
}
