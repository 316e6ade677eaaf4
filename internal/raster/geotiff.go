package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Minimal GeoTIFF support: classic (non-Big) TIFF, uncompressed,
// single-sample IEEE float rasters with ModelPixelScale/ModelTiepoint
// georeferencing. This covers the broker's coverage-subset output and
// our own hourly score artifacts.

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
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113

	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12

	sampleFormatIEEEFloat = 3

	// Geographic model, pixel-is-area, EPSG:4326.
	geoKeyModelType  = 1024
	geoKeyRasterType = 1025
	geoKeyGeographic = 2048
)

// FallbackCellDeg is assumed when a raster carries no usable pixel
// scale.
const FallbackCellDeg = 0.025

type ifdEntry struct {
	tag     uint16
	typ     uint16
	count   uint32
	value   uint32 // inline value or offset
	inline  []byte // raw 4-byte value field
	byteOrd binary.ByteOrder
}

// DecodeFile reads a GeoTIFF from disk.
func DecodeFile(path string) (*Raster, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Decode parses a classic TIFF holding a single-sample float raster.
func Decode(b []byte) (*Raster, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("tiff: truncated header")
	}
	var ord binary.ByteOrder
	switch {
	case b[0] == 'I' && b[1] == 'I':
		ord = binary.LittleEndian
	case b[0] == 'M' && b[1] == 'M':
		ord = binary.BigEndian
	default:
		return nil, fmt.Errorf("tiff: bad byte-order mark %q", b[:2])
	}
	if ord.Uint16(b[2:4]) != 42 {
		return nil, fmt.Errorf("tiff: not a classic TIFF (magic %d)", ord.Uint16(b[2:4]))
	}
	ifdOff := ord.Uint32(b[4:8])
	entries, err := readIFD(b, ifdOff, ord)
	if err != nil {
		return nil, err
	}

	width := int(scalarValue(entries[tagImageWidth]))
	height := int(scalarValue(entries[tagImageLength]))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("tiff: bad dimensions %dx%d", width, height)
	}
	if e, ok := entries[tagCompression]; ok && scalarValue(e) != 1 {
		return nil, fmt.Errorf("tiff: unsupported compression %d", scalarValue(e))
	}
	if e, ok := entries[tagSamplesPerPixel]; ok && scalarValue(e) != 1 {
		return nil, fmt.Errorf("tiff: unsupported samples per pixel %d", scalarValue(e))
	}
	bits := uint32(32)
	if e, ok := entries[tagBitsPerSample]; ok {
		bits = scalarValue(e)
	}
	if bits != 32 && bits != 64 {
		return nil, fmt.Errorf("tiff: unsupported bits per sample %d", bits)
	}
	if e, ok := entries[tagSampleFormat]; ok && scalarValue(e) != sampleFormatIEEEFloat {
		return nil, fmt.Errorf("tiff: unsupported sample format %d", scalarValue(e))
	}

	offsets, err := arrayValues(b, entries[tagStripOffsets], ord)
	if err != nil {
		return nil, fmt.Errorf("tiff: strip offsets: %w", err)
	}
	counts, err := arrayValues(b, entries[tagStripByteCounts], ord)
	if err != nil {
		return nil, fmt.Errorf("tiff: strip byte counts: %w", err)
	}
	if len(offsets) != len(counts) || len(offsets) == 0 {
		return nil, fmt.Errorf("tiff: mismatched strip tables (%d offsets, %d counts)", len(offsets), len(counts))
	}

	spec, err := specFromGeoTags(b, entries, ord, width, height)
	if err != nil {
		return nil, err
	}

	data := make([]float32, 0, width*height)
	bytesPer := int(bits) / 8
	for i := range offsets {
		off, n := int(offsets[i]), int(counts[i])
		if off < 0 || off+n > len(b) {
			return nil, fmt.Errorf("tiff: strip %d out of bounds", i)
		}
		strip := b[off : off+n]
		for p := 0; p+bytesPer <= len(strip); p += bytesPer {
			if bits == 32 {
				data = append(data, math.Float32frombits(ord.Uint32(strip[p:p+4])))
			} else {
				data = append(data, float32(math.Float64frombits(ord.Uint64(strip[p:p+8]))))
			}
		}
	}
	if len(data) < width*height {
		return nil, fmt.Errorf("tiff: %d samples for %dx%d raster", len(data), width, height)
	}
	return &Raster{Spec: spec, Data: data[:width*height]}, nil
}

func readIFD(b []byte, off uint32, ord binary.ByteOrder) (map[uint16]ifdEntry, error) {
	if int(off)+2 > len(b) {
		return nil, fmt.Errorf("tiff: IFD offset out of bounds")
	}
	n := int(ord.Uint16(b[off : off+2]))
	base := int(off) + 2
	if base+n*12 > len(b) {
		return nil, fmt.Errorf("tiff: truncated IFD (%d entries)", n)
	}
	entries := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := b[base+i*12 : base+(i+1)*12]
		entries[ord.Uint16(e[0:2])] = ifdEntry{
			tag:     ord.Uint16(e[0:2]),
			typ:     ord.Uint16(e[2:4]),
			count:   ord.Uint32(e[4:8]),
			value:   ord.Uint32(e[8:12]),
			inline:  e[8:12],
			byteOrd: ord,
		}
	}
	return entries, nil
}

// scalarValue reads a single SHORT or LONG stored inline.
func scalarValue(e ifdEntry) uint32 {
	if e.typ == typeShort {
		return uint32(e.byteOrd.Uint16(e.inline[0:2]))
	}
	return e.value
}

// arrayValues reads a SHORT or LONG array that may be inline or
// stored at an offset.
func arrayValues(b []byte, e ifdEntry, ord binary.ByteOrder) ([]uint32, error) {
	if e.count == 0 {
		return nil, fmt.Errorf("empty array")
	}
	size := 4
	if e.typ == typeShort {
		size = 2
	}
	total := int(e.count) * size
	var raw []byte
	if total <= 4 {
		raw = e.inline[:total]
	} else {
		off := int(e.value)
		if off+total > len(b) {
			return nil, fmt.Errorf("array at %d out of bounds", off)
		}
		raw = b[off : off+total]
	}
	out := make([]uint32, e.count)
	for i := range out {
		if e.typ == typeShort {
			out[i] = uint32(ord.Uint16(raw[i*2 : i*2+2]))
		} else {
			out[i] = ord.Uint32(raw[i*4 : i*4+4])
		}
	}
	return out, nil
}

func doubleValues(b []byte, e ifdEntry, ord binary.ByteOrder) ([]float64, error) {
	total := int(e.count) * 8
	off := int(e.value)
	if off+total > len(b) {
		return nil, fmt.Errorf("double array at %d out of bounds", off)
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(ord.Uint64(b[off+i*8 : off+i*8+8]))
	}
	return out, nil
}

func specFromGeoTags(b []byte, entries map[uint16]ifdEntry, ord binary.ByteOrder, width, height int) (GridSpec, error) {
	dx, dy := FallbackCellDeg, FallbackCellDeg
	if e, ok := entries[tagModelPixelScale]; ok && e.count >= 2 {
		vals, err := doubleValues(b, e, ord)
		if err != nil {
			return GridSpec{}, fmt.Errorf("tiff: pixel scale: %w", err)
		}
		if vals[0] > 0 {
			dx = vals[0]
		}
		if vals[1] > 0 {
			dy = vals[1]
		}
	}
	west, north := 0.0, float64(height)*dy
	if e, ok := entries[tagModelTiepoint]; ok && e.count >= 6 {
		vals, err := doubleValues(b, e, ord)
		if err != nil {
			return GridSpec{}, fmt.Errorf("tiff: tiepoint: %w", err)
		}
		// Tiepoint maps raster (i, j) to model (x, y); anchor at the
		// north-west corner after backing out the pixel offset.
		west = vals[3] - vals[0]*dx
		north = vals[4] + vals[1]*dy
	}
	return GridSpec{
		West:          west,
		South:         north - float64(height)*dy,
		East:          west + float64(width)*dx,
		North:         north,
		ResolutionDeg: dx,
		NX:            width,
		NY:            height,
	}, nil
}

// EncodeFile writes the raster to path as a GeoTIFF.
func EncodeFile(path string, r *Raster) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Encode writes a little-endian classic GeoTIFF: single band, float32,
// uncompressed, one strip, NaN nodata, WGS84 via GeoKey directory.
func Encode(w io.Writer, r *Raster) error {
	if err := r.Spec.validate(); err != nil {
		return err
	}
	width, height := r.Spec.NX, r.Spec.NY
	if len(r.Data) != width*height {
		return fmt.Errorf("tiff: %d samples for %dx%d raster", len(r.Data), width, height)
	}
	ord := binary.LittleEndian

	dataOff := uint32(8)
	dataLen := uint32(width * height * 4)
	scaleOff := dataOff + dataLen
	tieOff := scaleOff + 3*8
	geoKeyOff := tieOff + 6*8
	geoKeys := []uint16{
		1, 1, 0, 3, // version, revision, minor, key count
		geoKeyModelType, 0, 1, 2, // geographic lat/lon
		geoKeyRasterType, 0, 1, 1, // pixel is area
		geoKeyGeographic, 0, 1, 4326,
	}
	ifdOff := geoKeyOff + uint32(len(geoKeys)*2)

	header := make([]byte, 8)
	header[0], header[1] = 'I', 'I'
	ord.PutUint16(header[2:4], 42)
	ord.PutUint32(header[4:8], ifdOff)
	if _, err := w.Write(header); err != nil {
		return err
	}

	buf := make([]byte, dataLen)
	for i, v := range r.Data {
		ord.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}

	scale := make([]byte, 3*8)
	ord.PutUint64(scale[0:8], math.Float64bits(r.Spec.ResolutionDeg))
	ord.PutUint64(scale[8:16], math.Float64bits(r.Spec.ResolutionDeg))
	ord.PutUint64(scale[16:24], math.Float64bits(0))
	if _, err := w.Write(scale); err != nil {
		return err
	}

	tie := make([]byte, 6*8)
	// Raster origin (0,0) anchors at the model north-west corner.
	ord.PutUint64(tie[24:32], math.Float64bits(r.Spec.West))
	ord.PutUint64(tie[32:40], math.Float64bits(r.Spec.North))
	if _, err := w.Write(tie); err != nil {
		return err
	}

	keys := make([]byte, len(geoKeys)*2)
	for i, k := range geoKeys {
		ord.PutUint16(keys[i*2:i*2+2], k)
	}
	if _, err := w.Write(keys); err != nil {
		return err
	}

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{tagImageWidth, typeLong, 1, uint32(width)},
		{tagImageLength, typeLong, 1, uint32(height)},
		{tagBitsPerSample, typeShort, 1, 32},
		{tagCompression, typeShort, 1, 1},
		{tagPhotometric, typeShort, 1, 1},
		{tagStripOffsets, typeLong, 1, dataOff},
		{tagSamplesPerPixel, typeShort, 1, 1},
		{tagRowsPerStrip, typeLong, 1, uint32(height)},
		{tagStripByteCounts, typeLong, 1, dataLen},
		{tagPlanarConfig, typeShort, 1, 1},
		{tagSampleFormat, typeShort, 1, sampleFormatIEEEFloat},
		{tagModelPixelScale, typeDouble, 3, scaleOff},
		{tagModelTiepoint, typeDouble, 6, tieOff},
		{tagGeoKeyDirectory, typeShort, uint32(len(geoKeys)), geoKeyOff},
		{tagGDALNoData, typeASCII, 4, 0}, // "nan\0" packed below
	}

	ifd := make([]byte, 2+len(entries)*12+4)
	ord.PutUint16(ifd[0:2], uint16(len(entries)))
	for i, e := range entries {
		p := 2 + i*12
		ord.PutUint16(ifd[p:p+2], e.tag)
		ord.PutUint16(ifd[p+2:p+4], e.typ)
		ord.PutUint32(ifd[p+4:p+8], e.count)
		if e.tag == tagGDALNoData {
			copy(ifd[p+8:p+12], "nan\x00")
		} else if e.typ == typeShort {
			ord.PutUint16(ifd[p+8:p+10], uint16(e.value))
		} else {
			ord.PutUint32(ifd[p+8:p+12], e.value)
		}
	}
	// Next-IFD pointer stays zero: single image.
	_, err := w.Write(ifd)
	return err
}
