/*
Copyright © 2024 the clim-recal authors.
This file is part of clim-recal.

clim-recal is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

clim-recal is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with clim-recal.  If not, see <http://www.gnu.org/licenses/>.
*/

package climrecal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// geoTIFFEncoder builds a multi-page, 32-bit float, uncompressed GeoTIFF
// one band (one time step) at a time, matching writeGeoTIFF's
// WriteBand-then-Close usage in raster.go. Each page carries its own
// minimal set of GeoTIFF tags (pixel scale and tiepoint) so that every
// band is independently georeferenced, which is simpler than the
// tag-sharing schemes full-featured encoders use and sufficient for the
// single-variable stacks this pipeline writes.
//
// No dependency in the example corpus offers a pure-Go GeoTIFF writer, so
// this is a deliberate, narrow standard-library fallback: it covers only
// the uncompressed, unprojected-pixel-grid case this pipeline needs, not
// general TIFF/GeoTIFF production.
type geoTIFFEncoder struct {
	f                    io.Writer
	rows, cols, numBands int
	bands                [][]byte // little-endian float32 pixels, row-major
}

func newGeoTIFFEncoder(f io.Writer, rows, cols, numBands int) *geoTIFFEncoder {
	return &geoTIFFEncoder{f: f, rows: rows, cols: cols, numBands: numBands}
}

// WriteBand appends one band's pixels, in row-major (y, x) order, to the
// encoder's buffer.
func (e *geoTIFFEncoder) WriteBand(values []float64) error {
	if len(values) != e.rows*e.cols {
		return fmt.Errorf("geotiff: band has %d pixels, want %d", len(values), e.rows*e.cols)
	}
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	e.bands = append(e.bands, buf)
	return nil
}

// tiffTag is one 12-byte IFD entry: a tag id, a TIFF field type, a value
// count, and either the value itself (if it fits in 4 bytes) or an
// offset to it, filled in by buildIFD.
type tiffTag struct {
	id    uint16
	typ   uint16
	count uint32
	value []byte // raw bytes of the value, any length; inlined or offset as needed
}

const (
	tiffByte     = 1
	tiffASCII    = 2
	tiffShort    = 3
	tiffLong     = 4
	tiffRational = 5
	tiffDouble   = 12
)

// Close writes the complete TIFF (header, every band's pixel data, and
// one IFD per band, each chained to the next via its "next IFD" field)
// to f, georeferencing every page from affine and recording noData as
// the GDAL_NODATA private tag GDAL and QGIS both honor.
func (e *geoTIFFEncoder) Close(affine Affine, noData float64) error {
	return e.encode(e.f, affine, noData)
}

// encode performs the work of Close, writing the finished TIFF to f
// (Close passes the writer given to newGeoTIFFEncoder); a nil f skips
// the write.
func (e *geoTIFFEncoder) encode(f io.Writer, affine Affine, noData float64) error {
	var out bytes.Buffer

	// Header: little-endian, TIFF magic 42, first IFD offset patched below.
	out.Write([]byte{'I', 'I', 42, 0})
	firstIFDOffsetPos := out.Len()
	binary.Write(&out, binary.LittleEndian, uint32(0))

	pixelScale := []byte{}
	{
		var b bytes.Buffer
		for _, v := range []float64{math.Abs(affine.PixelWidth()), math.Abs(affine.PixelHeight()), 0} {
			binary.Write(&b, binary.LittleEndian, v)
		}
		pixelScale = b.Bytes()
	}
	tiepoint := []byte{}
	{
		var b bytes.Buffer
		for _, v := range []float64{0, 0, 0, affine.OriginX(), affine.OriginY(), 0} {
			binary.Write(&b, binary.LittleEndian, v)
		}
		tiepoint = b.Bytes()
	}
	noDataStr := strconv.FormatFloat(noData, 'g', -1, 64) + "\x00"

	stripOffsets := make([]int, e.numBands)
	for band := 0; band < e.numBands; band++ {
		stripOffsets[band] = out.Len()
		out.Write(e.bands[band])
	}

	for band := 0; band < e.numBands; band++ {
		stripOffset := stripOffsets[band]
		tags := []tiffTag{
			{256, tiffLong, 1, u32(uint32(e.cols))},            // ImageWidth
			{257, tiffLong, 1, u32(uint32(e.rows))},             // ImageLength
			{258, tiffShort, 1, u16(32)},                        // BitsPerSample
			{259, tiffShort, 1, u16(1)},                         // Compression: none
			{262, tiffShort, 1, u16(1)},                         // PhotometricInterpretation: BlackIsZero
			{273, tiffLong, 1, u32(uint32(stripOffset))},        // StripOffsets
			{277, tiffShort, 1, u16(1)},                         // SamplesPerPixel
			{278, tiffLong, 1, u32(uint32(e.rows))},             // RowsPerStrip
			{279, tiffLong, 1, u32(uint32(len(e.bands[band])))}, // StripByteCounts
			{339, tiffShort, 1, u16(3)},                         // SampleFormat: IEEE float
			{33550, tiffDouble, 3, pixelScale},                  // ModelPixelScaleTag
			{33922, tiffDouble, 6, tiepoint},                    // ModelTiepointTag
			{42113, tiffASCII, uint32(len(noDataStr)), []byte(noDataStr)}, // GDAL_NODATA
		}
		last := band == e.numBands-1
		if _, err := buildIFD(tags, &out, last); err != nil {
			return fmt.Errorf("geotiff: building page %d: %w", band, err)
		}
	}

	data := out.Bytes()
	firstIFDOffset := stripOffsets[len(stripOffsets)-1] + len(e.bands[len(e.bands)-1])
	binary.LittleEndian.PutUint32(data[firstIFDOffsetPos:], uint32(firstIFDOffset))

	if f != nil {
		_, err := f.Write(data)
		return err
	}
	return nil
}

// buildIFD appends one IFD (sorted entries, inline or offset-addressed
// values, and a next-IFD pointer) to out, returning the offset it was
// written at. Values that fit in 4 bytes are stored inline in the entry;
// longer values (pixel scale, tiepoint, NODATA string) are appended
// immediately after the IFD itself and referenced by offset, per the
// TIFF6 spec.
//
// The whole IFD, including every offset it contains, is assembled in a
// local buffer before anything is appended to out, so that none of its
// byte offsets can be invalidated by out growing (and reallocating) as
// later pages are written.
func buildIFD(tags []tiffTag, out *bytes.Buffer, last bool) (int, error) {
	ifdOffset := out.Len()
	ifdSize := 2 + 12*len(tags) + 4

	extraOffset := ifdOffset + ifdSize
	var extra []byte
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(len(tags)))

	for _, t := range tags {
		binary.Write(&buf, binary.LittleEndian, t.id)
		binary.Write(&buf, binary.LittleEndian, t.typ)
		binary.Write(&buf, binary.LittleEndian, t.count)
		if len(t.value) <= 4 {
			padded := make([]byte, 4)
			copy(padded, t.value)
			buf.Write(padded)
		} else {
			binary.Write(&buf, binary.LittleEndian, uint32(extraOffset+len(extra)))
			extra = append(extra, t.value...)
		}
	}

	var nextIFD uint32
	if !last {
		nextIFD = uint32(extraOffset + len(extra))
	}
	binary.Write(&buf, binary.LittleEndian, nextIFD)

	out.Write(buf.Bytes())
	out.Write(extra)
	return ifdOffset, nil
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
