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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctessum/cdf"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// NoData is the sentinel value used to mark missing pixels in a RasterStack.
// It is chosen, as in CF-convention netCDF files, to be distinguishable from
// any physically plausible value of tasmax, tasmin, or precipitation.
const NoData = -9.96921e+36

// Affine is a 2D affine transform from pixel (col, row) indices to
// projected (x, y) coordinates, stored the way GDAL/rasterio geotransforms
// are: [originX, pixelWidth, rotationX, originY, rotationY, pixelHeight].
// This system never produces rotated output, so rotationX/rotationY are
// always zero and pixelHeight is always negative (north-up raster).
type Affine [6]float64

// OriginX is the x-coordinate of the upper-left corner of the upper-left pixel.
func (a Affine) OriginX() float64 { return a[0] }

// OriginY is the y-coordinate of the upper-left corner of the upper-left pixel.
func (a Affine) OriginY() float64 { return a[3] }

// PixelWidth is the pixel size in the x direction.
func (a Affine) PixelWidth() float64 { return a[1] }

// PixelHeight is the pixel size in the y direction (negative for north-up rasters).
func (a Affine) PixelHeight() float64 { return a[5] }

// Equal reports whether a and o describe the same grid to within an
// absolute tolerance of 1e-6 in each coordinate, the tolerance used
// throughout this package for "bit-exact" grid-fidelity checks against
// floating point affine transforms.
func (a Affine) Equal(o Affine) bool {
	const tol = 1e-6
	for i := range a {
		if diff := a[i] - o[i]; diff > tol || diff < -tol {
			return false
		}
	}
	return true
}

// Variable identifies a meteorological field carried by a RasterStack.
type Variable string

// Variables recognized by this pipeline. Pr and Rainfall refer to the same
// underlying quantity (precipitation) under CPM's and HADS's respective
// source-file naming conventions; see RunConfig.VariableAliases (filled
// from internal/climutil's variableAliases) for how the two are reconciled
// for cross-product joins.
const (
	Tasmax   Variable = "tasmax"
	Tasmin   Variable = "tasmin"
	Pr       Variable = "pr"
	Rainfall Variable = "rainfall"
)

// RasterStack is a three-dimensional (time, y, x) gridded raster time
// series with coordinate reference metadata, following the spatial
// representation the teacher's preprocessor builds around
// *sparse.DenseArray meteorology fields, extended here with the CRS/affine/
// time-axis/attribute bookkeeping a standalone raster format needs.
type RasterStack struct {
	Variable Variable
	CRS      *proj.SR
	// CRSDef is the proj4 or WKT definition string CRS was parsed from. It
	// is round-tripped through the "crs_wkt" attribute on write, since
	// *proj.SR itself has no serializer.
	CRSDef string
	Affine Affine
	Rows   int
	Cols   int

	// Time is the strictly monotonic non-decreasing time coordinate, one
	// entry per band. Its Calendar field records which calendar the dates
	// were generated under.
	Time Calendar

	// Data holds one (Rows x Cols) band per time step, in Time order.
	// Each band is backed by sparse.DenseArray the way the teacher's
	// preprocessor keeps every meteorology field as a DenseArray.
	Data []*sparse.DenseArray

	// NoData is the per-stack sentinel; pixels holding this value are
	// treated as missing by every component in this package.
	NoData float64

	// Attrs carries through source-file attributes (units, standard_name,
	// etc.) that are not otherwise represented by the fields above.
	Attrs map[string]string
}

// Shape returns (rows, cols) for every band in the stack.
func (r *RasterStack) Shape() (rows, cols int) { return r.Rows, r.Cols }

// NumBands returns the number of time steps in the stack.
func (r *RasterStack) NumBands() int { return len(r.Data) }

// At returns the value at band t, row y, column x.
func (r *RasterStack) At(t, y, x int) float64 {
	return r.Data[t].Get(y, x)
}

// IsNoData reports whether v should be treated as missing in this stack.
func (r *RasterStack) IsNoData(v float64) bool {
	return v == r.NoData || (r.NoData != r.NoData && v != v)
}

// variableFromFilename infers the data variable from the filename stem up
// to the first underscore, as required by spec.md §4.A and §4.H (e.g.
// "tasmax_rcp85_land-cpm_uk_2.2km_05_day_19811201-19821130.nc" -> "tasmax").
func variableFromFilename(path string) (Variable, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.Index(base, "_")
	if idx <= 0 {
		return "", &FormatError{Path: path, Reason: "filename has no '<variable>_' prefix"}
	}
	return Variable(base[:idx]), nil
}

// OpenOptions controls how Open reads a source file.
type OpenOptions struct {
	// CRS is used when the source file lacks a recognizable CRS. If the
	// file also lacks a CRS and CRS is nil, Open returns a FormatError.
	CRS *proj.SR
}

// openWithRetry opens path, retrying with a short exponential backoff on
// failure. Input trees for this pipeline are typically mounted network
// storage, where an open can fail transiently under contention; a
// missing file fails every attempt and is reported the same as before,
// just after a few seconds rather than immediately.
func openWithRetry(path string) (*os.File, error) {
	var f *os.File
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	err := backoff.Retry(func() error {
		var err error
		f, err = os.Open(path)
		return err
	}, policy)
	return f, err
}

// Open reads a netCDF raster stack. It parses the header and coordinate
// variables, then reads every band into memory one time-record slab at a
// time, following the teacher's nextDataNCF/readNCF pattern. Reading is
// not lazy: the whole stack is loaded before Open returns.
func Open(path string, opt OpenOptions) (*RasterStack, error) {
	v, err := variableFromFilename(path)
	if err != nil {
		return nil, err
	}

	f, err := openWithRetry(path)
	if err != nil {
		return nil, &InputNotFoundError{Path: path}
	}
	defer f.Close()

	ff, err := cdf.Open(f)
	if err != nil {
		return nil, &FormatError{Path: path, Reason: err.Error()}
	}

	varName := string(v)
	dims := ff.Header.Lengths(varName)
	if len(dims) != 3 {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("variable %q has %d dimensions, want 3 (time, y, x)", varName, len(dims))}
	}
	nTime, rows, cols := dims[0], dims[1], dims[2]

	wkt, _ := ff.Header.GetAttribute("", "crs_wkt").(string)
	crs := opt.CRS
	crsDef := wkt
	if crs == nil {
		if wkt == "" {
			return nil, &FormatError{Path: path, Reason: "no recognizable CRS and none supplied by the caller"}
		}
		crs, err = proj.Parse(wkt)
		if err != nil {
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("parsing CRS: %v", err)}
		}
	}

	aff, err := readAffine(ff, rows, cols)
	if err != nil {
		return nil, &FormatError{Path: path, Reason: err.Error()}
	}

	cal, err := readTimeCoordinate(ff, path, nTime)
	if err != nil {
		return nil, err
	}

	noData := NoData
	if nd, ok := ff.Header.GetAttribute(varName, "_FillValue").(float64); ok {
		noData = nd
	}

	attrs := map[string]string{}
	for _, key := range []string{"units", "standard_name", "long_name"} {
		if s, ok := ff.Header.GetAttribute(varName, key).(string); ok {
			attrs[key] = s
		}
	}

	bands := make([]*sparse.DenseArray, nTime)
	for t := 0; t < nTime; t++ {
		b, err := readBand(ff, varName, t, rows, cols)
		if err != nil {
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("reading band %d: %v", t, err)}
		}
		bands[t] = b
	}

	return &RasterStack{
		Variable: v,
		CRS:      crs,
		CRSDef:   crsDef,
		Affine:   aff,
		Rows:     rows,
		Cols:     cols,
		Time:     cal,
		Data:     bands,
		NoData:   noData,
		Attrs:    attrs,
	}, nil
}

// readAffine reads the one-dimensional x/y coordinate variables of a
// CF-convention netCDF file and derives an Affine from their spacing,
// following the same "read coordinate arrays, don't assume a fixed grid"
// approach as the teacher's grid-definition code in vargrid.go.
func readAffine(ff *cdf.File, rows, cols int) (Affine, error) {
	x, err := readFloat64Var(ff, "x", cols)
	if err != nil {
		return Affine{}, err
	}
	y, err := readFloat64Var(ff, "y", rows)
	if err != nil {
		return Affine{}, err
	}
	if len(x) < 2 || len(y) < 2 {
		return Affine{}, fmt.Errorf("coordinate variables too short to derive pixel size")
	}
	dx := x[1] - x[0]
	dy := y[1] - y[0]
	originX := x[0] - dx/2
	originY := y[0] - dy/2
	return Affine{originX, dx, 0, originY, 0, dy}, nil
}

func readFloat64Var(ff *cdf.File, name string, n int) ([]float64, error) {
	dims := ff.Header.Lengths(name)
	if len(dims) == 0 {
		return nil, fmt.Errorf("missing coordinate variable %q", name)
	}
	r := ff.Reader(name, []int{0}, []int{n})
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("reading coordinate variable %q: %v", name, err)
	}
	out := make([]float64, n)
	switch vals := buf.(type) {
	case []float64:
		copy(out, vals)
	case []float32:
		for i, v := range vals {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("unsupported coordinate variable type for %q", name)
	}
	return out, nil
}

// readTimeCoordinate reads the "time" variable and its "units"/"calendar"
// attributes and returns the decoded Calendar.
func readTimeCoordinate(ff *cdf.File, path string, nTime int) (Calendar, error) {
	raw, err := readFloat64Var(ff, "time", nTime)
	if err != nil {
		return Calendar{}, &FormatError{Path: path, Reason: err.Error()}
	}
	units, _ := ff.Header.GetAttribute("time", "units").(string)
	calAttr, _ := ff.Header.GetAttribute("time", "calendar").(string)
	return decodeTimeCoordinate(raw, units, calAttr)
}

func readBand(ff *cdf.File, varName string, t, rows, cols int) (*sparse.DenseArray, error) {
	start := []int{t, 0, 0}
	end := []int{t + 1, rows, cols}
	r := ff.Reader(varName, start, end)
	n := rows * cols
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	data := sparse.ZerosDense(rows, cols)
	switch vals := buf.(type) {
	case []float32:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	case []float64:
		copy(data.Elements, vals)
	default:
		return nil, fmt.Errorf("unsupported band element type")
	}
	return data, nil
}

// Format selects the on-disk raster format used by Write.
type Format int

const (
	// FormatNetCDF writes a CF-convention netCDF file, preserving the
	// input variable name and attributes (spec.md §6).
	FormatNetCDF Format = iota
	// FormatGeoTIFF writes a single-variable, multi-band GeoTIFF.
	FormatGeoTIFF
)

// Write persists stack to path atomically: the data is written to a
// temporary file in the destination directory and renamed into place only
// on success, so a crash or a killed worker never leaves a half-written
// output (spec.md §4.A, §4.F). Parent directories are created as needed.
// Write never overwrites an existing file.
func Write(stack *RasterStack, path string, format Format) error {
	if _, err := os.Stat(path); err == nil {
		return &WriteError{Path: path, Err: fmt.Errorf("refusing to overwrite existing output")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	// Discard the temp file on any failure path; a successful write
	// renames it away before this runs, so the Remove below then no-ops.
	defer os.Remove(tmpPath)

	var writeErr error
	switch format {
	case FormatNetCDF:
		writeErr = writeNetCDF(stack, tmp)
	case FormatGeoTIFF:
		writeErr = writeGeoTIFF(stack, tmp)
	default:
		writeErr = fmt.Errorf("unsupported output format %d", format)
	}
	closeErr := tmp.Close()
	if writeErr != nil {
		return &WriteError{Path: path, Err: writeErr}
	}
	if closeErr != nil {
		return &WriteError{Path: path, Err: closeErr}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// writeNetCDF writes stack as a CF-convention netCDF file, following the
// teacher's cdf.NewHeader/AddVariable/AddAttribute/cdf.Create/
// cdf.UpdateNumRecs sequence from wrf2aim.go.
func writeNetCDF(stack *RasterStack, f *os.File) error {
	h := cdf.NewHeader(
		[]string{"time", "y", "x"},
		[]int{stack.NumBands(), stack.Rows, stack.Cols})
	h.AddAttribute("", "Conventions", "CF-1.6")
	h.AddAttribute("", "crs_wkt", stack.CRSDef)

	varName := string(stack.Variable)
	h.AddVariable(varName, []string{"time", "y", "x"}, []float32{0})
	h.AddAttribute(varName, "_FillValue", float32(stack.NoData))
	for k, v := range stack.Attrs {
		h.AddAttribute(varName, k, v)
	}

	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", timeUnitsString)
	h.AddAttribute("time", "calendar", stack.Time.Kind.cfName())

	h.AddVariable("x", []string{"x"}, []float64{0})
	h.AddVariable("y", []string{"y"}, []float64{0})

	h.Define()
	cf, err := cdf.Create(f, h)
	if err != nil {
		return err
	}

	xs, ys := gridCoordinates(stack.Affine, stack.Rows, stack.Cols)
	if err := writeVarFloat64(cf, "x", xs); err != nil {
		return err
	}
	if err := writeVarFloat64(cf, "y", ys); err != nil {
		return err
	}
	if err := writeVarFloat64(cf, "time", encodeTimeCoordinate(stack.Time)); err != nil {
		return err
	}

	for t, band := range stack.Data {
		w := cf.Writer(varName, []int{t, 0, 0}, []int{t + 1, stack.Rows, stack.Cols})
		buf := make([]float32, len(band.Elements))
		for i, v := range band.Elements {
			buf[i] = float32(v)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return cdf.UpdateNumRecs(f)
}

func writeVarFloat64(f *cdf.File, name string, data []float64) error {
	w := f.Writer(name, nil, nil)
	_, err := w.Write(data)
	return err
}

// gridCoordinates returns the cell-center x/y coordinate arrays implied by
// an Affine, the inverse of the spacing derivation in readAffine.
func gridCoordinates(a Affine, rows, cols int) (xs, ys []float64) {
	xs = make([]float64, cols)
	for i := range xs {
		xs[i] = a.OriginX() + a.PixelWidth()*(float64(i)+0.5)
	}
	ys = make([]float64, rows)
	for i := range ys {
		ys[i] = a.OriginY() + a.PixelHeight()*(float64(i)+0.5)
	}
	return xs, ys
}

// writeGeoTIFF writes a single-variable, multi-band GeoTIFF. It is a
// secondary output format (spec.md §6 "optionally GeoTIFF where a single
// variable with time bands suffices"); encoding is a minimal, uncompressed
// striped TIFF writer rather than a full GDAL-equivalent codec, since no
// dependency in the example corpus provides a pure-Go GeoTIFF encoder.
func writeGeoTIFF(stack *RasterStack, f *os.File) error {
	enc := newGeoTIFFEncoder(f, stack.Rows, stack.Cols, stack.NumBands())
	for _, band := range stack.Data {
		if err := enc.WriteBand(band.Elements); err != nil {
			return err
		}
	}
	return enc.Close(stack.Affine, stack.NoData)
}

// timeUnitsString is the CF units string used for the "time" coordinate
// variable; days are counted from a fixed epoch so that both civil and
// 360-day stacks share one encoding.
const timeUnitsString = "days since 1970-01-01 00:00:00"

// encodeTimeCoordinate converts a Calendar into CF "days since" values.
func encodeTimeCoordinate(c Calendar) []float64 {
	out := make([]float64, len(c.Dates))
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, d := range c.Dates {
		out[i] = d.Sub(epoch).Hours() / 24
	}
	return out
}

// decodeTimeCoordinate converts raw CF "time" values back into a Calendar.
// calendarAttr is the netCDF "calendar" attribute; "360_day" selects the
// 360-day model calendar, anything else (including absent) is civil.
func decodeTimeCoordinate(raw []float64, units, calendarAttr string) (Calendar, error) {
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	if units != "" && units != timeUnitsString {
		var err error
		epoch, err = parseCFEpoch(units)
		if err != nil {
			return Calendar{}, err
		}
	}
	kind := CivilCalendar
	if calendarAttr == "360_day" {
		kind = ThreeSixtyDayCalendar
	}
	dates := make([]time.Time, len(raw))
	for i, d := range raw {
		dates[i] = epoch.Add(time.Duration(d*24) * time.Hour)
	}
	return Calendar{Kind: kind, Dates: dates}, nil
}

// parseCFEpoch parses the minimal subset of CF "<unit> since <date>"
// strings this pipeline emits and expects to read back.
func parseCFEpoch(units string) (time.Time, error) {
	const prefix = "days since "
	if !strings.HasPrefix(units, prefix) {
		return time.Time{}, fmt.Errorf("unsupported time units %q", units)
	}
	datePart := strings.TrimPrefix(units, prefix)
	layouts := []string{"2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, datePart); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time units %q", units)
}
