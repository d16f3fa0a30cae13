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
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// Region is a named study area loaded from a polygon shapefile, following
// the same shp.NewDecoder/SR/Transform loading sequence the teacher uses
// for emissions shapefiles in ReadEmissionShapefiles (io.go), but read
// once at startup into an in-memory Bounds rather than per-feature into
// an rtree: this package crops rasters to a bounding rectangle, not a
// polygon mask (spec.md §4.D).
type Region struct {
	Name   string
	Bounds *geom.Bounds
}

// ReadRegions loads every named region from a shapefile whose
// attribute table has a column (nameField) giving the region name, one
// feature per region. Geometry is reprojected into gridCRS before its
// bounds are computed, so Crop can compare it directly against a stack's
// own (already reference-grid) affine coordinates.
func ReadRegions(shapefile, nameField string, gridCRS *proj.SR) (map[string]Region, error) {
	shapefile = strings.TrimSuffix(shapefile, ".shp")
	dec, err := shp.NewDecoder(shapefile + ".shp")
	if err != nil {
		return nil, &InputNotFoundError{Path: shapefile + ".shp"}
	}
	defer dec.Close()

	sr, err := dec.SR()
	if err != nil {
		return nil, &FormatError{Path: shapefile + ".shp", Reason: fmt.Sprintf("reading projection: %v", err)}
	}
	trans, err := sr.NewTransform(gridCRS)
	if err != nil {
		return nil, &FormatError{Path: shapefile + ".shp", Reason: fmt.Sprintf("building reprojection: %v", err)}
	}

	regions := map[string]Region{}
	for {
		g, fields, more := dec.DecodeRowFields(nameField)
		if !more {
			break
		}
		name := fields[nameField]
		tg, err := g.Transform(trans)
		if err != nil {
			return nil, &FormatError{Path: shapefile + ".shp", Reason: fmt.Sprintf("reprojecting region %q: %v", name, err)}
		}
		regions[name] = Region{Name: name, Bounds: tg.Bounds()}
	}
	if err := dec.Error(); err != nil {
		return nil, &FormatError{Path: shapefile + ".shp", Reason: err.Error()}
	}
	return regions, nil
}

// stackBounds returns the rectangular extent of stack in its own grid's
// coordinates.
func stackBounds(stack *RasterStack) *geom.Bounds {
	minX := stack.Affine.OriginX()
	minY := stack.Affine.OriginY() + stack.Affine.PixelHeight()*float64(stack.Rows)
	maxX := stack.Affine.OriginX() + stack.Affine.PixelWidth()*float64(stack.Cols)
	maxY := stack.Affine.OriginY()
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return &geom.Bounds{Min: geom.Point{X: minX, Y: minY}, Max: geom.Point{X: maxX, Y: maxY}}
}

// Crop crops stack to region's rectangular envelope, following spec.md
// §4.D's "crop to a rectangular envelope, not a polygon mask" rule. The
// output retains the stack's own pixel grid (origin re-anchored to the
// crop, same cell size), so the cropped output needs no further
// reprojection. It is a *RegionMismatchError for region not to intersect
// stack's extent at all.
func Crop(stack *RasterStack, region Region) (*RasterStack, error) {
	extent := stackBounds(stack)
	if !extent.Overlaps(region.Bounds) {
		return nil, &RegionMismatchError{Region: region.Name}
	}

	minCol, maxCol, minRow, maxRow := cropWindow(stack, region.Bounds)
	if minCol > maxCol || minRow > maxRow {
		return nil, &RegionMismatchError{Region: region.Name}
	}

	outRows := maxRow - minRow + 1
	outCols := maxCol - minCol + 1
	outAffine := Affine{
		stack.Affine.OriginX() + stack.Affine.PixelWidth()*float64(minCol),
		stack.Affine.PixelWidth(), 0,
		stack.Affine.OriginY() + stack.Affine.PixelHeight()*float64(minRow),
		0, stack.Affine.PixelHeight(),
	}

	bands := make([]*sparse.DenseArray, len(stack.Data))
	for t, src := range stack.Data {
		out := sparse.ZerosDense(outRows, outCols)
		for r := 0; r < outRows; r++ {
			for c := 0; c < outCols; c++ {
				out.Set(src.Get(minRow+r, minCol+c), r, c)
			}
		}
		bands[t] = out
	}

	return &RasterStack{
		Variable: stack.Variable,
		CRS:      stack.CRS,
		CRSDef:   stack.CRSDef,
		Affine:   outAffine,
		Rows:     outRows,
		Cols:     outCols,
		Time:     stack.Time,
		Data:     bands,
		NoData:   stack.NoData,
		Attrs:    stack.Attrs,
	}, nil
}

// cropWindow returns the inclusive pixel-index window of stack that
// covers bounds, clamped to the stack's own extent.
func cropWindow(stack *RasterStack, bounds *geom.Bounds) (minCol, maxCol, minRow, maxRow int) {
	colOf := func(x float64) int { return int((x - stack.Affine.OriginX()) / stack.Affine.PixelWidth()) }
	rowOf := func(y float64) int { return int((y - stack.Affine.OriginY()) / stack.Affine.PixelHeight()) }

	c0, c1 := colOf(bounds.Min.X), colOf(bounds.Max.X)
	if c0 > c1 {
		c0, c1 = c1, c0
	}
	r0, r1 := rowOf(bounds.Min.Y), rowOf(bounds.Max.Y)
	if r0 > r1 {
		r0, r1 = r1, r0
	}

	if c0 < 0 {
		c0 = 0
	}
	if r0 < 0 {
		r0 = 0
	}
	if c1 >= stack.Cols {
		c1 = stack.Cols - 1
	}
	if r1 >= stack.Rows {
		r1 = stack.Rows - 1
	}
	return c0, c1, r0, r1
}
