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

	"github.com/ctessum/sparse"
)

// ResampleKernel selects the pixel-value resampling strategy Reproject
// uses when the source and reference grids are not pixel-aligned.
type ResampleKernel int

const (
	// NearestNeighbor assigns each reference pixel the value of the
	// source pixel whose center is closest.
	NearestNeighbor ResampleKernel = iota
	// Bilinear assigns each reference pixel a distance-weighted average
	// of the four source pixels surrounding its center.
	Bilinear
)

// Reproject resamples stack onto ref using kernel, following the same
// "build a coordinate transform once, then apply it per pixel" approach
// the teacher's ReadEmissionShapefiles uses for reprojecting emissions
// geometries (io.go), generalized here from vector features to a dense
// raster grid. This one function implements both CPM's rotated-pole → BNG
// reprojection and HADS's 1 km → 2.2 km regridding described in spec.md
// §4.C, since both reduce to resampling onto the reference grid.
//
// The returned stack's grid always matches ref exactly; Reproject checks
// this itself before returning and reports a *GridMismatchError (a
// configuration bug, never a bad-input condition) if it does not.
func Reproject(stack *RasterStack, ref ReferenceGrid, kernel ResampleKernel) (*RasterStack, error) {
	transform, err := stack.CRS.NewTransform(ref.CRS)
	if err != nil {
		return nil, fmt.Errorf("building reprojection transform: %w", err)
	}

	// coords holds, for every reference pixel, the fractional source pixel
	// coordinate its center maps back to. Precomputing these once avoids
	// re-running the (possibly expensive) proj transform per band.
	type srcCoord struct{ col, row float64 }
	coords := make([][]srcCoord, ref.Rows)
	for row := 0; row < ref.Rows; row++ {
		coords[row] = make([]srcCoord, ref.Cols)
		refY := ref.Affine.OriginY() + ref.Affine.PixelHeight()*(float64(row)+0.5)
		for col := 0; col < ref.Cols; col++ {
			refX := ref.Affine.OriginX() + ref.Affine.PixelWidth()*(float64(col)+0.5)
			// ref and stack may share a CRS (HADS regridding within BNG);
			// NewTransform on identical SRs is still a well-defined
			// (identity-ish) transform, so no special case is needed here.
			x, y, err := transform(refX, refY)
			if err != nil {
				return nil, fmt.Errorf("reprojecting pixel (%d,%d): %w", row, col, err)
			}
			srcColF := (x - stack.Affine.OriginX()) / stack.Affine.PixelWidth()
			srcRowF := (y - stack.Affine.OriginY()) / stack.Affine.PixelHeight()
			coords[row][col] = srcCoord{col: srcColF - 0.5, row: srcRowF - 0.5}
		}
	}

	bands := make([]*sparse.DenseArray, len(stack.Data))
	for t, src := range stack.Data {
		out := sparse.ZerosDense(ref.Rows, ref.Cols)
		for row := 0; row < ref.Rows; row++ {
			for col := 0; col < ref.Cols; col++ {
				c := coords[row][col]
				var v float64
				switch kernel {
				case Bilinear:
					v = bilinearSample(src, stack.Rows, stack.Cols, c.row, c.col, stack.NoData)
				default:
					v = nearestSample(src, stack.Rows, stack.Cols, c.row, c.col, stack.NoData)
				}
				out.Set(v, row, col)
			}
		}
		bands[t] = out
	}

	result := &RasterStack{
		Variable: stack.Variable,
		CRS:      ref.CRS,
		CRSDef:   ref.CRSDef,
		Affine:   ref.Affine,
		Rows:     ref.Rows,
		Cols:     ref.Cols,
		Time:     stack.Time,
		Data:     bands,
		NoData:   stack.NoData,
		Attrs:    stack.Attrs,
	}
	if got := NewReferenceGrid(result); !got.Equal(ref) {
		return nil, &GridMismatchError{Reason: "reprojected output does not match the reference grid"}
	}
	return result, nil
}

// nearestSample rounds (row, col) to the closest in-bounds source pixel,
// an exact .5 tie going to the higher index (int(x+0.5)). Out-of-bounds
// coordinates return noData.
func nearestSample(src *sparse.DenseArray, rows, cols int, row, col, noData float64) float64 {
	r := int(row + 0.5)
	c := int(col + 0.5)
	if r < 0 || r >= rows || c < 0 || c >= cols {
		return noData
	}
	return src.Get(r, c)
}

// bilinearSample interpolates the source pixels surrounding (row, col),
// weighted by proximity. A NODATA corner is excluded from the blend and
// its weight redistributed among the remaining corners, rather than
// poisoning the whole pixel (spec.md §4.C, §8 invariant 4: the output is
// NODATA only when its support is *entirely* NODATA, not merely
// partially so). This matters in practice because every one of this
// pipeline's regions is coastal, where a NODATA (sea) pixel sits right
// next to valid land pixels in the bilinear support.
func bilinearSample(src *sparse.DenseArray, rows, cols int, row, col, noData float64) float64 {
	r0 := int(row)
	c0 := int(col)
	r1, c1 := r0+1, c0+1
	if row < 0 {
		r0, r1 = r0-1, r0
	}
	if col < 0 {
		c0, c1 = c0-1, c0
	}
	if r0 < 0 || c0 < 0 || r1 >= rows || c1 >= cols {
		return nearestSample(src, rows, cols, row, col, noData)
	}
	fr := row - float64(r0)
	fc := col - float64(c0)

	values := [4]float64{src.Get(r0, c0), src.Get(r0, c1), src.Get(r1, c0), src.Get(r1, c1)}
	weights := [4]float64{(1 - fr) * (1 - fc), (1 - fr) * fc, fr * (1 - fc), fr * fc}

	var sum, totalWeight float64
	for i, v := range values {
		if v == noData {
			continue
		}
		sum += v * weights[i]
		totalWeight += weights[i]
	}
	if totalWeight == 0 {
		return noData
	}
	return sum / totalWeight
}
