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
	"math"

	"github.com/ctessum/geom/proj"
)

// ReferenceGrid is the single target grid every product is resampled onto,
// following the same "origin + cell size + nest count" description the
// teacher's VarGridConfig uses for its variable-resolution grid
// (vargrid.go), reduced here to a single fixed-resolution grid since this
// pipeline has no nesting.
type ReferenceGrid struct {
	CRS    *proj.SR
	CRSDef string
	Affine Affine
	Rows   int
	Cols   int
}

// Equal reports whether g and o describe the same grid: same projection
// definition string, affine transform (to the tolerance of Affine.Equal),
// and shape. Reprojection output is checked against this before being
// accepted, per spec.md §4.C.
func (g ReferenceGrid) Equal(o ReferenceGrid) bool {
	return g.CRSDef == o.CRSDef && g.Affine.Equal(o.Affine) && g.Rows == o.Rows && g.Cols == o.Cols
}

// NewReferenceGrid derives the ReferenceGrid from a sample CPM file's own
// grid, the convention spec.md §3 calls for: the reference grid is CPM's
// native 2.2 km rotated-pole grid reprojected onto British National Grid,
// computed once and reused for every task in a run. The caller supplies
// the already-reprojected sample (see Reproject) rather than this
// function performing the reprojection itself, so that construction stays
// a pure "read shape off a stack" operation.
func NewReferenceGrid(sample *RasterStack) ReferenceGrid {
	return ReferenceGrid{
		CRS:    sample.CRS,
		CRSDef: sample.CRSDef,
		Affine: sample.Affine,
		Rows:   sample.Rows,
		Cols:   sample.Cols,
	}
}

// ParseReferenceGrid builds a ReferenceGrid explicitly from a CRS
// definition (proj4 or WKT) and geometry, for the configuration surface
// described in spec.md §4.G ("reference grid ... may also be specified
// directly rather than derived from a sample file").
func ParseReferenceGrid(crsDef string, originX, originY, pixelWidth, pixelHeight float64, rows, cols int) (ReferenceGrid, error) {
	sr, err := proj.Parse(crsDef)
	if err != nil {
		return ReferenceGrid{}, fmt.Errorf("parsing reference grid CRS: %w", err)
	}
	return ReferenceGrid{
		CRS:    sr,
		CRSDef: crsDef,
		Affine: Affine{originX, pixelWidth, 0, originY, 0, pixelHeight},
		Rows:   rows,
		Cols:   cols,
	}, nil
}

// DeriveReferenceGrid computes the reference grid's extent by reprojecting
// sample's boundary pixels into targetCRS and fitting a pixelWidth x
// |pixelHeight| grid around their bounding box, aligned so the origin
// falls on a whole multiple of the pixel size. This is how the orchestrator
// establishes the reference grid the first time it projects a CPM file,
// per spec.md §3's "the reference grid is derived once from a sample CPM
// file".
//
// Sampling the boundary rather than just the four corners matters because
// CPM's rotated-pole grid does not map to straight lines in BNG: the true
// bounding box can bow out between corners.
func DeriveReferenceGrid(sample *RasterStack, targetCRS *proj.SR, crsDef string, pixelWidth, pixelHeight float64) (ReferenceGrid, error) {
	transform, err := sample.CRS.NewTransform(targetCRS)
	if err != nil {
		return ReferenceGrid{}, fmt.Errorf("building reference-grid transform: %w", err)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	extend := func(col, row int) error {
		x := sample.Affine.OriginX() + sample.Affine.PixelWidth()*(float64(col)+0.5)
		y := sample.Affine.OriginY() + sample.Affine.PixelHeight()*(float64(row)+0.5)
		tx, ty, err := transform(x, y)
		if err != nil {
			return err
		}
		minX, maxX = math.Min(minX, tx), math.Max(maxX, tx)
		minY, maxY = math.Min(minY, ty), math.Max(maxY, ty)
		return nil
	}
	for col := 0; col < sample.Cols; col++ {
		if err := extend(col, 0); err != nil {
			return ReferenceGrid{}, err
		}
		if err := extend(col, sample.Rows-1); err != nil {
			return ReferenceGrid{}, err
		}
	}
	for row := 0; row < sample.Rows; row++ {
		if err := extend(0, row); err != nil {
			return ReferenceGrid{}, err
		}
		if err := extend(sample.Cols-1, row); err != nil {
			return ReferenceGrid{}, err
		}
	}

	pw := math.Abs(pixelWidth)
	ph := math.Abs(pixelHeight)
	originX := math.Floor(minX/pw) * pw
	originY := math.Ceil(maxY/ph) * ph
	cols := int(math.Ceil((maxX - originX) / pw))
	rows := int(math.Ceil((originY - minY) / ph))

	return ReferenceGrid{
		CRS:    targetCRS,
		CRSDef: crsDef,
		Affine: Affine{originX, pw, 0, originY, 0, -ph},
		Rows:   rows,
		Cols:   cols,
	}, nil
}
