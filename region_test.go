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
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
)

// newTestStack builds a 10x10, 1000m-pixel stack with origin (0,10000),
// pixel values set to row*10+col so Crop's window selection can be
// checked against known pixel identities.
func newTestStack() *RasterStack {
	data := sparse.ZerosDense(10, 10)
	for r := 0; r < 10; r++ {
		for c := 0; c < 10; c++ {
			data.Set(float64(r*10+c), r, c)
		}
	}
	return &RasterStack{
		Affine: Affine{0, 1000, 0, 10000, 0, -1000},
		Rows:   10,
		Cols:   10,
		Time:   Calendar{Kind: CivilCalendar},
		Data:   []*sparse.DenseArray{data},
		NoData: NoData,
	}
}

func TestStackBoundsMatchesAffine(t *testing.T) {
	stack := newTestStack()
	b := stackBounds(stack)
	if b.Min.X != 0 || b.Max.X != 10000 {
		t.Fatalf("stackBounds X = [%v,%v], want [0,10000]", b.Min.X, b.Max.X)
	}
	if b.Min.Y != 0 || b.Max.Y != 10000 {
		t.Fatalf("stackBounds Y = [%v,%v], want [0,10000]", b.Min.Y, b.Max.Y)
	}
}

func TestCropWindowClampsToStackExtent(t *testing.T) {
	stack := newTestStack()
	// Bounds extending well past the stack's own extent on every side
	// should clamp to the full grid, not go out of range.
	bounds := &geom.Bounds{Min: geom.Point{X: -5000, Y: -5000}, Max: geom.Point{X: 15000, Y: 15000}}
	minCol, maxCol, minRow, maxRow := cropWindow(stack, bounds)
	if minCol != 0 || maxCol != 9 || minRow != 0 || maxRow != 9 {
		t.Fatalf("cropWindow = (%d,%d,%d,%d), want (0,9,0,9)", minCol, maxCol, minRow, maxRow)
	}
}

func TestCropExtractsExpectedWindow(t *testing.T) {
	stack := newTestStack()
	// Pixel columns 2-4 span x in [2000,5000); rows 1-3 (top-down, origin
	// at y=10000 descending) span y in [6000,9000]. The region's lower
	// edge y=7000 lies exactly on row 3's top boundary, so cropWindow
	// includes row 3. The x upper bound is kept just short of the next
	// pixel boundary (4999, not 5000) so it doesn't land exactly on the
	// col=5 line and pull in an extra column.
	region := Region{Name: "test", Bounds: &geom.Bounds{
		Min: geom.Point{X: 2000, Y: 7000},
		Max: geom.Point{X: 4999, Y: 9000},
	}}
	cropped, err := Crop(stack, region)
	if err != nil {
		t.Fatalf("Crop: %v", err)
	}
	if cropped.Rows != 3 || cropped.Cols != 3 {
		t.Fatalf("cropped shape = (%d,%d), want (3,3)", cropped.Rows, cropped.Cols)
	}
	// Top-left cropped pixel should be source row 1, col 2 -> value 12.
	if got := cropped.Data[0].Get(0, 0); got != 12 {
		t.Fatalf("cropped top-left pixel = %v, want 12", got)
	}
	if got := cropped.Affine.OriginX(); got != 2000 {
		t.Fatalf("cropped origin X = %v, want 2000", got)
	}
	if got := cropped.Affine.OriginY(); got != 9000 {
		t.Fatalf("cropped origin Y = %v, want 9000", got)
	}
}

func TestCropRejectsNonOverlappingRegion(t *testing.T) {
	stack := newTestStack()
	region := Region{Name: "elsewhere", Bounds: &geom.Bounds{
		Min: geom.Point{X: 20000, Y: 20000},
		Max: geom.Point{X: 30000, Y: 30000},
	}}
	if _, err := Crop(stack, region); err == nil {
		t.Fatal("expected a RegionMismatchError for a non-overlapping region")
	} else if _, ok := err.(*RegionMismatchError); !ok {
		t.Fatalf("expected *RegionMismatchError, got %T", err)
	}
}
