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
	"math"

	"gonum.org/v1/gonum/stat"
)

// StackStats summarizes a RasterStack's non-NoData pixels across every
// band, for the one-line-per-output sanity check the orchestrator logs
// after each task (spec.md §7's diagnostics): a reprojection or crop that
// silently produced an all-NODATA or wildly out-of-range output is easy
// to miss otherwise.
type StackStats struct {
	Count     int
	Mean      float64
	StdDev    float64
	Min, Max  float64
}

// ComputeStats computes StackStats over every finite, non-NoData value in
// stack, using gonum/stat for the mean/standard-deviation pass rather
// than a hand-rolled accumulator.
func ComputeStats(stack *RasterStack) StackStats {
	var values []float64
	min, max := math.Inf(1), math.Inf(-1)
	for _, band := range stack.Data {
		for _, v := range band.Elements {
			if v == stack.NoData || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			values = append(values, v)
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	if len(values) == 0 {
		return StackStats{}
	}
	mean, stddev := stat.MeanStdDev(values, nil)
	return StackStats{Count: len(values), Mean: mean, StdDev: stddev, Min: min, Max: max}
}
