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

// Operation identifies one of the four pipeline stages a Task can belong
// to (spec.md §4.E, §6).
type Operation string

const (
	ProjectCPM  Operation = "project-cpm"
	ProjectHADS Operation = "project-hads"
	CropCPM     Operation = "crop-cpm"
	CropHADS    Operation = "crop-hads"
)

// stageOrder gives the barrier position of an Operation: project stages
// must fully complete before any crop stage starts (spec.md §4.F, §5).
// CPM before HADS within the project stage reflects that project-hads
// consumes a project-cpm output as its reference grid source.
func (o Operation) stageOrder() int {
	switch o {
	case ProjectCPM:
		return 0
	case ProjectHADS:
		return 1
	case CropCPM, CropHADS:
		return 2
	default:
		return 99
	}
}

// Task is a value object carrying exactly the information needed to
// deterministically produce one output file from inputs already on
// disk (spec.md §4.E). Two Tasks are considered the same piece of work
// if their OutputPath matches, since OutputPath is derived
// deterministically from every parameter that affects the result.
type Task struct {
	Operation  Operation
	InputPaths []string
	OutputPath string

	// Resample is the resampling kernel used by project-* operations; it
	// is the zero value (NearestNeighbor) and unused for crop-* tasks.
	Resample ResampleKernel
	// CalendarPolicy is the 360-day interpolation policy used when the
	// project-cpm stage also performs calendar conversion.
	CalendarPolicy CalendarPolicy
	// Region names the crop target; empty for project-* tasks.
	Region string
}

// Less orders tasks lexicographically by output path, the stable
// scheduling order spec.md §4.E and §4.F require so that start-index
// resumption is meaningful.
func (t Task) Less(o Task) bool { return t.OutputPath < o.OutputPath }

// TaskList is a sortable, stage-aware collection of Tasks.
type TaskList []Task

func (l TaskList) Len() int      { return len(l) }
func (l TaskList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less sorts first by stage barrier (project-cpm, project-hads, then
// crop-*), then lexicographically by output path within a stage, giving
// the deterministic order spec.md §4.F and §5 require.
func (l TaskList) Less(i, j int) bool {
	si, sj := l[i].Operation.stageOrder(), l[j].Operation.stageOrder()
	if si != sj {
		return si < sj
	}
	return l[i].OutputPath < l[j].OutputPath
}
