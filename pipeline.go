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
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/sirupsen/logrus"
)

// RunConfig collects every option spec.md §4.G's CLI surface exposes, in
// a form the orchestrator consumes directly (flag parsing into a
// RunConfig happens in internal/climutil).
type RunConfig struct {
	HADSInputPath string
	CPMInputPath  string
	OutputPath    string
	RunID         string // the "run_<timestamp>" directory name for this invocation

	Variables []Variable
	Runs      []string
	Regions   []string
	// VariableAliases reconciles CPM/HADS naming of the same quantity
	// (e.g. "pr" vs "rainfall"), per spec.md §9 Open Question (a): kept
	// as explicit configuration rather than inferred.
	VariableAliases map[Variable]Variable

	ProjectCPM, ProjectHADS, CropCPM, CropHADS bool
	Execute                                    bool

	StartIndex      int
	TotalFromIndex  int
	CPUs            int
	UseMultiprocess bool

	Resample       ResampleKernel
	CalendarPolicy CalendarPolicy

	// TargetCRS and pixel size define the reference grid this run
	// resamples everything onto (spec.md §3); ReferenceGrid is derived
	// once, from the first CPM file whose calendar conversion succeeds
	// (before it is reprojected), and cached here for every subsequent
	// task.
	TargetCRS    *proj.SR
	TargetCRSDef string
	PixelWidth   float64
	PixelHeight  float64

	// RegionRegistry maps a region name (as used in Regions and in
	// Task.Region) to its loaded, reference-CRS polygon bounds.
	RegionRegistry map[string]Region

	Log logrus.FieldLogger

	mu            sync.Mutex
	referenceGrid *ReferenceGrid
}

func (c *RunConfig) logger() logrus.FieldLogger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

// normalizeVariable applies VariableAliases, so that a CPM "pr" file and
// a HADS "rainfall" file are recognized as the same requested variable.
func (c *RunConfig) normalizeVariable(v Variable) Variable {
	if alias, ok := c.VariableAliases[v]; ok {
		return alias
	}
	return v
}

// Plan enumerates the task space for cfg: the Cartesian product of
// {variables, runs, regions, operations} restricted to valid
// combinations, per spec.md §4.F. The returned TaskList is sorted by
// stage barrier and then output path, the order Run and the
// start-index/total-from-index slicing controls rely on.
//
// DiscoverCPM/DiscoverHADS parse each file's relative path against the
// un-scoped root of their respective input tree (<variable>/<run>/latest
// for CPM, <variable>/day for HADS); Plan therefore walks each tree once
// from cfg.CPMInputPath/cfg.HADSInputPath and filters the discovered
// files down to cfg.Variables/cfg.Runs itself, rather than pre-joining a
// variable (and run) onto the root before discovery, which would leave
// Discover too few path segments to recognize any file.
func Plan(cfg *RunConfig) (TaskList, error) {
	if cfg.ProjectHADS && !cfg.ProjectCPM {
		return nil, &ConfigError{Reason: "project-hads requires project-cpm to run in the same invocation, since it consumes a CPM reference grid"}
	}

	wantVariables := map[Variable]bool{}
	for _, v := range cfg.Variables {
		wantVariables[v] = true
	}
	wantRuns := map[string]bool{}
	for _, r := range cfg.Runs {
		wantRuns[r] = true
	}

	var tasks TaskList

	var cpmFiles []SourceFile
	if cfg.ProjectCPM {
		all, err := DiscoverCPM(cfg.CPMInputPath, false)
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			if !wantVariables[cfg.normalizeVariable(f.Variable)] || !wantRuns[f.Run] {
				continue
			}
			cpmFiles = append(cpmFiles, f)
		}
		for _, f := range cpmFiles {
			tasks = append(tasks, Task{
				Operation:      ProjectCPM,
				InputPaths:     []string{f.Path},
				OutputPath:     outputPath(cfg, ProjectCPM, "", f),
				Resample:       cfg.Resample,
				CalendarPolicy: cfg.CalendarPolicy,
			})
		}
	}

	var hadsFiles []SourceFile
	if cfg.ProjectHADS {
		all, err := DiscoverHADS(cfg.HADSInputPath, false)
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			if !wantVariables[cfg.normalizeVariable(f.Variable)] {
				continue
			}
			hadsFiles = append(hadsFiles, f)
		}
		for _, f := range hadsFiles {
			tasks = append(tasks, Task{
				Operation:  ProjectHADS,
				InputPaths: []string{f.Path},
				OutputPath: outputPath(cfg, ProjectHADS, "", f),
				Resample:   cfg.Resample,
			})
		}
	}

	if cfg.CropCPM {
		for _, f := range cpmFiles {
			for _, region := range cfg.Regions {
				tasks = append(tasks, Task{
					Operation:  CropCPM,
					InputPaths: []string{outputPath(cfg, ProjectCPM, "", f)},
					OutputPath: outputPath(cfg, CropCPM, region, f),
					Region:     region,
				})
			}
		}
	}
	if cfg.CropHADS {
		for _, f := range hadsFiles {
			for _, region := range cfg.Regions {
				tasks = append(tasks, Task{
					Operation:  CropHADS,
					InputPaths: []string{outputPath(cfg, ProjectHADS, "", f)},
					OutputPath: outputPath(cfg, CropHADS, region, f),
					Region:     region,
				})
			}
		}
	}

	sort.Stable(tasks)
	return tasks, nil
}

// outputPath derives a task's output path from the output root, the
// operation, and a mirror of the input's variable/run subtree, per
// spec.md §4.E, §4.H, §6.
func outputPath(cfg *RunConfig, op Operation, region string, f SourceFile) string {
	opDir := string(op)
	if region != "" {
		opDir = filepath.Join(opDir, region)
	}
	var subtree string
	if f.Run != "" {
		subtree = filepath.Join(string(f.Variable), f.Run)
	} else {
		subtree = string(f.Variable)
	}
	return filepath.Join(cfg.OutputPath, cfg.RunID, opDir, subtree, filepath.Base(f.Path))
}

// TaskResult records the outcome of one dispatched Task.
type TaskResult struct {
	Task Task
	Err  error
}

// Run dispatches tasks (normally the result of Plan, after applying
// start-index/total-from-index slicing) and returns one TaskResult per
// task. It never aborts on a task failure except for a *GridMismatchError,
// which spec.md §7 requires to surface as a programmer-bug condition; all
// other task-local errors are recorded and the run continues.
//
// Tasks are grouped and executed by stage barrier (project-cpm,
// project-hads, then crop-cpm/crop-hads together), honoring the ordering
// spec.md §5 requires. Within a stage, up to cfg.CPUs tasks run
// concurrently when cfg.UseMultiprocess is set; otherwise the stage runs
// single-threaded, one task at a time, mirroring the teacher's
// single-process default (run.go's iterative simulation loop).
func Run(ctx context.Context, cfg *RunConfig, tasks TaskList) ([]TaskResult, error) {
	results := make([]TaskResult, len(tasks))
	stages := groupByStage(tasks)

	workers := 1
	if cfg.UseMultiprocess {
		workers = cfg.CPUs
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
	}

	for _, stage := range stages {
		if err := runStage(ctx, cfg, tasks, stage, workers, results); err != nil {
			return results, err
		}
	}
	return results, nil
}

// groupByStage partitions tasks into stage-ordered buckets, preserving
// each task's index into the flat results slice that Run was given.
func groupByStage(tasks TaskList) [][]int {
	byStage := map[int][]int{}
	for i, t := range tasks {
		s := t.Operation.stageOrder()
		byStage[s] = append(byStage[s], i)
	}
	var orders []int
	for s := range byStage {
		orders = append(orders, s)
	}
	sort.Ints(orders)
	out := make([][]int, 0, len(orders))
	for _, s := range orders {
		out = append(out, byStage[s])
	}
	return out
}

func runStage(ctx context.Context, cfg *RunConfig, tasks TaskList, indices []int, workers int, results []TaskResult) error {
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var gridMismatch error
	var mu sync.Mutex

	for _, idx := range indices {
		idx := idx
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			t := tasks[idx]
			err := executeTask(ctx, cfg, t)
			if err != nil {
				cfg.logger().WithFields(logrus.Fields{
					"operation": t.Operation,
					"output":    t.OutputPath,
				}).WithError(err).Error("task failed")
			}
			results[idx] = TaskResult{Task: t, Err: err}
			if _, ok := err.(*GridMismatchError); ok {
				mu.Lock()
				if gridMismatch == nil {
					gridMismatch = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return gridMismatch
}

// Shard applies the start-index/total-from-index slicing controls of
// spec.md §4.F to a Planned, stage-and-path-sorted TaskList. A
// totalFromIndex <= 0 means "to the end", so that (start=K, total=0)
// composes with (start=0, total=K) to reconstruct the full run (spec.md
// §8 invariant 7, sharding closure).
func Shard(tasks TaskList, startIndex, totalFromIndex int) TaskList {
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(tasks) {
		return TaskList{}
	}
	end := len(tasks)
	if totalFromIndex > 0 && startIndex+totalFromIndex < end {
		end = startIndex + totalFromIndex
	}
	return tasks[startIndex:end]
}

// ensureReferenceGrid returns the run's reference grid, deriving it from
// sample the first time it is needed (spec.md §3: computed once from a
// sample CPM file and reused for the rest of the run).
func (c *RunConfig) ensureReferenceGrid(sample *RasterStack) (ReferenceGrid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.referenceGrid != nil {
		return *c.referenceGrid, nil
	}
	grid, err := DeriveReferenceGrid(sample, c.TargetCRS, c.TargetCRSDef, c.PixelWidth, c.PixelHeight)
	if err != nil {
		return ReferenceGrid{}, err
	}
	c.referenceGrid = &grid
	return grid, nil
}

// executeTask runs the single native operation a Task describes,
// producing exactly one output file. Context cancellation is checked
// before the (potentially slow) native work starts, per spec.md §5's
// "suspend only at I/O and native calls" model; it is not threaded
// through the cdf/proj calls themselves, since neither library accepts a
// context.
func executeTask(ctx context.Context, cfg *RunConfig, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch t.Operation {
	case ProjectCPM:
		return executeProjectCPM(cfg, t)
	case ProjectHADS:
		return executeProjectHADS(cfg, t)
	case CropCPM, CropHADS:
		return executeCrop(cfg, t)
	default:
		return fmt.Errorf("unknown operation %q", t.Operation)
	}
}

func executeProjectCPM(cfg *RunConfig, t Task) error {
	stack, err := Open(t.InputPaths[0], OpenOptions{})
	if err != nil {
		return err
	}
	civil, err := ConvertThreeSixtyDayToCivil(stack, t.CalendarPolicy)
	if err != nil {
		return err
	}
	grid, err := cfg.ensureReferenceGrid(civil)
	if err != nil {
		return err
	}
	projected, err := Reproject(civil, grid, t.Resample)
	if err != nil {
		return err
	}
	if err := Write(projected, t.OutputPath, FormatNetCDF); err != nil {
		return err
	}
	cfg.logStats(t, projected)
	return nil
}

// logStats logs a one-line pixel summary for a successfully written
// output, at debug level, so a run that silently produces an
// all-NODATA or out-of-range output is visible without opening the file.
func (c *RunConfig) logStats(t Task, stack *RasterStack) {
	s := ComputeStats(stack)
	c.logger().WithFields(logrus.Fields{
		"output": t.OutputPath,
		"count":  s.Count,
		"mean":   s.Mean,
		"stddev": s.StdDev,
		"min":    s.Min,
		"max":    s.Max,
	}).Debug("output statistics")
}

func executeProjectHADS(cfg *RunConfig, t Task) error {
	stack, err := Open(t.InputPaths[0], OpenOptions{})
	if err != nil {
		return err
	}
	cfg.mu.Lock()
	grid := cfg.referenceGrid
	cfg.mu.Unlock()
	if grid == nil {
		return &ConfigError{Reason: "no reference grid available; project-cpm must run first"}
	}
	projected, err := Reproject(stack, *grid, t.Resample)
	if err != nil {
		return err
	}
	if err := Write(projected, t.OutputPath, FormatNetCDF); err != nil {
		return err
	}
	cfg.logStats(t, projected)
	return nil
}

func executeCrop(cfg *RunConfig, t Task) error {
	stack, err := Open(t.InputPaths[0], OpenOptions{CRS: cfg.TargetCRS})
	if err != nil {
		return err
	}
	region, ok := cfg.RegionRegistry[t.Region]
	if !ok {
		return &ConfigError{Reason: fmt.Sprintf("unknown region %q", t.Region)}
	}
	cropped, err := Crop(stack, region)
	if err != nil {
		return err
	}
	if err := Write(cropped, t.OutputPath, FormatNetCDF); err != nil {
		return err
	}
	cfg.logStats(t, cropped)
	return nil
}
