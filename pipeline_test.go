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
	"os"
	"path/filepath"
	"testing"
)

func TestOutputPathLayout(t *testing.T) {
	cfg := &RunConfig{OutputPath: "/out", RunID: "run_20240101T000000Z"}
	f := SourceFile{Path: "/in/tasmax_rcp85_land-cpm_uk_2.2km_01_day_19891201-19991130.nc", Variable: Tasmax, Run: "01"}

	got := outputPath(cfg, ProjectCPM, "", f)
	want := filepath.Join("/out", "run_20240101T000000Z", "project-cpm", "tasmax", "01", filepath.Base(f.Path))
	if got != want {
		t.Fatalf("outputPath(project-cpm) = %q, want %q", got, want)
	}

	gotCrop := outputPath(cfg, CropCPM, "london", f)
	wantCrop := filepath.Join("/out", "run_20240101T000000Z", "crop-cpm", "london", "tasmax", "01", filepath.Base(f.Path))
	if gotCrop != wantCrop {
		t.Fatalf("outputPath(crop-cpm) = %q, want %q", gotCrop, wantCrop)
	}

	hads := SourceFile{Path: "/in/tasmax_hadukgrid_uk_1km_day_19890101-19891231.nc", Variable: Tasmax}
	gotHads := outputPath(cfg, ProjectHADS, "", hads)
	wantHads := filepath.Join("/out", "run_20240101T000000Z", "project-hads", "tasmax", filepath.Base(hads.Path))
	if gotHads != wantHads {
		t.Fatalf("outputPath(project-hads, no run) = %q, want %q", gotHads, wantHads)
	}
}

func TestPlanRequiresProjectCPMForProjectHADS(t *testing.T) {
	cfg := &RunConfig{ProjectHADS: true, ProjectCPM: false}
	if _, err := Plan(cfg); err == nil {
		t.Fatal("expected a ConfigError when project-hads is requested without project-cpm")
	} else if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestGroupByStagePreservesOriginalIndices(t *testing.T) {
	tasks := TaskList{
		{Operation: CropHADS, OutputPath: "c"},
		{Operation: ProjectCPM, OutputPath: "a"},
		{Operation: CropCPM, OutputPath: "b"},
		{Operation: ProjectHADS, OutputPath: "d"},
	}
	stages := groupByStage(tasks)
	if len(stages) != 3 {
		t.Fatalf("groupByStage produced %d stages, want 3 (project-cpm, project-hads, crop)", len(stages))
	}
	if len(stages[0]) != 1 || tasks[stages[0][0]].Operation != ProjectCPM {
		t.Fatalf("stage 0 = %v, want the single project-cpm index", stages[0])
	}
	if len(stages[1]) != 1 || tasks[stages[1][0]].Operation != ProjectHADS {
		t.Fatalf("stage 1 = %v, want the single project-hads index", stages[1])
	}
	if len(stages[2]) != 2 {
		t.Fatalf("stage 2 has %d indices, want 2 (crop-cpm and crop-hads together)", len(stages[2]))
	}
}

func TestShard(t *testing.T) {
	tasks := TaskList{
		{OutputPath: "0"}, {OutputPath: "1"}, {OutputPath: "2"},
		{OutputPath: "3"}, {OutputPath: "4"},
	}

	got := Shard(tasks, 1, 2)
	if len(got) != 2 || got[0].OutputPath != "1" || got[1].OutputPath != "2" {
		t.Fatalf("Shard(1,2) = %v, want [1 2]", got)
	}

	// totalFromIndex <= 0 means "to the end".
	got = Shard(tasks, 3, 0)
	if len(got) != 2 || got[0].OutputPath != "3" || got[1].OutputPath != "4" {
		t.Fatalf("Shard(3,0) = %v, want [3 4]", got)
	}

	// Out-of-range startIndex yields an empty shard, never a panic.
	if got := Shard(tasks, 10, 5); len(got) != 0 {
		t.Fatalf("Shard(10,5) = %v, want empty", got)
	}
}

func TestShardCompositionReconstructsFullRun(t *testing.T) {
	// (start=0, total=K) followed by (start=K, total=0) reconstructs the
	// full, unsharded task list (spec.md §8 invariant 7).
	tasks := TaskList{
		{OutputPath: "0"}, {OutputPath: "1"}, {OutputPath: "2"},
		{OutputPath: "3"}, {OutputPath: "4"},
	}
	const k = 3
	first := Shard(tasks, 0, k)
	rest := Shard(tasks, k, 0)
	if len(first)+len(rest) != len(tasks) {
		t.Fatalf("shard composition has %d tasks, want %d", len(first)+len(rest), len(tasks))
	}
	for i, tk := range first {
		if tk.OutputPath != tasks[i].OutputPath {
			t.Fatalf("first shard[%d] = %q, want %q", i, tk.OutputPath, tasks[i].OutputPath)
		}
	}
	for i, tk := range rest {
		if tk.OutputPath != tasks[k+i].OutputPath {
			t.Fatalf("rest shard[%d] = %q, want %q", i, tk.OutputPath, tasks[k+i].OutputPath)
		}
	}
}

// TestPlanDiscoversFilesFromUnscopedRoot drives Plan against a real,
// on-disk input tree laid out the way DiscoverCPM/DiscoverHADS expect
// (CPMInputPath/HADSInputPath as the *un-scoped* tree root, not a root
// already joined with a variable or run). A prior version of Plan
// pre-joined variable/run onto the root it handed to Discover, leaving
// Discover one or two path segments short of what it requires and
// silently enumerating zero tasks; this test would have caught that.
func TestPlanDiscoversFilesFromUnscopedRoot(t *testing.T) {
	cpmRoot := t.TempDir()
	hadsRoot := t.TempDir()
	outRoot := t.TempDir()

	cpmFile := filepath.Join(cpmRoot, "tasmax", "01", "latest", "tasmax_rcp85_land-cpm_uk_2.2km_01_day_19891201-19991130.nc")
	if err := os.MkdirAll(filepath.Dir(cpmFile), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(cpmFile, []byte("dummy"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// A run the config does not request; must not appear in the plan.
	otherRunFile := filepath.Join(cpmRoot, "tasmax", "99", "latest", "tasmax_rcp85_land-cpm_uk_2.2km_99_day_19891201-19991130.nc")
	if err := os.MkdirAll(filepath.Dir(otherRunFile), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(otherRunFile, []byte("dummy"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hadsFile := filepath.Join(hadsRoot, "tasmax", "day", "tasmax_hadukgrid_uk_1km_day_19890101-19891231.nc")
	if err := os.MkdirAll(filepath.Dir(hadsFile), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(hadsFile, []byte("dummy"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := &RunConfig{
		CPMInputPath:  cpmRoot,
		HADSInputPath: hadsRoot,
		OutputPath:    outRoot,
		RunID:         "run_test",
		Variables:     []Variable{Tasmax},
		Runs:          []string{"01"},
		ProjectCPM:    true,
		ProjectHADS:   true,
	}

	tasks, err := Plan(cfg)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var sawCPM, sawHADS bool
	for _, tk := range tasks {
		switch tk.Operation {
		case ProjectCPM:
			sawCPM = true
			if tk.InputPaths[0] != cpmFile {
				t.Fatalf("project-cpm task input = %q, want %q", tk.InputPaths[0], cpmFile)
			}
		case ProjectHADS:
			sawHADS = true
			if tk.InputPaths[0] != hadsFile {
				t.Fatalf("project-hads task input = %q, want %q", tk.InputPaths[0], hadsFile)
			}
		}
	}
	if !sawCPM {
		t.Fatal("Plan did not enumerate a project-cpm task for the discovered CPM file")
	}
	if !sawHADS {
		t.Fatal("Plan did not enumerate a project-hads task for the discovered HADS file")
	}
	if len(tasks) != 2 {
		t.Fatalf("Plan enumerated %d tasks, want exactly 2 (run 99 must be filtered out)", len(tasks))
	}
}

func TestRunConfigNormalizeVariable(t *testing.T) {
	cfg := &RunConfig{VariableAliases: map[Variable]Variable{"rainfall": "pr"}}
	if got := cfg.normalizeVariable("rainfall"); got != "pr" {
		t.Fatalf("normalizeVariable(rainfall) = %q, want pr", got)
	}
	if got := cfg.normalizeVariable("tasmax"); got != "tasmax" {
		t.Fatalf("normalizeVariable(tasmax) = %q, want unchanged tasmax", got)
	}
}
