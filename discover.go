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
	"regexp"
	"sort"
	"strings"

	"github.com/mholt/archiver/v3"
)

// windowPattern matches the "_YYYYMMDD-YYYYMMDD_" date-window token
// common to both CPM and HADS filenames (spec.md §4.H), the same
// capture-group regexp style the teacher uses for its output-expression
// templating in io.go.
var windowPattern = regexp.MustCompile(`_(\d{8})-(\d{8})_`)

// SourceFile is one discovered input file together with the metadata
// Discover extracted from its path, sufficient to build a Task without
// re-parsing the filename.
type SourceFile struct {
	Path     string
	Variable Variable
	// Run is the ensemble member identifier for a CPM file; empty for
	// HADS, which has no runs (spec.md §4.F).
	Run string
	// WindowStart, WindowEnd are the raw YYYYMMDD tokens from the
	// filename's date window.
	WindowStart, WindowEnd string
}

// DiscoverCPM walks root, the CPM input tree, and returns every matching
// file under `<variable>/<run>/latest/*.nc`, per the layout spec.md §4.H
// and §6 specify. If extractArchives is true, any .zip/.tar.gz archive
// found alongside the expected tree is first extracted into root using
// mholt/archiver, to accommodate an input tree shipped pre-archived; this
// is the pipeline's only dependency on an archive format and is grounded
// on the rest of the example corpus (de-bkg-gognss's use of
// mholt/archiver for incoming-data intake), not on the teacher, which has
// no equivalent need.
func DiscoverCPM(root string, extractArchives bool) ([]SourceFile, error) {
	if extractArchives {
		if err := extractInputArchives(root); err != nil {
			return nil, err
		}
	}

	var out []SourceFile
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".nc" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		// <variable>/<run>/latest/<filename>.nc
		if len(parts) != 4 || parts[2] != "latest" {
			return nil
		}
		start, end, ok := parseWindow(parts[3])
		if !ok {
			return nil
		}
		out = append(out, SourceFile{
			Path:        path,
			Variable:    Variable(parts[0]),
			Run:         parts[1],
			WindowStart: start,
			WindowEnd:   end,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering CPM inputs under %s: %w", root, err)
	}
	sortSourceFiles(out)
	return out, nil
}

// DiscoverHADS walks root, the HADS input tree, and returns every
// matching file under `<variable>/day/*.nc` (spec.md §4.H, §6). HADS has
// no run dimension, so SourceFile.Run is always empty for these results.
func DiscoverHADS(root string, extractArchives bool) ([]SourceFile, error) {
	if extractArchives {
		if err := extractInputArchives(root); err != nil {
			return nil, err
		}
	}

	var out []SourceFile
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".nc" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		// <variable>/day/<filename>.nc
		if len(parts) != 3 || parts[1] != "day" {
			return nil
		}
		start, end, ok := parseWindow(parts[2])
		if !ok {
			return nil
		}
		out = append(out, SourceFile{
			Path:        path,
			Variable:    Variable(parts[0]),
			WindowStart: start,
			WindowEnd:   end,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering HADS inputs under %s: %w", root, err)
	}
	sortSourceFiles(out)
	return out, nil
}

func parseWindow(filename string) (start, end string, ok bool) {
	m := windowPattern.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func sortSourceFiles(files []SourceFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// extractInputArchives unpacks every .zip, .tar.gz, and .tgz file found
// directly under root into root, using mholt/archiver's format-sniffing
// Unarchive so a caller need not know which archive format an input tree
// was shipped in.
func extractInputArchives(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing %s for archives: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".zip") && !strings.HasSuffix(name, ".tar.gz") && !strings.HasSuffix(name, ".tgz") {
			continue
		}
		src := filepath.Join(root, name)
		if err := archiver.Unarchive(src, root); err != nil {
			return fmt.Errorf("extracting archive %s: %w", src, err)
		}
	}
	return nil
}
