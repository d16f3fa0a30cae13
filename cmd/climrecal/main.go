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

// Command climrecal aligns UK HADS and CPM gridded climate data onto one
// reference grid, calendar, and set of cropped regions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alan-turing-institute/clim-recal-sub000/internal/climutil"
)

func main() {
	os.Exit(run())
}

func run() int {
	var code int
	cfg := climutil.InitializeConfig(func(c *climutil.Config) error {
		summary, err := climutil.Execute(context.Background(), c)
		if err != nil {
			return err
		}
		code = summary.ExitCode()
		return nil
	})
	if err := cfg.Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clim-recal:", err)
		return 1
	}
	return code
}
