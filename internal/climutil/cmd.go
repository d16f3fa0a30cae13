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

package climutil

import (
	"fmt"
	"os"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Cfg holds the command tree and the viper instance backing it, the same
// pairing the teacher's inmaputil.Cfg keeps (cmd.go), reduced to this
// pipeline's single command rather than InMAP's run/grid/sr/cloud
// subcommand tree.
type Cfg struct {
	*viper.Viper
	Root *cobra.Command
}

// InitializeConfig builds the cobra/viper command tree for the
// clim-recal CLI. run is called once the configuration file (if any) and
// flags have been merged and validated; its sole argument is the
// resolved Config.
func InitializeConfig(run func(*Config) error) *Cfg {
	cfg := &Cfg{Viper: viper.New()}

	flags := struct {
		configFile                                                    string
		hadsInputPath, cpmInputPath, outputPath                       string
		variable, region, runName                                    string
		allVariables, allRegions, allRuns, defaultRuns, allMethods    bool
		projectCPM, projectHADS, cropCPM, cropHADS, execute           bool
		startIndex, totalFromIndex, cpus                              int
		useMultiprocessing                                            bool
		regionsManifest, referenceCRS, resample, calendarPolicy       string
		pixelWidth, pixelHeight                                       float64
		logLevel                                                      string
		logJSON                                                       bool
	}{}

	cfg.Root = &cobra.Command{
		Use:   "climrecal",
		Short: "Align UK climate projection and observational rasters for bias correction.",
		Long: `climrecal prepares gridded UK climate data for bias correction.

It converts CPM's 360-day model calendar onto civil days, reprojects and
regrids CPM and HADS onto one reference grid, crops the result to named
study regions, and orchestrates that work as a batch of independent,
resumable tasks.

Configuration can be set by flags, by a configuration file given with
--config, or by environment variables prefixed CLIMRECAL_.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setConfig(cfg, flags.configFile); err != nil {
				return err
			}
			var c Config
			if err := cfg.Unmarshal(&c); err != nil {
				return fmt.Errorf("clim-recal: decoding configuration: %w", err)
			}
			if err := c.Validate(); err != nil {
				return err
			}
			return run(&c)
		},
	}

	fs := cfg.Root.Flags()
	fs.StringVar(&flags.configFile, "config", "", "path to a configuration file")
	fs.StringVar(&flags.hadsInputPath, "hads-input-path", "", "root of the raw HADS input tree")
	fs.StringVar(&flags.cpmInputPath, "cpm-input-path", "", "root of the raw CPM input tree")
	fs.StringVar(&flags.outputPath, "output-path", "", "root under which a timestamped run directory is created")
	fs.StringVar(&flags.variable, "variable", "", "single variable to process")
	fs.StringVar(&flags.region, "region", "", "single region to crop to")
	fs.StringVar(&flags.runName, "run", "", "single CPM ensemble member to process")
	fs.BoolVar(&flags.allVariables, "all-variables", false, "process every recognized variable")
	fs.BoolVar(&flags.allRegions, "all-regions", false, "crop to every region in the regions manifest")
	fs.BoolVar(&flags.allRuns, "all-runs", false, "process every CPM ensemble member")
	fs.BoolVar(&flags.defaultRuns, "default-runs", false, "process the pipeline's default set of CPM ensemble members")
	fs.BoolVar(&flags.allMethods, "all-methods", false, "has no effect: only the policies set by --resample and --calendar-policy are run")
	fs.BoolVar(&flags.projectCPM, "project-cpm", true, "run the project-cpm stage")
	fs.BoolVar(&flags.projectHADS, "project-hads", true, "run the project-hads stage")
	fs.BoolVar(&flags.cropCPM, "crop-cpm", true, "run the crop-cpm stage")
	fs.BoolVar(&flags.cropHADS, "crop-hads", true, "run the crop-hads stage")
	fs.BoolVar(&flags.execute, "execute", true, "execute the planned tasks; if false, only print the plan (dry run)")
	fs.IntVar(&flags.startIndex, "start-index", 0, "skip the first N planned tasks")
	fs.IntVar(&flags.totalFromIndex, "total-from-index", 0, "take at most N tasks after start-index (0 means to the end)")
	fs.IntVar(&flags.cpus, "cpus", 0, "worker pool size for --use-multiprocessing (0 means runtime.NumCPU(), the logical CPU count, which can exceed the physical core count)")
	fs.BoolVar(&flags.useMultiprocessing, "use-multiprocessing", false, "dispatch tasks across a worker pool instead of one at a time")
	fs.StringVar(&flags.regionsManifest, "regions-manifest", "", "path to a TOML manifest of named region shapefiles")
	fs.StringVar(&flags.referenceCRS, "reference-crs", "", "proj4 or WKT definition of the reference CRS, e.g. British National Grid")
	fs.Float64Var(&flags.pixelWidth, "pixel-width", 2200, "reference grid cell width in the reference CRS's units")
	fs.Float64Var(&flags.pixelHeight, "pixel-height", -2200, "reference grid cell height (negative, north-up) in the reference CRS's units")
	fs.StringVar(&flags.resample, "resample", "nearest", "resampling kernel: nearest or bilinear")
	fs.StringVar(&flags.calendarPolicy, "calendar-policy", "nearest", "360-day calendar conversion policy: nearest or linear")
	fs.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	fs.BoolVar(&flags.logJSON, "log-json", false, "emit structured JSON logs instead of text")

	for _, name := range []string{
		"hads-input-path", "cpm-input-path", "output-path", "variable", "region", "run",
		"all-variables", "all-regions", "all-runs", "default-runs", "all-methods",
		"project-cpm", "project-hads", "crop-cpm", "crop-hads", "execute",
		"start-index", "total-from-index", "cpus", "use-multiprocessing",
		"regions-manifest", "reference-crs", "pixel-width", "pixel-height",
		"resample", "calendar-policy", "log-level", "log-json",
	} {
		cfg.BindPFlag(name, fs.Lookup(name))
	}
	cfg.SetEnvPrefix("CLIMRECAL")
	cfg.AutomaticEnv()

	return cfg
}

// setConfig finds and reads in the configuration file, if one was given,
// following the teacher's setConfig (inmaputil/cmd.go).
func setConfig(cfg *Cfg, configFile string) error {
	if configFile == "" {
		return nil
	}
	cfg.SetConfigFile(configFile)
	if err := cfg.ReadInConfig(); err != nil {
		return fmt.Errorf("clim-recal: problem reading configuration file: %v", err)
	}
	return nil
}

// NewLogger builds the structured logger every command and pipeline
// component in this package logs through, following the teacher's
// logrus.FieldLogger convention (emissions/slca/eieio/server.go).
func NewLogger(level string, json bool) (logrus.FieldLogger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if json {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("clim-recal: invalid --log-level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return log, nil
}
