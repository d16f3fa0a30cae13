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
	"testing"

	"github.com/alan-turing-institute/clim-recal-sub000"
)

func validConfig() *Config {
	return &Config{
		HADSInputPath: "/data/hads",
		CPMInputPath:  "/data/cpm",
		OutputPath:    "/data/out",
		ReferenceCRS:  "+proj=longlat +datum=WGS84 +no_defs",
		PixelWidth:    1000,
		PixelHeight:   -1000,
	}
}

func TestConfigValidateAcceptsMinimalValidConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() on a minimal valid config: %v", err)
	}
}

func TestConfigValidateRejectsMissingRequiredFields(t *testing.T) {
	c := validConfig()
	c.OutputPath = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject a missing output-path")
	}
}

func TestConfigValidateRejectsPositivePixelHeight(t *testing.T) {
	c := validConfig()
	c.PixelHeight = 1000 // must be negative (north-up raster)
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject a non-negative pixel-height")
	}
}

func TestConfigValidateRejectsProjectHADSWithoutProjectCPM(t *testing.T) {
	c := validConfig()
	c.ProjectHADS = true
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject project-hads without project-cpm")
	} else if _, ok := err.(*climrecal.ConfigError); !ok {
		t.Fatalf("expected *climrecal.ConfigError, got %T", err)
	}
}

func TestConfigValidateRejectsCropWithoutRegionsManifest(t *testing.T) {
	c := validConfig()
	c.CropCPM = true
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject crop-cpm without a regions manifest")
	}

	c.RegionsManifest = "/data/regions.toml"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate should accept crop-cpm once a regions manifest is set: %v", err)
	}
}

func TestConfigResampleDefaultsToNearestNeighbor(t *testing.T) {
	c := validConfig()
	if got := c.Resample(); got != climrecal.NearestNeighbor {
		t.Fatalf("Resample() with no resample-name = %v, want NearestNeighbor", got)
	}
	c.ResampleName = "Bilinear"
	if got := c.Resample(); got != climrecal.Bilinear {
		t.Fatalf("Resample() with resample-name=Bilinear = %v, want Bilinear", got)
	}
}

func TestConfigCalendarPolicyDefaultsToNearest(t *testing.T) {
	c := validConfig()
	if got := c.CalendarPolicy(); got != climrecal.NearestPolicy {
		t.Fatalf("CalendarPolicy() with no calendar-policy = %v, want NearestPolicy", got)
	}
	c.CalendarName = "linear"
	if got := c.CalendarPolicy(); got != climrecal.LinearPolicy {
		t.Fatalf("CalendarPolicy() with calendar-policy=linear = %v, want LinearPolicy", got)
	}
}

func TestCheckDirExistsExpandsEnvAndRejectsEmpty(t *testing.T) {
	t.Setenv("CLIMRECAL_TEST_DIR", "/tmp/climrecal-test")
	got, err := checkDirExists("$CLIMRECAL_TEST_DIR/sub")
	if err != nil {
		t.Fatalf("checkDirExists: %v", err)
	}
	if got != "/tmp/climrecal-test/sub" {
		t.Fatalf("checkDirExists expanded = %q, want /tmp/climrecal-test/sub", got)
	}

	if _, err := checkDirExists(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
