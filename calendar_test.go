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
	"time"

	"github.com/ctessum/sparse"
)

func TestModelDayOfYearFeb29MapsTo59(t *testing.T) {
	// spec.md §4.B worked example: civil Feb 29 in a leap year maps to
	// model-day 59, the last ("Feb-30") slot of the model's February.
	got := modelDayOfYear(2024, time.February, 29)
	if got != 59 {
		t.Fatalf("modelDayOfYear(2024, Feb, 29) = %d, want 59", got)
	}
}

func TestModelDayOfYearBoundaries(t *testing.T) {
	cases := []struct {
		year  int
		month time.Month
		day   int
		want  int
	}{
		{2023, time.January, 1, 0},
		{2023, time.January, 31, 29},
		{2023, time.February, 1, 30},
		{2023, time.February, 28, 59}, // non-leap Feb also stretches to slot 59
		{2023, time.December, 31, 359},
	}
	for _, c := range cases {
		got := modelDayOfYear(c.year, c.month, c.day)
		if got != c.want {
			t.Errorf("modelDayOfYear(%d, %s, %d) = %d, want %d", c.year, c.month, c.day, got, c.want)
		}
	}
}

// TestModelDayOfYearBreaksExactTiesTowardEarlierSlot verifies spec.md
// §4.B's "ties broken toward the earlier slot" rule for the two cases
// where modelPositionInMonth lands on an exact .5 boundary: day 16 of
// any 31-day month (frac = 15/30 = 0.5) and day 15 of a leap February
// (frac = 14/28 = 0.5). math.Round would break both ties upward,
// toward the later slot, contradicting the spec.
func TestModelDayOfYearBreaksExactTiesTowardEarlierSlot(t *testing.T) {
	if got := modelDayOfYear(2023, time.January, 16); got != 14 {
		t.Fatalf("modelDayOfYear(2023, Jan, 16) = %d, want 14 (tie broken down from 14.5)", got)
	}
	if got := modelDayOfYear(2024, time.February, 15); got != 44 {
		t.Fatalf("modelDayOfYear(2024, Feb, 15) = %d, want 44 (tie broken down from 44.5)", got)
	}
}

func TestHydrologicalYearSlotWrapsDecemberToFront(t *testing.T) {
	// Dec 1 (model day 330, Jan-start numbering) is the first physical
	// band of a hydrological-year file (slot 0).
	if got := hydrologicalYearSlot(330); got != 0 {
		t.Fatalf("hydrologicalYearSlot(330) = %d, want 0", got)
	}
	// Nov 30 (model day 329) is the last physical band (slot 359).
	if got := hydrologicalYearSlot(329); got != 359 {
		t.Fatalf("hydrologicalYearSlot(329) = %d, want 359", got)
	}
}

// newThreeSixtyStack builds a synthetic 360-band stack starting at
// startDate, where band i's single pixel holds value float64(i), so
// tests can check which physical slot a civil day was sampled from.
func newThreeSixtyStack(startDate time.Time) *RasterStack {
	dates := make([]time.Time, 360)
	bands := make([]*sparse.DenseArray, 360)
	for i := 0; i < 360; i++ {
		dates[i] = startDate.AddDate(0, 0, i)
		band := sparse.ZerosDense(1, 1)
		band.Set(float64(i), 0, 0)
		bands[i] = band
	}
	return &RasterStack{
		Variable: "tasmax",
		Rows:     1,
		Cols:     1,
		Time:     Calendar{Kind: ThreeSixtyDayCalendar, Dates: dates},
		Data:     bands,
		NoData:   NoData,
	}
}

func TestConvertThreeSixtyDayToCivilNearestFeb29(t *testing.T) {
	// A hydrological year starting 2023-12-01 covers civil 2024-02-29
	// (2024 is a leap year). Its value should come from physical slot
	// hydrologicalYearSlot(59) = 89.
	stack := newThreeSixtyStack(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	civil, err := ConvertThreeSixtyDayToCivil(stack, NearestPolicy)
	if err != nil {
		t.Fatalf("ConvertThreeSixtyDayToCivil: %v", err)
	}

	wantSlot := hydrologicalYearSlot(59)
	found := false
	for i, d := range civil.Time.Dates {
		if d.Year() == 2024 && d.Month() == time.February && d.Day() == 29 {
			found = true
			if got := civil.Data[i].Get(0, 0); got != float64(wantSlot) {
				t.Fatalf("Feb 29 sampled value = %v, want %v (slot %d)", got, float64(wantSlot), wantSlot)
			}
		}
	}
	if !found {
		t.Fatal("civil output does not contain 2024-02-29")
	}
	if civil.Time.Kind != CivilCalendar {
		t.Fatalf("output calendar kind = %v, want CivilCalendar", civil.Time.Kind)
	}
}

func TestConvertThreeSixtyDayToCivilRejectsNonThreeSixty(t *testing.T) {
	stack := newThreeSixtyStack(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	stack.Time.Kind = CivilCalendar
	if _, err := ConvertThreeSixtyDayToCivil(stack, NearestPolicy); err == nil {
		t.Fatal("expected an error converting an already-civil stack")
	} else if _, ok := err.(*CalendarMismatchError); !ok {
		t.Fatalf("expected *CalendarMismatchError, got %T", err)
	}
}

func TestConvertThreeSixtyDayToCivilRejectsBadLength(t *testing.T) {
	stack := newThreeSixtyStack(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	stack.Data = stack.Data[:100]
	if _, err := ConvertThreeSixtyDayToCivil(stack, NearestPolicy); err == nil {
		t.Fatal("expected an error for a non-multiple-of-360 stack")
	}
}

func TestSampleCivilDayLinearNoDataPropagates(t *testing.T) {
	stack := newThreeSixtyStack(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	// Poison one of the two physical bands bracketing 2024-01-15: at
	// modelPositionInMonth(2024, January, 15) ≈ 13.53, the bracketing
	// model days are 13 and 14, whose hydrological-year physical slots
	// (blockStart 0) are hydrologicalYearSlot(13)=43 and
	// hydrologicalYearSlot(14)=44.
	stack.Data[43].Set(NoData, 0, 0)

	civil, err := ConvertThreeSixtyDayToCivil(stack, LinearPolicy)
	if err != nil {
		t.Fatalf("ConvertThreeSixtyDayToCivil: %v", err)
	}
	for i, d := range civil.Time.Dates {
		if d.Year() == 2024 && d.Month() == time.January && d.Day() == 15 {
			if got := civil.Data[i].Get(0, 0); got != stack.NoData {
				t.Fatalf("expected NODATA for 2024-01-15, got %v", got)
			}
			return
		}
	}
	t.Fatal("civil output does not contain 2024-01-15")
}
