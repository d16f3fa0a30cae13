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
	"math"
	"time"

	"github.com/ctessum/sparse"
)

// CalendarKind distinguishes the two time axes this pipeline handles. A
// tagged enum here, rather than a boolean, follows the same preference the
// teacher shows for named constants over raw bools in its configuration
// types (e.g. science.go's chemical-mechanism selector).
type CalendarKind int

const (
	// CivilCalendar is the ordinary 365/366-day Gregorian calendar HADS is
	// sampled on.
	CivilCalendar CalendarKind = iota
	// ThreeSixtyDayCalendar is CPM's 12-month-by-30-day model calendar.
	ThreeSixtyDayCalendar
)

// cfName returns the CF-convention "calendar" attribute value for k.
func (k CalendarKind) cfName() string {
	if k == ThreeSixtyDayCalendar {
		return "360_day"
	}
	return "standard"
}

// Calendar is the time axis of a RasterStack: one date per band, tagged
// with the calendar it was generated under. For a ThreeSixtyDayCalendar
// stack, Dates[i] is the literal calendar date of the first band advanced
// by i real days; because the 360-day calendar omits no days within a
// single 30-day model month, this sequential encoding round-trips exactly
// through the CF "days since" units used by Open/Write, even though the
// resulting Dates do not all correspond to valid model month/day pairs
// once interpreted against a true Gregorian month length. Code that needs
// the model's own (month, day) layout must derive it arithmetically from
// the band index rather than from Dates[i].Month()/Day(); see
// modelDayOfYear.
type Calendar struct {
	Kind  CalendarKind
	Dates []time.Time
}

// CalendarPolicy selects how ConvertThreeSixtyDayToCivil fills civil days
// that have no exact 360-day counterpart.
type CalendarPolicy int

const (
	// NearestPolicy assigns each civil day the value of the temporally
	// closest 360-day model slot, ties broken toward the earlier slot.
	// This is the pipeline's default (spec.md §4.B).
	NearestPolicy CalendarPolicy = iota
	// LinearPolicy assigns each civil day a linear combination of its two
	// bracketing 360-day model slots, weighted by civil-time distance.
	LinearPolicy
)

// modelDayOfYear returns the nearest 0-indexed position of (year, month,
// day) in a January-start 360-day model year: twelve 30-day months in
// calendar order, so January occupies 0-29, February 30-59, and so on
// through December at 330-359. Exact ties (a fractional model position
// ending in .5) are broken toward the earlier slot, per spec.md §4.B.
//
// Every civil month, whatever its actual length (28, 29, 30, or 31
// days), is mapped proportionally onto its model month's fixed 30 slots:
// the first civil day of the month always lands on that month's first
// slot, the last civil day always lands on its last slot, and days in
// between are spread evenly. This is what makes "civil Feb 29 maps to
// model-day 59 (Feb-30)" true (spec.md §4.B worked example): Feb 29 is
// the last day of a 29-day leap February, so it lands on February's last
// model slot regardless of February being shorter than 30 days. A simple
// "clamp the raw day number to 30" rule would instead place Feb 29 on
// Feb's 29th slot, one short of the worked example's answer, since civil
// February is never as long as the model's 30-day February.
//
// This Jan-start numbering is the convention this package uses to
// describe and tie-break model slots; it is not the physical order bands
// are stored in for a hydrological-year (Dec-anchored) source file, see
// hydrologicalYearSlot.
func modelDayOfYear(year int, month time.Month, day int) int {
	// math.Round breaks an exact .5 tie away from zero (upward), the
	// opposite of spec.md §4.B's "earlier slot" rule; math.Ceil(x-0.5)
	// rounds the same way as Round for every non-tied value but breaks
	// an exact tie downward instead. Every 31-day civil month has such a
	// tie at day 16, and leap February at day 15.
	return int(math.Ceil(modelPositionInMonth(year, month, day) - 0.5))
}

// modelPositionInMonth returns the fractional 0-indexed model-day
// position of (year, month, day), proportionally stretching or
// compressing the civil month's actual length onto the model month's
// fixed 30-slot width. Both the nearest-slot policy (modelDayOfYear) and
// the linear-interpolation policy (sampleCivilDayLinear) derive their
// model-day position from this one computation, so the two policies
// agree on where a given civil day falls within its model month.
func modelPositionInMonth(year int, month time.Month, day int) float64 {
	daysInMonth := civilDaysInMonth(year, month)
	frac := 0.0
	if daysInMonth > 1 {
		if day > daysInMonth {
			day = daysInMonth
		}
		frac = float64(day-1) / float64(daysInMonth-1)
	}
	return float64(int(month)-1)*30 + frac*29
}

// hydrologicalYearSlot converts a Jan-start model-day-of-year (as
// returned by modelDayOfYear) into the physical band index within a
// single 360-band source file, whose bands run Dec, Jan, Feb, ..., Nov in
// that order (the hydrological year anchor required by spec.md §4.B, to
// match CPM's `YYYYMMDD-YYYYMMDD` filename windows which begin on
// December 1).
func hydrologicalYearSlot(modelDay int) int {
	return (modelDay + 30) % 360
}

// ConvertThreeSixtyDayToCivil resamples a CPM-style 360-day stack onto the
// civil calendar, implementing spec.md §4.B. stack must hold a whole
// number of 360-band hydrological years; its first band's date is taken
// as the literal start of the first hydrological year (e.g. 1981-12-01),
// which readTimeCoordinate guarantees is exact because a zero day offset
// from the file's own epoch introduces no drift.
//
// The returned stack covers the same nominal hydrological-year span on
// the civil calendar: for a non-leap civil year that is 365 days, for a
// leap year 366, with Feb 29 (when present) taking the value of model day
// 59 ("Feb 30" of the 360-day source), and the remaining civil days that
// have no exact 360-day counterpart filled per policy.
func ConvertThreeSixtyDayToCivil(stack *RasterStack, policy CalendarPolicy) (*RasterStack, error) {
	if stack.Time.Kind != ThreeSixtyDayCalendar {
		return nil, &CalendarMismatchError{Reason: "source stack is not on a 360-day calendar"}
	}
	if len(stack.Data) == 0 || len(stack.Data)%360 != 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("360-day stack has %d bands, want a positive multiple of 360", len(stack.Data))}
	}
	numYears := len(stack.Data) / 360

	var outDates []time.Time
	var outBands []*sparse.DenseArray

	for yr := 0; yr < numYears; yr++ {
		blockStart := yr * 360
		yearStart := stack.Time.Dates[blockStart]
		yearEnd := yearStart.AddDate(1, 0, 0)

		for d := yearStart; d.Before(yearEnd); d = d.AddDate(0, 0, 1) {
			band, err := sampleCivilDay(stack, blockStart, d, policy)
			if err != nil {
				return nil, err
			}
			if band == nil {
				// No 360-day coverage for this civil day; omit it rather
				// than synthesize a value (spec.md §4.B).
				continue
			}
			outDates = append(outDates, d)
			outBands = append(outBands, band)
		}
	}

	return &RasterStack{
		Variable: stack.Variable,
		CRS:      stack.CRS,
		CRSDef:   stack.CRSDef,
		Affine:   stack.Affine,
		Rows:     stack.Rows,
		Cols:     stack.Cols,
		Time:     Calendar{Kind: CivilCalendar, Dates: outDates},
		Data:     outBands,
		NoData:   stack.NoData,
		Attrs:    stack.Attrs,
	}, nil
}

// sampleCivilDay computes the output band for civil date d, whose
// hydrological year begins at file band index blockStart, under policy.
// It returns (nil, nil) if d falls outside the 360 bands available from
// blockStart (spec.md §4.B: "source window does not cover a requested
// civil day").
func sampleCivilDay(stack *RasterStack, blockStart int, d time.Time, policy CalendarPolicy) (*sparse.DenseArray, error) {
	switch policy {
	case LinearPolicy:
		return sampleCivilDayLinear(stack, blockStart, d)
	default:
		return sampleCivilDayNearest(stack, blockStart, d)
	}
}

func sampleCivilDayNearest(stack *RasterStack, blockStart int, d time.Time) (*sparse.DenseArray, error) {
	md := modelDayOfYear(d.Year(), d.Month(), d.Day())
	slot := hydrologicalYearSlot(md)
	if slot < 0 || slot >= 360 {
		return nil, nil
	}
	return stack.Data[blockStart+slot], nil
}

// sampleCivilDayLinear interpolates between the two 360-day model slots
// bracketing d's fractional position within its civil month, weighted by
// civil-time distance (spec.md §4.B). NODATA pixels never participate in
// the blend: if either bracketing band is NODATA at a pixel, the output
// pixel is NODATA too, rather than an interpolated value derived from a
// missing input.
func sampleCivilDayLinear(stack *RasterStack, blockStart int, d time.Time) (*sparse.DenseArray, error) {
	modelPos := modelPositionInMonth(d.Year(), d.Month(), d.Day())

	lowerMD := int(modelPos)
	upperMD := lowerMD + 1
	weight := modelPos - float64(lowerMD)
	if upperMD > 359 {
		upperMD = 359
		weight = 0
	}

	lowerSlot := hydrologicalYearSlot(lowerMD)
	upperSlot := hydrologicalYearSlot(upperMD)
	if lowerSlot < 0 || lowerSlot >= 360 || upperSlot < 0 || upperSlot >= 360 {
		return nil, nil
	}

	lower := stack.Data[blockStart+lowerSlot]
	upper := stack.Data[blockStart+upperSlot]

	out := sparse.ZerosDense(stack.Rows, stack.Cols)
	for i := range out.Elements {
		lv, uv := lower.Elements[i], upper.Elements[i]
		if stack.IsNoData(lv) || stack.IsNoData(uv) {
			out.Elements[i] = stack.NoData
			continue
		}
		out.Elements[i] = lv*(1-weight) + uv*weight
	}
	return out, nil
}

// civilDaysInMonth returns the number of days in the given civil
// (Gregorian) month, leap years included.
func civilDaysInMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}
