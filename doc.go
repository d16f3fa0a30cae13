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

// Package climrecal prepares gridded UK climate data for bias correction.
//
// It aligns two products onto one coordinate reference system, grid
// resolution, and calendar: HADS, a 1 km observational dataset on a civil
// calendar, and CPM, a 2.2 km convection-permitting projection on a 360-day
// model calendar. The package converts the CPM calendar onto civil days,
// reprojects and regrids both products onto one reference grid, crops the
// result to named study regions, and orchestrates that work as a batch of
// independent, resumable tasks.
package climrecal
