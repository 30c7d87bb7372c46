package report

import "time"

// Unit is a time-bucket granularity for submission charts
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
)

// Window describes the aggregation chosen for one study: the bucket unit and
// the observed submission date range it was derived from. Recomputed every
// request, never persisted.
type Window struct {
	Unit      Unit       `json:"unit"`
	RangeDays int        `json:"rangeDays"`
	Earliest  *time.Time `json:"earliest,omitempty"`
	Latest    *time.Time `json:"latest,omitempty"`
}

// Plan selects a bucket unit from a study's observed submission range. A
// study with no submissions (either endpoint absent) gets a day window of
// zero days. Ranges over a year aggregate by month, ranges over sixty days
// by week, anything shorter by day.
func Plan(earliest, latest *time.Time) Window {
	if earliest == nil || latest == nil {
		return Window{Unit: UnitDay, RangeDays: 0}
	}

	// Inclusive span: same-day endpoints count as one day.
	rangeDays := int(latest.Sub(*earliest).Hours()/24) + 1
	if rangeDays < 1 {
		rangeDays = 1
	}

	unit := UnitDay
	switch {
	case rangeDays > 365:
		unit = UnitMonth
	case rangeDays > 60:
		unit = UnitWeek
	}

	return Window{
		Unit:      unit,
		RangeDays: rangeDays,
		Earliest:  earliest,
		Latest:    latest,
	}
}

// modalUnit returns the most frequent unit across per-study windows,
// preferring the finer unit on ties and defaulting to day when no study
// produced a unit.
func modalUnit(units []Unit) Unit {
	counts := make(map[Unit]int, 3)
	for _, u := range units {
		counts[u]++
	}

	// Scanning finest-first means a tie keeps the finer unit.
	best := UnitDay
	bestCount := 0
	for _, u := range []Unit{UnitDay, UnitWeek, UnitMonth} {
		if c := counts[u]; c > bestCount {
			best = u
			bestCount = c
		}
	}
	return best
}
