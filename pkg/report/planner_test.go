package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestPlanNoSubmissions(t *testing.T) {
	w := Plan(nil, nil)
	assert.Equal(t, UnitDay, w.Unit)
	assert.Equal(t, 0, w.RangeDays)
	assert.Nil(t, w.Earliest)
	assert.Nil(t, w.Latest)

	w = Plan(datePtr(2025, time.January, 1), nil)
	assert.Equal(t, UnitDay, w.Unit)
	assert.Equal(t, 0, w.RangeDays)
}

func TestPlanThresholds(t *testing.T) {
	cases := []struct {
		name     string
		earliest *time.Time
		latest   *time.Time
		unit     Unit
		days     int
	}{
		{"same day", datePtr(2025, time.March, 5), datePtr(2025, time.March, 5), UnitDay, 1},
		{"ten days", datePtr(2025, time.March, 1), datePtr(2025, time.March, 10), UnitDay, 10},
		{"sixty days stays daily", datePtr(2025, time.January, 1), datePtr(2025, time.March, 1), UnitDay, 60},
		{"hundred days", datePtr(2025, time.January, 1), datePtr(2025, time.April, 10), UnitWeek, 100},
		{"full year stays weekly", datePtr(2024, time.June, 1), datePtr(2025, time.May, 31), UnitWeek, 365},
		{"four hundred days", datePtr(2024, time.January, 1), datePtr(2025, time.February, 3), UnitMonth, 400},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := Plan(tc.earliest, tc.latest)
			assert.Equal(t, tc.unit, w.Unit)
			assert.Equal(t, tc.days, w.RangeDays)
			assert.Equal(t, tc.earliest, w.Earliest)
			assert.Equal(t, tc.latest, w.Latest)
		})
	}
}

func TestModalUnit(t *testing.T) {
	assert.Equal(t, UnitDay, modalUnit(nil))
	assert.Equal(t, UnitWeek, modalUnit([]Unit{UnitWeek, UnitWeek, UnitMonth}))
	assert.Equal(t, UnitMonth, modalUnit([]Unit{UnitMonth}))

	// Ties resolve toward the finer unit.
	assert.Equal(t, UnitDay, modalUnit([]Unit{UnitDay, UnitMonth}))
	assert.Equal(t, UnitWeek, modalUnit([]Unit{UnitMonth, UnitWeek}))
}
