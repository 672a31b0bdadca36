package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/config"
	"github.com/qualivox/callaudit/pkg/models"
)

func TestResolveDates_NamedRanges(t *testing.T) {
	loc := time.UTC
	// Sunday 15 March 2026, mid-afternoon.
	now := time.Date(2026, 3, 15, 14, 30, 0, 0, loc)

	tests := []struct {
		name  string
		spec  models.SelectionSpec
		first string
		last  string
		count int
	}{
		{
			name:  "today",
			spec:  models.SelectionSpec{DateRange: models.DateRangeToday},
			first: "15/03/2026", last: "15/03/2026", count: 1,
		},
		{
			name:  "yesterday",
			spec:  models.SelectionSpec{DateRange: models.DateRangeYesterday},
			first: "14/03/2026", last: "14/03/2026", count: 1,
		},
		{
			name:  "last 7 days includes today",
			spec:  models.SelectionSpec{DateRange: models.DateRangeLast7Days},
			first: "09/03/2026", last: "15/03/2026", count: 7,
		},
		{
			name:  "last 30 days includes today",
			spec:  models.SelectionSpec{DateRange: models.DateRangeLast30Days},
			first: "14/02/2026", last: "15/03/2026", count: 30,
		},
		{
			name:  "current month runs to today",
			spec:  models.SelectionSpec{DateRange: models.DateRangeCurrentMonth},
			first: "01/03/2026", last: "15/03/2026", count: 15,
		},
		{
			name:  "previous month is the whole month",
			spec:  models.SelectionSpec{DateRange: models.DateRangePreviousMonth},
			first: "01/02/2026", last: "28/02/2026", count: 28,
		},
		{
			name: "custom inclusive span",
			spec: models.SelectionSpec{
				DateRange: models.DateRangeCustom,
				StartDate: "2026-03-01",
				EndDate:   "2026-03-03",
			},
			first: "01/03/2026", last: "03/03/2026", count: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dates, err := resolveDates(tt.spec, loc, now)
			require.NoError(t, err)
			require.Len(t, dates, tt.count)
			assert.Equal(t, tt.first, dates[0])
			assert.Equal(t, tt.last, dates[len(dates)-1])
		})
	}
}

func TestResolveDates_TimezoneShiftsToday(t *testing.T) {
	auckland, err := time.LoadLocation("Pacific/Auckland")
	require.NoError(t, err)

	// 23:30 UTC on the 15th is already the 16th in Auckland.
	now := time.Date(2026, 3, 15, 23, 30, 0, 0, time.UTC)

	spec := models.SelectionSpec{DateRange: models.DateRangeToday}
	utcDates, err := resolveDates(spec, time.UTC, now)
	require.NoError(t, err)
	nzDates, err := resolveDates(spec, auckland, now)
	require.NoError(t, err)

	assert.Equal(t, []string{"15/03/2026"}, utcDates)
	assert.Equal(t, []string{"16/03/2026"}, nzDates)
}

func TestResolveDates_UnknownRange(t *testing.T) {
	_, err := resolveDates(models.SelectionSpec{DateRange: "fortnight"}, time.UTC, time.Now())
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestCanonicalizeSelection_OverrideForcesManual(t *testing.T) {
	spec := models.SelectionSpec{
		Mode:      models.SelectionModeAPI,
		DateRange: models.DateRangeLast7Days,
		Groupes:   []string{"VENTE"},
	}

	out, err := canonicalizeSelection(spec, []string{"42", "43,44", " 42 "}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.SelectionModeManual, out.Mode)
	assert.Equal(t, []string{"42", "43", "44"}, out.FicheIDs)
	assert.Empty(t, out.DateRange)
	assert.Empty(t, out.StartDate)
}

func TestCanonicalizeSelection_APIRequiresDateRange(t *testing.T) {
	_, err := canonicalizeSelection(models.SelectionSpec{Mode: models.SelectionModeAPI}, nil, time.Now())
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestCanonicalizeSelection_CustomRangeValidation(t *testing.T) {
	base := models.SelectionSpec{
		Mode:      models.SelectionModeAPI,
		DateRange: models.DateRangeCustom,
	}

	missing := base
	_, err := canonicalizeSelection(missing, nil, time.Now())
	require.Error(t, err)

	inverted := base
	inverted.StartDate = "2026-03-10"
	inverted.EndDate = "2026-03-01"
	_, err = canonicalizeSelection(inverted, nil, time.Now())
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	valid := base
	valid.StartDate = "2026-03-01"
	valid.EndDate = "2026-03-10"
	_, err = canonicalizeSelection(valid, nil, time.Now())
	require.NoError(t, err)
}

func TestCanonicalizeSelection_ClampsRecordingsCeiling(t *testing.T) {
	tooHigh := 500
	spec := models.SelectionSpec{
		Mode:                  models.SelectionModeManual,
		MaxRecordingsPerFiche: &tooHigh,
	}
	out, err := canonicalizeSelection(spec, nil, time.Now())
	require.NoError(t, err)
	require.NotNil(t, out.MaxRecordingsPerFiche)
	assert.Equal(t, config.MaxRecordingsCeiling, *out.MaxRecordingsPerFiche)
}

func TestEffectiveMaxRecordings(t *testing.T) {
	cfg := config.AutomationConfig{MaxRecordingsPerFiche: 30}

	assert.Equal(t, 30, effectiveMaxRecordings(models.SelectionSpec{}, cfg))

	ten := 10
	assert.Equal(t, 10, effectiveMaxRecordings(models.SelectionSpec{MaxRecordingsPerFiche: &ten}, cfg))

	// Selection can never raise the environment ceiling.
	hundred := 100
	assert.Equal(t, 30, effectiveMaxRecordings(models.SelectionSpec{MaxRecordingsPerFiche: &hundred}, cfg))

	// A zero config ceiling falls back to the hard cap.
	assert.Equal(t, config.MaxRecordingsCeiling, effectiveMaxRecordings(models.SelectionSpec{}, config.AutomationConfig{}))
}

func TestParseFicheIDs(t *testing.T) {
	parsed, invalid := parseFicheIDs([]string{"12", "abc", "9007199254740993", ""})
	assert.Equal(t, []int64{12, 9007199254740993}, parsed)
	assert.Equal(t, []string{"abc", ""}, invalid)
}

func TestCapFiches(t *testing.T) {
	ids := []int64{1, 2, 3, 4}
	assert.Equal(t, ids, capFiches(ids, nil))
	three := 3
	assert.Equal(t, []int64{1, 2, 3}, capFiches(ids, &three))
	zero := 0
	assert.Equal(t, ids, capFiches(ids, &zero))
}
