package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizedFicheIDs(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "plain list",
			input:    []string{"101", "102", "103"},
			expected: []string{"101", "102", "103"},
		},
		{
			name:     "comma-joined entry is split",
			input:    []string{"101,102", "103"},
			expected: []string{"101", "102", "103"},
		},
		{
			name:     "whitespace trimmed, empties dropped",
			input:    []string{" 101 ", "", " ", "102"},
			expected: []string{"101", "102"},
		},
		{
			name:     "duplicates removed, first occurrence wins",
			input:    []string{"101", "102", "101", "102,101"},
			expected: []string{"101", "102"},
		},
		{
			name:     "nil input",
			input:    nil,
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := SelectionSpec{FicheIDs: tt.input}
			assert.Equal(t, tt.expected, sel.NormalizedFicheIDs())
		})
	}
}

func TestNormalizedGroupes(t *testing.T) {
	sel := SelectionSpec{Groupes: []string{"B-TEAM", " A-TEAM ", "B-TEAM", ""}}
	assert.Equal(t, []string{"A-TEAM", "B-TEAM"}, sel.NormalizedGroupes())
}

func TestRequiredFieldsPresent(t *testing.T) {
	timeOfDay := "02:00"
	dow := 1
	dom := 15
	expr := "0 3 * * *"

	tests := []struct {
		name     string
		schedule Schedule
		want     bool
	}{
		{"daily with timeOfDay", Schedule{ScheduleType: ScheduleTypeDaily, TimeOfDay: &timeOfDay}, true},
		{"daily without timeOfDay", Schedule{ScheduleType: ScheduleTypeDaily}, false},
		{"weekly complete", Schedule{ScheduleType: ScheduleTypeWeekly, TimeOfDay: &timeOfDay, DayOfWeek: &dow}, true},
		{"weekly missing dayOfWeek", Schedule{ScheduleType: ScheduleTypeWeekly, TimeOfDay: &timeOfDay}, false},
		{"monthly complete", Schedule{ScheduleType: ScheduleTypeMonthly, TimeOfDay: &timeOfDay, DayOfMonth: &dom}, true},
		{"cron with expression", Schedule{ScheduleType: ScheduleTypeCron, CronExpression: &expr}, true},
		{"cron without expression", Schedule{ScheduleType: ScheduleTypeCron}, false},
		{"manual never resolvable", Schedule{ScheduleType: ScheduleTypeManual}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.schedule.RequiredFieldsPresent())
		})
	}
}

func TestSelectionSpecRoundTrip(t *testing.T) {
	maxFiches := 25
	sel := SelectionSpec{
		Mode:      SelectionModeAPI,
		DateRange: DateRangeYesterday,
		Groupes:   []string{"RAC0"},
		MaxFiches: &maxFiches,
		UseRlm:    true,
	}

	value, err := sel.Value()
	require.NoError(t, err)

	var decoded SelectionSpec
	require.NoError(t, decoded.Scan(value))
	assert.Equal(t, sel, decoded)

	// NULL column leaves the destination untouched.
	require.NoError(t, decoded.Scan(nil))
	assert.Equal(t, sel, decoded)
}
