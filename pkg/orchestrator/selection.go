package orchestrator

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/qualivox/callaudit/pkg/config"
	"github.com/qualivox/callaudit/pkg/models"
)

// crmDateLayout is the CRM's date format.
const crmDateLayout = "02/01/2006"

// isoDateLayout is the admin-facing format used in custom ranges.
const isoDateLayout = "2006-01-02"

var validate = validator.New()

// canonicalizeSelection normalizes a schedule's selection into the form
// snapshotted on the run: ids trimmed and deduped, groupes sorted, the
// recordings ceiling clamped. A manual trigger's fiche override replaces
// the whole selection with an explicit manual one.
func canonicalizeSelection(spec models.SelectionSpec, override []string, now time.Time) (models.SelectionSpec, error) {
	if len(override) > 0 {
		spec.Mode = models.SelectionModeManual
		spec.FicheIDs = override
		spec.DateRange = ""
		spec.StartDate = ""
		spec.EndDate = ""
	}

	if err := validate.Struct(spec); err != nil {
		return spec, configErrorf("invalid selection: %v", err)
	}

	spec.FicheIDs = spec.NormalizedFicheIDs()
	spec.Groupes = spec.NormalizedGroupes()

	if spec.MaxRecordingsPerFiche != nil &&
		(*spec.MaxRecordingsPerFiche <= 0 || *spec.MaxRecordingsPerFiche > config.MaxRecordingsCeiling) {
		ceiling := config.MaxRecordingsCeiling
		spec.MaxRecordingsPerFiche = &ceiling
	}

	switch spec.Mode {
	case models.SelectionModeManual:
		// Empty fiche list is legal and finalizes as an empty success.
	case models.SelectionModeAPI:
		if spec.DateRange == "" {
			return spec, configErrorf("api selection requires a date range")
		}
		if spec.DateRange == models.DateRangeCustom {
			if err := validateCustomRange(spec, now); err != nil {
				return spec, err
			}
		}
	}
	return spec, nil
}

func validateCustomRange(spec models.SelectionSpec, now time.Time) error {
	if spec.StartDate == "" || spec.EndDate == "" {
		return configErrorf("custom date range requires startDate and endDate")
	}
	start, err := time.Parse(isoDateLayout, spec.StartDate)
	if err != nil {
		return configErrorf("invalid startDate %q", spec.StartDate)
	}
	end, err := time.Parse(isoDateLayout, spec.EndDate)
	if err != nil {
		return configErrorf("invalid endDate %q", spec.EndDate)
	}
	if end.Before(start) {
		return configErrorf("endDate %s precedes startDate %s", spec.EndDate, spec.StartDate)
	}
	return nil
}

// resolveDates expands a named date range into the ordered CRM-formatted
// day list (oldest first), evaluated against the schedule's timezone.
func resolveDates(spec models.SelectionSpec, loc *time.Location, now time.Time) ([]string, error) {
	today := midnight(now.In(loc))

	switch spec.DateRange {
	case models.DateRangeToday:
		return []string{today.Format(crmDateLayout)}, nil
	case models.DateRangeYesterday:
		return []string{today.AddDate(0, 0, -1).Format(crmDateLayout)}, nil
	case models.DateRangeLast7Days:
		return daySpan(today.AddDate(0, 0, -6), today), nil
	case models.DateRangeLast30Days:
		return daySpan(today.AddDate(0, 0, -29), today), nil
	case models.DateRangeCurrentMonth:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, loc)
		return daySpan(first, today), nil
	case models.DateRangePreviousMonth:
		firstOfCurrent := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, loc)
		first := firstOfCurrent.AddDate(0, -1, 0)
		return daySpan(first, firstOfCurrent.AddDate(0, 0, -1)), nil
	case models.DateRangeCustom:
		start, err := time.ParseInLocation(isoDateLayout, spec.StartDate, loc)
		if err != nil {
			return nil, configErrorf("invalid startDate %q", spec.StartDate)
		}
		end, err := time.ParseInLocation(isoDateLayout, spec.EndDate, loc)
		if err != nil {
			return nil, configErrorf("invalid endDate %q", spec.EndDate)
		}
		return daySpan(start, end), nil
	default:
		return nil, configErrorf("unknown date range %q", spec.DateRange)
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daySpan lists every day from start through end inclusive, CRM format.
func daySpan(start, end time.Time) []string {
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(crmDateLayout))
	}
	return out
}

// parseFicheIDs converts normalized string ids to int64, collecting
// unparseable entries as ignored outcomes instead of failing the run.
func parseFicheIDs(ids []string) (parsed []int64, invalid []string) {
	for _, id := range ids {
		n, err := models.ParseID(id)
		if err != nil {
			invalid = append(invalid, id)
			continue
		}
		parsed = append(parsed, n)
	}
	return parsed, invalid
}

// effectiveMaxRecordings resolves the per-fiche recordings ceiling from
// the selection and the environment, never exceeding the hard cap.
func effectiveMaxRecordings(spec models.SelectionSpec, cfg config.AutomationConfig) int {
	ceiling := cfg.MaxRecordingsPerFiche
	if ceiling <= 0 || ceiling > config.MaxRecordingsCeiling {
		ceiling = config.MaxRecordingsCeiling
	}
	if spec.MaxRecordingsPerFiche != nil && *spec.MaxRecordingsPerFiche > 0 && *spec.MaxRecordingsPerFiche < ceiling {
		return *spec.MaxRecordingsPerFiche
	}
	return ceiling
}

// capFiches truncates the id list to the selection's maxFiches, if set.
func capFiches[T any](ids []T, maxFiches *int) []T {
	if maxFiches == nil || *maxFiches <= 0 || len(ids) <= *maxFiches {
		return ids
	}
	return ids[:*maxFiches]
}

// formatDayLabel renders a CRM date as the dashed label used in ids and
// realtime payloads.
func formatDayLabel(date string) string {
	return dashedDate(date)
}
