package services

import (
	"time"

	"github.com/rentfolio/backend/internal/models"
)

// GenerateBillingWindows computes the billing periods due for a run date.
// Pure and deterministic: the generator runs on a daily schedule and this
// gating is what makes that safe. Quarterly and annual frequencies produce
// windows only on their boundary dates; every other day they are empty.
func GenerateBillingWindows(freq models.BillingFrequency, runDate time.Time) []models.BillingWindow {
	day := dateOnly(runDate)

	switch freq {
	case models.FrequencyMonthly:
		// The calendar month immediately preceding the run date's month.
		end := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		start := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
		return []models.BillingWindow{{Start: start, End: end}}

	case models.FrequencyWeekly:
		// Every Monday-Sunday week whose Sunday falls within the prior
		// calendar month. 4 or 5 windows depending on the month.
		monthEnd := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
		monthStart := time.Date(monthEnd.Year(), monthEnd.Month(), 1, 0, 0, 0, 0, time.UTC)

		var windows []models.BillingWindow
		for d := monthStart; !d.After(monthEnd); d = d.AddDate(0, 0, 1) {
			if d.Weekday() != time.Sunday {
				continue
			}
			windows = append(windows, models.BillingWindow{
				Start: d.AddDate(0, 0, -6),
				End:   d,
			})
		}
		return windows

	case models.FrequencyQuarterly:
		if day.Day() != 1 {
			return nil
		}
		switch day.Month() {
		case time.January, time.April, time.July, time.October:
		default:
			return nil
		}
		start := day.AddDate(0, -3, 0)
		return []models.BillingWindow{{Start: start, End: day.AddDate(0, 0, -1)}}

	case models.FrequencyAnnually:
		if day.Month() != time.January || day.Day() != 1 {
			return nil
		}
		return []models.BillingWindow{{
			Start: time.Date(day.Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(day.Year()-1, time.December, 31, 0, 0, 0, 0, time.UTC),
		}}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
