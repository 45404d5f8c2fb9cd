// Package recurrence computes next occurrence dates for recurring tasks.
// It is pure: no I/O, deterministic for identical inputs, which is what lets
// the recurring consumer retry safely on redelivery.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"task-event-pipeline/internal/models"
)

// ErrInvalidPattern marks pattern data the engine cannot compute from
// (e.g. day_of_month=0). The consumer deactivates such patterns instead of
// retrying them forever.
var ErrInvalidPattern = errors.New("invalid recurring pattern")

// NextOccurrence returns the first occurrence date strictly after anchor.
// The boolean is false when the computed date would pass the pattern's
// end_date, meaning the recurring chain is finished. Occurrence dates are
// normalized to midnight UTC.
func NextOccurrence(p models.RecurringPattern, anchor time.Time) (time.Time, bool, error) {
	if err := ValidatePattern(p); err != nil {
		return time.Time{}, false, err
	}

	day := dateOf(anchor)
	var next time.Time
	switch p.Frequency {
	case models.FrequencyDaily:
		next = day.AddDate(0, 0, p.Interval)
	case models.FrequencyWeekly:
		next = nextWeekly(p, day)
	case models.FrequencyMonthly:
		next = nextMonthly(p, day)
	case models.FrequencyYearly:
		next = nextYearly(p, day)
	}

	if p.EndDate != nil && next.After(dateOf(*p.EndDate)) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// ValidatePattern rejects field values the engine cannot interpret.
// days_of_week is only checked for weekly frequency; the schema allows the
// column on any row but the engine never reads it elsewhere.
func ValidatePattern(p models.RecurringPattern) error {
	switch p.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly, models.FrequencyYearly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidPattern, p.Frequency)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidPattern, p.Interval)
	}
	if p.DayOfMonth != nil && (*p.DayOfMonth < 1 || *p.DayOfMonth > 31) {
		return fmt.Errorf("%w: day_of_month out of range: %d", ErrInvalidPattern, *p.DayOfMonth)
	}
	if p.MonthOfYear != nil && (*p.MonthOfYear < 1 || *p.MonthOfYear > 12) {
		return fmt.Errorf("%w: month_of_year out of range: %d", ErrInvalidPattern, *p.MonthOfYear)
	}
	if p.Frequency == models.FrequencyWeekly {
		for _, d := range p.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day_of_week out of range: %d", ErrInvalidPattern, d)
			}
		}
	}
	return nil
}

// nextWeekly picks the next selected weekday strictly after anchor. Days use
// 0=Sunday..6=Saturday and weeks start on Sunday. When no selected day remains
// in the anchor's week the search wraps forward by interval weeks.
func nextWeekly(p models.RecurringPattern, anchor time.Time) time.Time {
	if len(p.DaysOfWeek) == 0 {
		// Same weekday as anchor, every interval weeks.
		return anchor.AddDate(0, 0, 7*p.Interval)
	}

	selected := make([]int, len(p.DaysOfWeek))
	copy(selected, p.DaysOfWeek)
	sort.Ints(selected)

	weekday := int(anchor.Weekday())
	for _, d := range selected {
		if d > weekday {
			return anchor.AddDate(0, 0, d-weekday)
		}
	}

	// No day left this week: jump to the Sunday starting the week
	// interval weeks out, then take the earliest selected day.
	weekStart := anchor.AddDate(0, 0, -weekday)
	return weekStart.AddDate(0, 0, 7*p.Interval+selected[0])
}

// nextMonthly advances interval months and lands on day_of_month, clamping to
// the target month's last day when it is shorter (day 31 in February → Feb 28/29).
func nextMonthly(p models.RecurringPattern, anchor time.Time) time.Time {
	year, month := addMonths(anchor.Year(), int(anchor.Month()), p.Interval)
	day := anchor.Day()
	if p.DayOfMonth != nil {
		day = *p.DayOfMonth
	}
	return clampedDate(year, month, day)
}

// nextYearly advances interval years onto month_of_year/day_of_month with the
// same clamping rule (Feb 29 on a non-leap year → Feb 28).
func nextYearly(p models.RecurringPattern, anchor time.Time) time.Time {
	year := anchor.Year() + p.Interval
	month := int(anchor.Month())
	if p.MonthOfYear != nil {
		month = *p.MonthOfYear
	}
	day := anchor.Day()
	if p.DayOfMonth != nil {
		day = *p.DayOfMonth
	}
	return clampedDate(year, month, day)
}

func addMonths(year, month, n int) (int, int) {
	month += n
	for month > 12 {
		month -= 12
		year++
	}
	return year, month
}

func clampedDate(year, month, day int) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// daysInMonth relies on time.Date normalizing day 0 to the last day of the
// previous month.
func daysInMonth(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
