package intake

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// firstDoseHour is the wall-clock hour of the first dose on each day.
	firstDoseHour = 8
	// maxDosesPerDay keeps the dose interval at one hour or more.
	maxDosesPerDay = 24
	// maxDurationDays bounds one course of treatment to a year.
	maxDurationDays = 366

	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// ScheduleInput carries everything the calculator needs.
type ScheduleInput struct {
	DispatchAt        time.Time
	DurationDays      int
	RequestedQuantity int
	DispensedQuantity int
}

// Schedule is the calculator output.
type Schedule struct {
	DosesPerDay   int
	IntervalHours int
	DurationDays  int
	Times         []time.Time
}

// EffectiveQuantity falls back from dispensed to requested to 1.
func EffectiveQuantity(dispensed, requested int) int {
	if dispensed > 0 {
		return dispensed
	}
	if requested > 0 {
		return requested
	}
	return 1
}

// CalculateSchedule derives the intake timestamps for one dispensed item.
// Doses start the calendar day after dispatch at 08:00 in the location of
// in.DispatchAt and repeat every floor(24/dosesPerDay) hours.
func CalculateSchedule(in ScheduleInput) (*Schedule, error) {
	if in.DispatchAt.IsZero() {
		return nil, NewValidationError(CodeInvalidCalculationInput, "dispatch time is required")
	}
	if in.DurationDays <= 0 {
		return nil, NewValidationError(CodeInvalidCalculationInput,
			fmt.Sprintf("duration must be positive, got %d", in.DurationDays))
	}
	if in.DurationDays > maxDurationDays {
		return nil, NewValidationError(CodeInvalidCalculationInput,
			fmt.Sprintf("duration of %d days exceeds the maximum of %d", in.DurationDays, maxDurationDays))
	}

	qty := EffectiveQuantity(in.DispensedQuantity, in.RequestedQuantity)
	dosesPerDay := qty / in.DurationDays
	if qty%in.DurationDays != 0 {
		dosesPerDay++
	}
	if dosesPerDay > maxDosesPerDay {
		return nil, NewValidationError(CodeInvalidCalculationInput,
			fmt.Sprintf("%d doses per day exceeds the maximum of %d", dosesPerDay, maxDosesPerDay))
	}
	interval := 24 / dosesPerDay
	if interval <= 0 {
		return nil, NewValidationError(CodeInvalidCalculationInput, "dose interval must be positive")
	}

	loc := in.DispatchAt.Location()
	y, m, d := in.DispatchAt.Date()
	times := make([]time.Time, 0, in.DurationDays*dosesPerDay)
	for day := 0; day < in.DurationDays; day++ {
		for dose := 0; dose < dosesPerDay; dose++ {
			// time.Date normalizes hour overflow into the following day.
			times = append(times, time.Date(y, m, d+1+day, firstDoseHour+dose*interval, 0, 0, 0, loc))
		}
	}

	return &Schedule{
		DosesPerDay:   dosesPerDay,
		IntervalHours: interval,
		DurationDays:  in.DurationDays,
		Times:         times,
	}, nil
}

// ParseDurationDays parses a medication's duration, defaulting to 1.
func ParseDurationDays(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1
	}
	// Accept leading digits such as "7 days".
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(raw[:end])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// MergeDispatch combines a dispatch date (YYYY-MM-DD, or an RFC 3339
// timestamp whose local date is used) with an optional HH:MM time in loc.
func MergeDispatch(date, clock string, loc *time.Location) (time.Time, error) {
	day, err := ParseDispatchDate(date, loc)
	if err != nil {
		return time.Time{}, err
	}
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return day, nil
	}
	hm, err := time.Parse(clockLayout, clock)
	if err != nil {
		return time.Time{}, NewValidationError(CodeInvalidDispense,
			fmt.Sprintf("dispatch time %q is not HH:MM", clock))
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, hm.Hour(), hm.Minute(), 0, 0, day.Location()), nil
}

// ParseDispatchDate returns midnight of the given date in loc.
func ParseDispatchDate(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	date = strings.TrimSpace(date)
	if t, err := time.ParseInLocation(dateLayout, date, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		y, m, d := t.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}
	return time.Time{}, NewValidationError(CodeInvalidDispense,
		fmt.Sprintf("dispatch date %q is not YYYY-MM-DD", date))
}

// NormalizeClock returns clock formatted as HH:MM, or "" for an empty input.
func NormalizeClock(clock string) (string, error) {
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return "", nil
	}
	t, err := time.Parse(clockLayout, clock)
	if err != nil {
		return "", NewValidationError(CodeInvalidDispense,
			fmt.Sprintf("dispatch time %q is not HH:MM", clock))
	}
	return t.Format(clockLayout), nil
}
