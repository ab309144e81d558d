package intake

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestCalculateSchedule_TwiceDailyForFiveDays(t *testing.T) {
	s, err := CalculateSchedule(ScheduleInput{
		DispatchAt:        at(2024, 1, 10, 14, 30),
		DurationDays:      5,
		DispensedQuantity: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, s.DosesPerDay)
	assert.Equal(t, 12, s.IntervalHours)
	require.Len(t, s.Times, 10)
	assert.Equal(t, at(2024, 1, 11, 8, 0), s.Times[0])
	assert.Equal(t, at(2024, 1, 11, 20, 0), s.Times[1])
	assert.Equal(t, at(2024, 1, 12, 8, 0), s.Times[2])
	assert.Equal(t, at(2024, 1, 15, 20, 0), s.Times[9])
}

func TestCalculateSchedule_QuantityFallback(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		dispensed int
		duration  int
		wantDoses int
		wantCount int
	}{
		{"dispensed wins", 30, 3, 3, 1, 3},
		{"requested when dispensed is zero", 6, 0, 3, 2, 6},
		{"one when both are zero", 0, 0, 1, 1, 1},
		{"ceil of uneven split", 7, 0, 3, 3, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := CalculateSchedule(ScheduleInput{
				DispatchAt:        at(2024, 3, 1, 9, 0),
				DurationDays:      tt.duration,
				RequestedQuantity: tt.requested,
				DispensedQuantity: tt.dispensed,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDoses, s.DosesPerDay)
			assert.Len(t, s.Times, tt.wantCount)
		})
	}
}

func TestCalculateSchedule_Ordering(t *testing.T) {
	s, err := CalculateSchedule(ScheduleInput{
		DispatchAt:        at(2024, 2, 27, 23, 59),
		DurationDays:      4,
		DispensedQuantity: 12,
	})
	require.NoError(t, err)
	require.Len(t, s.Times, s.DurationDays*s.DosesPerDay)

	dispatchDay := at(2024, 2, 28, 0, 0)
	for i, ts := range s.Times {
		assert.False(t, ts.Before(dispatchDay), "time %d before the day after dispatch", i)
		if i > 0 {
			assert.True(t, ts.After(s.Times[i-1]), "time %d not ascending", i)
		}
	}
	// Leap day is a regular calendar day.
	assert.Equal(t, at(2024, 2, 29, 8, 0), s.Times[3])
}

func TestCalculateSchedule_HourOverflowRollsIntoNextDay(t *testing.T) {
	s, err := CalculateSchedule(ScheduleInput{
		DispatchAt:        at(2024, 1, 1, 10, 0),
		DurationDays:      1,
		DispensedQuantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, s.IntervalHours)
	assert.Equal(t, []time.Time{
		at(2024, 1, 2, 8, 0),
		at(2024, 1, 2, 12, 0),
		at(2024, 1, 2, 16, 0),
		at(2024, 1, 2, 20, 0),
		at(2024, 1, 3, 0, 0),
	}, s.Times)
}

func TestCalculateSchedule_Deterministic(t *testing.T) {
	in := ScheduleInput{DispatchAt: at(2024, 5, 5, 12, 0), DurationDays: 7, DispensedQuantity: 21}
	a, err := CalculateSchedule(in)
	require.NoError(t, err)
	b, err := CalculateSchedule(in)
	require.NoError(t, err)
	assert.Equal(t, a.Times, b.Times)
}

func TestCalculateSchedule_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   ScheduleInput
	}{
		{"missing dispatch", ScheduleInput{DurationDays: 1, DispensedQuantity: 1}},
		{"zero duration", ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DispensedQuantity: 1}},
		{"more than 24 doses a day", ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DurationDays: 1, DispensedQuantity: 25}},
		{"duration beyond a year", ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DurationDays: 367, DispensedQuantity: 367}},
		{"unbounded free-text duration", ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DurationDays: ParseDurationDays("100000000000000"), DispensedQuantity: 1}},
		{"quantity near int max", ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DurationDays: 2, DispensedQuantity: math.MaxInt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculateSchedule(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Equal(t, KindValidation, KindOf(err))
			assert.True(t, errors.Is(err, &Error{Kind: KindValidation, Code: CodeInvalidCalculationInput}))
		})
	}
}

func TestCalculateSchedule_YearLongCourse(t *testing.T) {
	s, err := CalculateSchedule(ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DurationDays: maxDurationDays, DispensedQuantity: maxDurationDays + 1})
	require.NoError(t, err)
	assert.Equal(t, 2, s.DosesPerDay)
	assert.Len(t, s.Times, 2*maxDurationDays)
}

func TestCalculateSchedule_TwentyFourDosesIsHourly(t *testing.T) {
	s, err := CalculateSchedule(ScheduleInput{DispatchAt: at(2024, 1, 1, 0, 0), DurationDays: 1, DispensedQuantity: 24})
	require.NoError(t, err)
	assert.Equal(t, 1, s.IntervalHours)
	assert.Equal(t, at(2024, 1, 3, 7, 0), s.Times[23])
}

func TestParseDurationDays(t *testing.T) {
	assert.Equal(t, 7, ParseDurationDays("7"))
	assert.Equal(t, 14, ParseDurationDays(" 14 days"))
	assert.Equal(t, 1, ParseDurationDays(""))
	assert.Equal(t, 1, ParseDurationDays("ongoing"))
	assert.Equal(t, 1, ParseDurationDays("0"))
}

func TestMergeDispatch(t *testing.T) {
	got, err := MergeDispatch("2024-01-10", "14:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 10, 14, 30), got)

	got, err = MergeDispatch("2024-01-10", "", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 10, 0, 0), got)

	got, err = MergeDispatch("2024-01-10T22:00:00Z", "9:05", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 1, 10, 9, 5), got)

	_, err = MergeDispatch("10/01/2024", "", time.UTC)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = MergeDispatch("2024-01-10", "2pm", time.UTC)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeClock(t *testing.T) {
	c, err := NormalizeClock("9:05")
	require.NoError(t, err)
	assert.Equal(t, "09:05", c)

	c, err = NormalizeClock("")
	require.NoError(t, err)
	assert.Empty(t, c)
}
