package intake

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxRangeDays bounds GetProgressRange.
const MaxRangeDays = 92

const monthLayout = "2006-01"

// DailyProgress summarizes one calendar day of a patient's intakes.
type DailyProgress struct {
	Date        string               `json:"date"`
	Total       int                  `json:"total"`
	Taken       int                  `json:"taken"`
	Pending     int                  `json:"pending"`
	Percentage  int                  `json:"percentage"`
	Intakes     []*IntakeDetail      `json:"intakes"`
	Medications []MedicationProgress `json:"medications"`
}

// MedicationProgress groups a day's intakes by medication.
type MedicationProgress struct {
	MedicationID   uuid.UUID `json:"medication_id"`
	MedicationName string    `json:"medication_name"`
	Total          int       `json:"total"`
	Taken          int       `json:"taken"`
	Times          []string  `json:"times"`
	DateTaken      []string  `json:"date_taken"`
}

// Stats is the compliance rollup over a set of intakes.
type Stats struct {
	Total          int `json:"total"`
	Taken          int `json:"taken"`
	Pending        int `json:"pending"`
	ComplianceRate int `json:"compliance_rate"`
}

// MonthlyStats is one YYYY-MM bucket of an IntakeHistory.
type MonthlyStats struct {
	Month string `json:"month"`
	Stats
}

// IntakeHistory is a patient's full intake record.
type IntakeHistory struct {
	Intakes          []*IntakeDetail `json:"intakes"`
	Stats            Stats           `json:"stats"`
	MonthlyBreakdown []MonthlyStats  `json:"monthly_breakdown"`
}

// GetDailyProgress summarizes the intakes scheduled on date's calendar day
// in the scheduling location.
func (s *Service) GetDailyProgress(ctx context.Context, patientID uuid.UUID, date time.Time) (*DailyProgress, error) {
	ctx, span := s.tracer.Start(ctx, "intake.daily_progress",
		trace.WithAttributes(attribute.String("patient_id", patientID.String())))
	defer span.End()

	start := s.dayStart(date)
	intakes, err := s.repo.FindByPatientAndDateRange(ctx, patientID, start, start.AddDate(0, 0, 1))
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("daily_progress", err)
	}
	return s.summarizeDay(start, intakes), nil
}

// GetProgressRange returns one DailyProgress per day in [from, to], both
// inclusive.
func (s *Service) GetProgressRange(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*DailyProgress, error) {
	start, last := s.dayStart(from), s.dayStart(to)
	if last.Before(start) {
		return nil, s.fail("progress_range", NewValidationError(CodeInvalidRange, "from must not be after to"))
	}
	days := 0
	for d := start; !d.After(last); d = d.AddDate(0, 0, 1) {
		if days++; days > MaxRangeDays {
			return nil, s.fail("progress_range", NewValidationError(CodeInvalidRange,
				fmt.Sprintf("range spans more than %d days", MaxRangeDays)))
		}
	}

	intakes, err := s.repo.FindByPatientAndDateRange(ctx, patientID, start, last.AddDate(0, 0, 1))
	if err != nil {
		return nil, s.fail("progress_range", err)
	}

	byDay := make(map[string][]*IntakeDetail, days)
	for _, in := range intakes {
		key := in.ScheduledTime.In(s.loc).Format(dateLayout)
		byDay[key] = append(byDay[key], in)
	}
	out := make([]*DailyProgress, 0, days)
	for d := start; !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, s.summarizeDay(d, byDay[d.Format(dateLayout)]))
	}
	return out, nil
}

// GetIntakeHistory returns every intake of the patient, newest first, with
// overall and per-month compliance.
func (s *Service) GetIntakeHistory(ctx context.Context, patientID uuid.UUID) (*IntakeHistory, error) {
	ctx, span := s.tracer.Start(ctx, "intake.history",
		trace.WithAttributes(attribute.String("patient_id", patientID.String())))
	defer span.End()

	intakes, err := s.repo.FindByPatient(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("history", err)
	}
	sort.SliceStable(intakes, func(i, j int) bool {
		return intakes[i].ScheduledTime.After(intakes[j].ScheduledTime)
	})

	months := map[string]*MonthlyStats{}
	var order []string
	for _, in := range intakes {
		key := in.ScheduledTime.In(s.loc).Format(monthLayout)
		m, ok := months[key]
		if !ok {
			m = &MonthlyStats{Month: key}
			months[key] = m
			order = append(order, key)
		}
		m.Total++
		if in.Taken {
			m.Taken++
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(order)))

	breakdown := make([]MonthlyStats, 0, len(order))
	for _, key := range order {
		m := months[key]
		m.Stats = newStats(m.Total, m.Taken)
		breakdown = append(breakdown, *m)
	}

	if intakes == nil {
		intakes = []*IntakeDetail{}
	}
	return &IntakeHistory{
		Intakes:          intakes,
		Stats:            newStats(len(intakes), countTaken(intakes)),
		MonthlyBreakdown: breakdown,
	}, nil
}

func (s *Service) summarizeDay(start time.Time, intakes []*IntakeDetail) *DailyProgress {
	sort.SliceStable(intakes, func(i, j int) bool {
		return intakes[i].ScheduledTime.Before(intakes[j].ScheduledTime)
	})
	if intakes == nil {
		intakes = []*IntakeDetail{}
	}

	taken := countTaken(intakes)
	p := &DailyProgress{
		Date:        start.Format(dateLayout),
		Total:       len(intakes),
		Taken:       taken,
		Pending:     len(intakes) - taken,
		Percentage:  Percentage(taken, len(intakes)),
		Intakes:     intakes,
		Medications: []MedicationProgress{},
	}

	index := map[uuid.UUID]int{}
	for _, in := range intakes {
		i, ok := index[in.MedicationID]
		if !ok {
			i = len(p.Medications)
			index[in.MedicationID] = i
			p.Medications = append(p.Medications, MedicationProgress{
				MedicationID:   in.MedicationID,
				MedicationName: in.MedicationName,
				Times:          []string{},
				DateTaken:      []string{},
			})
		}
		m := &p.Medications[i]
		clock := in.ScheduledTime.In(s.loc).Format(clockLayout)
		m.Total++
		m.Times = append(m.Times, clock)
		if in.Taken {
			m.Taken++
			m.DateTaken = append(m.DateTaken, clock)
		}
	}
	return p
}

func (s *Service) dayStart(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// Percentage returns round(taken/total*100), or 0 when total is 0.
func Percentage(taken, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(taken) * 100 / float64(total)))
}

func newStats(total, taken int) Stats {
	return Stats{
		Total:          total,
		Taken:          taken,
		Pending:        total - taken,
		ComplianceRate: Percentage(taken, total),
	}
}

func countTaken(intakes []*IntakeDetail) int {
	n := 0
	for _, in := range intakes {
		if in.Taken {
			n++
		}
	}
	return n
}
