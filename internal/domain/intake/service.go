package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Recorder receives operation counts; metrics.Metrics implements it.
type Recorder interface {
	IntakesScheduled(n int)
	IntakesDeleted(n int64)
	IntakeStateChanged(state State)
	OperationFailed(op string, kind Kind)
}

type nopRecorder struct{}

func (nopRecorder) IntakesScheduled(int)         {}
func (nopRecorder) IntakesDeleted(int64)         {}
func (nopRecorder) IntakeStateChanged(State)     {}
func (nopRecorder) OperationFailed(string, Kind) {}

// Service schedules intakes, drives their state machine and serves the
// progress views.
type Service struct {
	repo     Repository
	items    ItemStore
	events   EventWriter
	recorder Recorder
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithEventWriter records domain events alongside each mutation.
func WithEventWriter(w EventWriter) Option {
	return func(s *Service) { s.events = w }
}

// WithRecorder attaches operation metrics.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLocation sets the single wall-clock zone all schedules are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new intake service
func NewService(repo Repository, items ItemStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		items:    items,
		events:   nopEventWriter{},
		recorder: nopRecorder{},
		loc:      time.Local,
		now:      time.Now,
		logger:   logger,
		tracer:   otel.Tracer("intake-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	return s
}

// Location returns the scheduling time zone.
func (s *Service) Location() *time.Location { return s.loc }

// ScheduleIntakesForItem creates the full intake batch for a dispensed item.
// An empty dispatchDate is a no-op. The batch joins the transaction on ctx
// when present.
func (s *Service) ScheduleIntakesForItem(ctx context.Context, item *PrescriptionItem, med *Medication, dispatchDate, dispatchTime string) ([]*Intake, error) {
	ctx, span := s.tracer.Start(ctx, "intake.schedule",
		trace.WithAttributes(attribute.String("prescription_item_id", item.ID.String())))
	defer span.End()

	intakes, err := s.schedule(ctx, item, med, dispatchDate, dispatchTime)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("schedule", err)
	}
	return intakes, nil
}

func (s *Service) schedule(ctx context.Context, item *PrescriptionItem, med *Medication, dispatchDate, dispatchTime string) ([]*Intake, error) {
	if dispatchDate == "" {
		return []*Intake{}, nil
	}

	dispatchAt, err := MergeDispatch(dispatchDate, dispatchTime, s.loc)
	if err != nil {
		return nil, err
	}
	duration := 1
	if med != nil {
		duration = ParseDurationDays(med.DurationDays)
	}

	sched, err := CalculateSchedule(ScheduleInput{
		DispatchAt:        dispatchAt,
		DurationDays:      duration,
		RequestedQuantity: item.RequestedQuantity,
		DispensedQuantity: item.DispensedQuantity,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	intakes := make([]*Intake, 0, len(sched.Times))
	for _, t := range sched.Times {
		intakes = append(intakes, NewIntake(item.ID, t, now))
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateMany(ctx, intakes); err != nil {
			return err
		}
		ev, err := NewEvent(item.ID, EventIntakesScheduled, &IntakesScheduledData{
			PrescriptionItemID: item.ID.String(),
			Count:              len(intakes),
			DosesPerDay:        sched.DosesPerDay,
			IntervalHours:      sched.IntervalHours,
			FirstScheduled:     sched.Times[0],
			LastScheduled:      sched.Times[len(sched.Times)-1],
		}, now)
		if err != nil {
			return err
		}
		return s.events.WriteEvents(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.recorder.IntakesScheduled(len(intakes))
	s.logger.Info("intakes scheduled",
		zap.String("prescription_item_id", item.ID.String()),
		zap.Int("count", len(intakes)),
		zap.Int("doses_per_day", sched.DosesPerDay),
		zap.Int("interval_hours", sched.IntervalHours),
		zap.Int("duration_days", sched.DurationDays),
	)
	return intakes, nil
}

// RecalculationResult is returned by RecalculateIntakesForItem.
type RecalculationResult struct {
	DeletedCount int64     `json:"deleted_count"`
	Created      []*Intake `json:"created"`
}

// RecalculateIntakesForItem replaces the pending intakes of an item with a
// schedule computed from its current dispatch fields. Taken intakes are kept.
func (s *Service) RecalculateIntakesForItem(ctx context.Context, itemID uuid.UUID) (*RecalculationResult, error) {
	ctx, span := s.tracer.Start(ctx, "intake.recalculate",
		trace.WithAttributes(attribute.String("prescription_item_id", itemID.String())))
	defer span.End()

	var result *RecalculationResult
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		item, med, err := s.items.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		result, err = s.recalculate(ctx, item, med)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("recalculate", err)
	}
	return result, nil
}

// recalculate must run inside a transaction.
func (s *Service) recalculate(ctx context.Context, item *PrescriptionItem, med *Medication) (*RecalculationResult, error) {
	deleted, err := s.repo.DeletePendingByPrescriptionItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	created, err := s.schedule(ctx, item, med, deref(item.DispatchDate), deref(item.DispatchTime))
	if err != nil {
		return nil, err
	}

	ev, err := NewEvent(item.ID, EventIntakesRecalculated, &IntakesRecalculatedData{
		PrescriptionItemID: item.ID.String(),
		Deleted:            deleted,
		Created:            len(created),
	}, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.events.WriteEvents(ctx, ev); err != nil {
		return nil, err
	}

	s.recorder.IntakesDeleted(deleted)
	s.logger.Info("intakes recalculated",
		zap.String("prescription_item_id", item.ID.String()),
		zap.Int64("deleted", deleted),
		zap.Int("created", len(created)),
	)
	return &RecalculationResult{DeletedCount: deleted, Created: created}, nil
}

// ToggleIntake flips an intake owned by the actor between pending and taken.
func (s *Service) ToggleIntake(ctx context.Context, intakeID uuid.UUID, actor Actor) (*Intake, error) {
	ctx, span := s.tracer.Start(ctx, "intake.toggle",
		trace.WithAttributes(attribute.String("intake_id", intakeID.String())))
	defer span.End()

	detail, err := s.authorize(ctx, intakeID, actor)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("toggle", err)
	}

	next := detail.Intake.Clone()
	next.Toggle(s.now())
	updated, err := s.applyState(ctx, &detail.Intake, next, actor)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("toggle", err)
	}
	return updated, nil
}

// MarkIntakeTaken moves an intake to taken. Already-taken intakes are
// returned unchanged, keeping their original taken time.
func (s *Service) MarkIntakeTaken(ctx context.Context, intakeID uuid.UUID, actor Actor) (*Intake, error) {
	ctx, span := s.tracer.Start(ctx, "intake.mark_taken",
		trace.WithAttributes(attribute.String("intake_id", intakeID.String())))
	defer span.End()

	detail, err := s.authorize(ctx, intakeID, actor)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("mark_taken", err)
	}

	next := detail.Intake.Clone()
	if !next.MarkTaken(s.now()) {
		return next, nil
	}
	updated, err := s.applyState(ctx, &detail.Intake, next, actor)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("mark_taken", err)
	}
	return updated, nil
}

// AnnotateIntake replaces the free-text notes of an intake owned by the actor.
func (s *Service) AnnotateIntake(ctx context.Context, intakeID uuid.UUID, actor Actor, notes *string) (*Intake, error) {
	if _, err := s.authorize(ctx, intakeID, actor); err != nil {
		return nil, s.fail("annotate", err)
	}
	updated, err := s.repo.SetNotes(ctx, intakeID, notes)
	if err != nil {
		return nil, s.fail("annotate", err)
	}
	s.logger.Info("intake annotated",
		zap.String("intake_id", intakeID.String()),
		zap.String("user_id", actor.UserID),
	)
	return updated, nil
}

// ListItemIntakes returns every intake of an item owned by the actor.
func (s *Service) ListItemIntakes(ctx context.Context, itemID uuid.UUID, actor Actor) ([]*Intake, error) {
	item, _, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, s.fail("list_item", err)
	}
	patientID, err := RequirePatient(actor)
	if err != nil {
		return nil, s.fail("list_item", err)
	}
	if item.PatientID != patientID {
		return nil, s.fail("list_item", NewForbiddenError())
	}
	intakes, err := s.repo.FindByPrescriptionItem(ctx, itemID)
	if err != nil {
		return nil, s.fail("list_item", err)
	}
	return intakes, nil
}

// authorize loads the intake and checks that the actor's patient owns it.
func (s *Service) authorize(ctx context.Context, intakeID uuid.UUID, actor Actor) (*IntakeDetail, error) {
	detail, err := s.repo.Get(ctx, intakeID)
	if err != nil {
		return nil, err
	}
	patientID, err := RequirePatient(actor)
	if err != nil {
		return nil, err
	}
	if detail.PatientID != patientID {
		s.logger.Warn("intake ownership check failed",
			zap.String("intake_id", intakeID.String()),
			zap.String("user_id", actor.UserID),
		)
		return nil, NewForbiddenError()
	}
	return detail, nil
}

// applyState persists prev → next with compare-and-set and records the event.
func (s *Service) applyState(ctx context.Context, prev, next *Intake, actor Actor) (*Intake, error) {
	var updated *Intake
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.SetTaken(ctx, prev.ID, prev.Taken, next.TakenTime)
		if err != nil {
			return err
		}
		eventType := EventIntakeUntaken
		if updated.Taken {
			eventType = EventIntakeTaken
		}
		ev, err := NewEvent(updated.PrescriptionItemID, eventType, &IntakeStateChangedData{
			IntakeID:           updated.ID.String(),
			PrescriptionItemID: updated.PrescriptionItemID.String(),
			ScheduledTime:      updated.ScheduledTime,
			TakenTime:          updated.TakenTime,
		}, s.now())
		if err != nil {
			return err
		}
		return s.events.WriteEvents(ctx, ev.WithActor(actor.UserID))
	})
	if err != nil {
		return nil, err
	}

	s.recorder.IntakeStateChanged(updated.State())
	s.logger.Info("intake state changed",
		zap.String("intake_id", updated.ID.String()),
		zap.String("from", string(prev.State())),
		zap.String("to", string(updated.State())),
		zap.String("user_id", actor.UserID),
	)
	return updated, nil
}

func (s *Service) fail(op string, err error) error {
	s.recorder.OperationFailed(op, KindOf(err))
	return err
}
