package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DispenseEvent is the typed record a pharmacy dispense arrives as, whether
// from CSV import, the message bus or the HTTP API.
type DispenseEvent struct {
	ItemID            uuid.UUID `json:"prescription_item_id"`
	DispensedQuantity int       `json:"dispensed_quantity"`
	DispatchDate      string    `json:"dispatch_date"`
	DispatchTime      string    `json:"dispatch_time,omitempty"`
}

// Normalize rewrites the date as YYYY-MM-DD and the time as HH:MM in loc.
func (e *DispenseEvent) Normalize(loc *time.Location) error {
	if err := e.Validate(); err != nil {
		return err
	}
	day, err := ParseDispatchDate(e.DispatchDate, loc)
	if err != nil {
		return err
	}
	clock, err := NormalizeClock(e.DispatchTime)
	if err != nil {
		return err
	}
	e.DispatchDate = day.Format(dateLayout)
	e.DispatchTime = clock
	return nil
}

// Validate checks the fields that do not depend on a time zone.
func (e *DispenseEvent) Validate() error {
	if e.ItemID == uuid.Nil {
		return NewValidationError(CodeInvalidDispense, "prescription_item_id is required")
	}
	if e.DispensedQuantity < 0 {
		return NewValidationError(CodeInvalidDispense,
			fmt.Sprintf("dispensed quantity must not be negative, got %d", e.DispensedQuantity))
	}
	if e.DispatchDate == "" {
		return NewValidationError(CodeInvalidDispense, "dispatch_date is required")
	}
	return nil
}

// DispenseAction says what RecordDispense did.
type DispenseAction string

const (
	ActionScheduled    DispenseAction = "scheduled"
	ActionRecalculated DispenseAction = "recalculated"
	ActionUnchanged    DispenseAction = "unchanged"
)

// DispenseOutcome is returned by RecordDispense.
type DispenseOutcome struct {
	ItemID  uuid.UUID      `json:"prescription_item_id"`
	Action  DispenseAction `json:"action"`
	Created int            `json:"created"`
	Deleted int64          `json:"deleted"`
}

// RecordDispense stores new dispatch data on an item and brings its intakes
// in line with it: the first dispatch schedules, a changed dispatch
// recalculates and a repeated one does nothing. Everything runs in one
// transaction.
func (s *Service) RecordDispense(ctx context.Context, ev DispenseEvent) (*DispenseOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "intake.record_dispense",
		trace.WithAttributes(attribute.String("prescription_item_id", ev.ItemID.String())))
	defer span.End()

	if err := ev.Normalize(s.loc); err != nil {
		return nil, s.fail("record_dispense", err)
	}

	var out *DispenseOutcome
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		item, med, err := s.items.GetItem(ctx, ev.ItemID)
		if err != nil {
			return err
		}

		out = &DispenseOutcome{ItemID: item.ID, Action: ActionUnchanged}
		hadDispatch := item.Dispatched()
		if hadDispatch && !dispatchChanged(item, ev) {
			return nil
		}

		var clock *string
		if ev.DispatchTime != "" {
			c := ev.DispatchTime
			clock = &c
		}
		if err := s.items.UpdateDispatch(ctx, item.ID, ev.DispensedQuantity, ev.DispatchDate, clock); err != nil {
			return err
		}
		date := ev.DispatchDate
		item.DispatchDate = &date
		item.DispatchTime = clock
		item.DispensedQuantity = ev.DispensedQuantity

		if !hadDispatch {
			created, err := s.schedule(ctx, item, med, ev.DispatchDate, ev.DispatchTime)
			if err != nil {
				return err
			}
			out.Action = ActionScheduled
			out.Created = len(created)
			return nil
		}

		res, err := s.recalculate(ctx, item, med)
		if err != nil {
			return err
		}
		out.Action = ActionRecalculated
		out.Created = len(res.Created)
		out.Deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail("record_dispense", err)
	}

	span.SetAttributes(attribute.String("action", string(out.Action)))
	s.logger.Info("dispense recorded",
		zap.String("prescription_item_id", out.ItemID.String()),
		zap.String("action", string(out.Action)),
		zap.Int("created", out.Created),
		zap.Int64("deleted", out.Deleted),
	)
	return out, nil
}

func dispatchChanged(item *PrescriptionItem, ev DispenseEvent) bool {
	return deref(item.DispatchDate) != ev.DispatchDate ||
		deref(item.DispatchTime) != ev.DispatchTime ||
		item.DispensedQuantity != ev.DispensedQuantity
}
