// Package intake implements medication-intake scheduling, the per-dose
// taken/pending state machine and the read-side progress views.
package intake

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a single intake.
type State string

const (
	StatePending State = "pending"
	StateTaken   State = "taken"
)

// Intake is one scheduled dose of a prescription item.
type Intake struct {
	ID                 uuid.UUID  `json:"id"`
	PrescriptionItemID uuid.UUID  `json:"prescription_item_id"`
	ScheduledTime      time.Time  `json:"scheduled_time"`
	Taken              bool       `json:"taken"`
	TakenTime          *time.Time `json:"taken_time"`
	Notes              *string    `json:"notes,omitempty"`
	ReminderSent       bool       `json:"reminder_sent"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewIntake returns a pending intake for itemID due at scheduled.
func NewIntake(itemID uuid.UUID, scheduled, now time.Time) *Intake {
	return &Intake{
		ID:                 uuid.New(),
		PrescriptionItemID: itemID,
		ScheduledTime:      scheduled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// State returns the current state.
func (i *Intake) State() State {
	if i.Taken {
		return StateTaken
	}
	return StatePending
}

// Toggle flips the intake between pending and taken and returns the new state.
func (i *Intake) Toggle(now time.Time) State {
	if i.Taken {
		i.Taken = false
		i.TakenTime = nil
	} else {
		i.Taken = true
		t := now
		i.TakenTime = &t
	}
	i.UpdatedAt = now
	return i.State()
}

// MarkTaken moves a pending intake to taken. It reports false and leaves the
// intake untouched when it was already taken.
func (i *Intake) MarkTaken(now time.Time) bool {
	if i.Taken {
		return false
	}
	i.Toggle(now)
	return true
}

// Clone returns a deep copy.
func (i *Intake) Clone() *Intake {
	c := *i
	if i.TakenTime != nil {
		t := *i.TakenTime
		c.TakenTime = &t
	}
	if i.Notes != nil {
		n := *i.Notes
		c.Notes = &n
	}
	return &c
}

// IntakeDetail is an intake joined with its ownership chain and medication.
type IntakeDetail struct {
	Intake
	PatientID      uuid.UUID `json:"patient_id"`
	PrescriptionID uuid.UUID `json:"prescription_id"`
	MedicationID   uuid.UUID `json:"medication_id"`
	MedicationName string    `json:"medication_name"`
}
