package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists intakes. Implementations join the transaction started
// by WithinTx when one is carried by ctx.
type Repository interface {
	// WithinTx runs fn in a transaction, reusing one already on ctx.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, in *Intake) error
	CreateMany(ctx context.Context, ins []*Intake) error
	Get(ctx context.Context, id uuid.UUID) (*IntakeDetail, error)
	FindByPrescriptionItem(ctx context.Context, itemID uuid.UUID) ([]*Intake, error)
	// FindByPatientAndDateRange returns intakes scheduled in [start, end).
	FindByPatientAndDateRange(ctx context.Context, patientID uuid.UUID, start, end time.Time) ([]*IntakeDetail, error)
	FindByPatient(ctx context.Context, patientID uuid.UUID) ([]*IntakeDetail, error)
	DeletePendingByPrescriptionItem(ctx context.Context, itemID uuid.UUID) (int64, error)

	// SetTaken writes taken = (takenTime != nil) only if the stored value
	// still equals expectTaken, and returns a conflict error otherwise.
	SetTaken(ctx context.Context, id uuid.UUID, expectTaken bool, takenTime *time.Time) (*Intake, error)
	SetNotes(ctx context.Context, id uuid.UUID, notes *string) (*Intake, error)
}

// ItemStore reads prescription items and records dispatch data on them.
type ItemStore interface {
	GetItem(ctx context.Context, id uuid.UUID) (*PrescriptionItem, *Medication, error)
	UpdateDispatch(ctx context.Context, id uuid.UUID, dispensedQuantity int, date string, clock *string) error
}
