package postgres

import (
	"context"
	"errors"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errItemNotFound = intake.NewNotFoundError(intake.CodeItemNotFound, "prescription item not found")

// ItemStore reads prescription items with their medication and patient.
type ItemStore struct {
	*TxManager
}

func NewItemStore(pool *pgxpool.Pool) *ItemStore {
	return &ItemStore{TxManager: NewTxManager(pool)}
}

// GetItem locks the item row when called inside a transaction so that
// concurrent dispenses of the same item serialize.
func (s *ItemStore) GetItem(ctx context.Context, id uuid.UUID) (*intake.PrescriptionItem, *intake.Medication, error) {
	lock := ""
	if TxFromContext(ctx) != nil {
		lock = " FOR UPDATE OF pi"
	}
	item := &intake.PrescriptionItem{}
	med := &intake.Medication{}
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT pi.id, pi.prescription_id, p.patient_id, pi.medication_id,
		       pi.requested_quantity, pi.dispensed_quantity,
		       to_char(pi.dispatch_date, 'YYYY-MM-DD'), pi.dispatch_time,
		       m.id, m.name, m.duration_days
		FROM prescription_items pi
		JOIN prescriptions p ON p.id = pi.prescription_id
		JOIN medications m ON m.id = pi.medication_id
		WHERE pi.id = $1`+lock, id).Scan(
		&item.ID, &item.PrescriptionID, &item.PatientID, &item.MedicationID,
		&item.RequestedQuantity, &item.DispensedQuantity,
		&item.DispatchDate, &item.DispatchTime,
		&med.ID, &med.Name, &med.DurationDays,
	)
	if err != nil {
		return nil, nil, storageErr("get prescription item", err, errItemNotFound)
	}
	return item, med, nil
}

func (s *ItemStore) UpdateDispatch(ctx context.Context, id uuid.UUID, dispensedQuantity int, date string, clock *string) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE prescription_items
		SET dispensed_quantity = $2, dispatch_date = $3::date, dispatch_time = $4, updated_at = NOW()
		WHERE id = $1`, id, dispensedQuantity, date, clock)
	if err != nil {
		return storageErr("update dispatch", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return errItemNotFound
	}
	return nil
}

// PatientDirectory resolves the patient profile linked to an authenticated user.
type PatientDirectory struct {
	pool *pgxpool.Pool
}

func NewPatientDirectory(pool *pgxpool.Pool) *PatientDirectory {
	return &PatientDirectory{pool: pool}
}

// PatientIDForUser returns uuid.Nil without error when the user has no profile.
func (d *PatientDirectory) PatientIDForUser(ctx context.Context, userID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.pool.QueryRow(ctx, `SELECT id FROM patients WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, storageErr("resolve patient", err, nil)
	}
	return id, nil
}
