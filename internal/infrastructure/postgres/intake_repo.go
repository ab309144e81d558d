package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const intakeColumns = `i.id, i.prescription_item_id, i.scheduled_time, i.taken, i.taken_time,
	i.notes, i.reminder_sent, i.created_at, i.updated_at`

const detailColumns = intakeColumns + `, p.patient_id, pi.prescription_id, pi.medication_id, m.name`

const detailJoin = `FROM medication_intakes i
	JOIN prescription_items pi ON pi.id = i.prescription_item_id
	JOIN prescriptions p ON p.id = pi.prescription_id
	JOIN medications m ON m.id = pi.medication_id`

var errIntakeNotFound = intake.NewNotFoundError(intake.CodeIntakeNotFound, "intake not found")

// IntakeRepository is the pgx implementation of intake.Repository.
type IntakeRepository struct {
	*TxManager
}

func NewIntakeRepository(pool *pgxpool.Pool) *IntakeRepository {
	return &IntakeRepository{TxManager: NewTxManager(pool)}
}

func (r *IntakeRepository) Create(ctx context.Context, in *intake.Intake) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_intakes
		    (id, prescription_item_id, scheduled_time, taken, taken_time, notes, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.PrescriptionItemID, in.ScheduledTime, in.Taken, in.TakenTime,
		in.Notes, in.ReminderSent, in.CreatedAt, in.UpdatedAt)
	return storageErr("create intake", err, nil)
}

// CreateMany bulk-loads a batch with COPY.
func (r *IntakeRepository) CreateMany(ctx context.Context, ins []*intake.Intake) error {
	if len(ins) == 0 {
		return nil
	}
	_, err := r.conn(ctx).CopyFrom(ctx,
		pgx.Identifier{"medication_intakes"},
		[]string{"id", "prescription_item_id", "scheduled_time", "taken", "taken_time",
			"notes", "reminder_sent", "created_at", "updated_at"},
		pgx.CopyFromSlice(len(ins), func(i int) ([]any, error) {
			in := ins[i]
			return []any{in.ID, in.PrescriptionItemID, in.ScheduledTime, in.Taken, in.TakenTime,
				in.Notes, in.ReminderSent, in.CreatedAt, in.UpdatedAt}, nil
		}),
	)
	return storageErr("create intakes", err, nil)
}

func (r *IntakeRepository) Get(ctx context.Context, id uuid.UUID) (*intake.IntakeDetail, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+detailColumns+` `+detailJoin+` WHERE i.id = $1`, id)
	d, err := scanDetail(row)
	if err != nil {
		return nil, storageErr("get intake", err, errIntakeNotFound)
	}
	return d, nil
}

func (r *IntakeRepository) FindByPrescriptionItem(ctx context.Context, itemID uuid.UUID) ([]*intake.Intake, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+intakeColumns+`
		FROM medication_intakes i
		WHERE i.prescription_item_id = $1
		ORDER BY i.scheduled_time ASC`, itemID)
	if err != nil {
		return nil, storageErr("find intakes by item", err, nil)
	}
	defer rows.Close()

	out := []*intake.Intake{}
	for rows.Next() {
		in, err := scanIntake(rows)
		if err != nil {
			return nil, storageErr("scan intake", err, nil)
		}
		out = append(out, in)
	}
	return out, storageErr("iterate intakes", rows.Err(), nil)
}

func (r *IntakeRepository) FindByPatientAndDateRange(ctx context.Context, patientID uuid.UUID, start, end time.Time) ([]*intake.IntakeDetail, error) {
	return r.queryDetails(ctx, "find intakes by range", `
		SELECT `+detailColumns+` `+detailJoin+`
		WHERE p.patient_id = $1 AND i.scheduled_time >= $2 AND i.scheduled_time < $3
		ORDER BY i.scheduled_time ASC`, patientID, start, end)
}

func (r *IntakeRepository) FindByPatient(ctx context.Context, patientID uuid.UUID) ([]*intake.IntakeDetail, error) {
	return r.queryDetails(ctx, "find intakes by patient", `
		SELECT `+detailColumns+` `+detailJoin+`
		WHERE p.patient_id = $1
		ORDER BY i.scheduled_time DESC`, patientID)
}

func (r *IntakeRepository) queryDetails(ctx context.Context, op, sql string, args ...any) ([]*intake.IntakeDetail, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr(op, err, nil)
	}
	defer rows.Close()

	out := []*intake.IntakeDetail{}
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, storageErr(op, err, nil)
		}
		out = append(out, d)
	}
	return out, storageErr(op, rows.Err(), nil)
}

func (r *IntakeRepository) DeletePendingByPrescriptionItem(ctx context.Context, itemID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM medication_intakes
		WHERE prescription_item_id = $1 AND taken = FALSE`, itemID)
	if err != nil {
		return 0, storageErr("delete pending intakes", err, nil)
	}
	return tag.RowsAffected(), nil
}

// SetTaken updates taken/taken_time only while taken still equals
// expectTaken. A miss is reported as a conflict when the row exists.
func (r *IntakeRepository) SetTaken(ctx context.Context, id uuid.UUID, expectTaken bool, takenTime *time.Time) (*intake.Intake, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE medication_intakes i
		SET taken = $3, taken_time = $4, updated_at = NOW()
		WHERE i.id = $1 AND i.taken = $2
		RETURNING `+intakeColumns,
		id, expectTaken, takenTime != nil, takenTime)
	in, err := scanIntake(row)
	if err == nil {
		return in, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageErr("update intake", err, nil)
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medication_intakes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, storageErr("update intake", err, nil)
	}
	if !exists {
		return nil, errIntakeNotFound
	}
	return nil, intake.NewConflictError(intake.CodeStaleIntake, "intake was changed concurrently")
}

func (r *IntakeRepository) SetNotes(ctx context.Context, id uuid.UUID, notes *string) (*intake.Intake, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE medication_intakes i
		SET notes = $2, updated_at = NOW()
		WHERE i.id = $1
		RETURNING `+intakeColumns, id, notes)
	in, err := scanIntake(row)
	if err != nil {
		return nil, storageErr("update intake notes", err, errIntakeNotFound)
	}
	return in, nil
}

func scanIntake(row pgx.Row) (*intake.Intake, error) {
	in := &intake.Intake{}
	err := row.Scan(&in.ID, &in.PrescriptionItemID, &in.ScheduledTime, &in.Taken, &in.TakenTime,
		&in.Notes, &in.ReminderSent, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func scanDetail(row pgx.Row) (*intake.IntakeDetail, error) {
	d := &intake.IntakeDetail{}
	err := row.Scan(&d.ID, &d.PrescriptionItemID, &d.ScheduledTime, &d.Taken, &d.TakenTime,
		&d.Notes, &d.ReminderSent, &d.CreatedAt, &d.UpdatedAt,
		&d.PatientID, &d.PrescriptionID, &d.MedicationID, &d.MedicationName)
	if err != nil {
		return nil, err
	}
	return d, nil
}
