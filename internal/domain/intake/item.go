package intake

import (
	"github.com/google/uuid"
)

// Medication is the read-only slice of a medication record the scheduler needs.
type Medication struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	// DurationDays is stored as free text upstream; see ParseDurationDays.
	DurationDays string `json:"duration_days"`
}

// PrescriptionItem is one dispensed medication line on a prescription.
type PrescriptionItem struct {
	ID                uuid.UUID `json:"id"`
	PrescriptionID    uuid.UUID `json:"prescription_id"`
	PatientID         uuid.UUID `json:"patient_id"`
	MedicationID      uuid.UUID `json:"medication_id"`
	RequestedQuantity int       `json:"requested_quantity"`
	DispensedQuantity int       `json:"dispensed_quantity"`
	DispatchDate      *string   `json:"dispatch_date,omitempty"` // YYYY-MM-DD
	DispatchTime      *string   `json:"dispatch_time,omitempty"` // HH:MM
}

// Dispatched reports whether the item carries a dispatch date.
func (i *PrescriptionItem) Dispatched() bool {
	return i.DispatchDate != nil && *i.DispatchDate != ""
}

// Role is the caller's role claim. Callers without one are patients.
type Role string

const (
	RolePatient    Role = "patient"
	RolePharmacist Role = "pharmacist"
	RoleAdmin      Role = "admin"
)

// Actor is the caller identity resolved by the auth layer.
type Actor struct {
	UserID    string
	PatientID uuid.UUID
	Role      Role
}

// CanDispense reports whether the actor may record dispenses and rebuild
// schedules for any patient's items.
func (a Actor) CanDispense() bool {
	return a.Role == RolePharmacist || a.Role == RoleAdmin
}

// HasPatient reports whether the actor is linked to a patient profile.
func (a Actor) HasPatient() bool {
	return a.PatientID != uuid.Nil
}

// RequirePatient returns the actor's patient id or a not-found error.
func RequirePatient(a Actor) (uuid.UUID, error) {
	if !a.HasPatient() {
		return uuid.Nil, NewNotFoundError(CodePatientProfileMissing, "patient profile not found")
	}
	return a.PatientID, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
