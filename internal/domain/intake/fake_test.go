package intake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type txKey struct{}

// memStore is an in-memory Repository and ItemStore. WithinTx snapshots state
// and restores it when fn fails.
type memStore struct {
	mu      sync.Mutex
	intakes map[uuid.UUID]*Intake
	items   map[uuid.UUID]*PrescriptionItem
	meds    map[uuid.UUID]*Medication

	txCount    int
	failCreate error
	writes     int
}

func newMemStore() *memStore {
	return &memStore{
		intakes: map[uuid.UUID]*Intake{},
		items:   map[uuid.UUID]*PrescriptionItem{},
		meds:    map[uuid.UUID]*Medication{},
	}
}

func (m *memStore) addItem(patientID uuid.UUID, med *Medication, requested, dispensed int) *PrescriptionItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if med.ID == uuid.Nil {
		med.ID = uuid.New()
	}
	m.meds[med.ID] = med
	item := &PrescriptionItem{
		ID:                uuid.New(),
		PrescriptionID:    uuid.New(),
		PatientID:         patientID,
		MedicationID:      med.ID,
		RequestedQuantity: requested,
		DispensedQuantity: dispensed,
	}
	m.items[item.ID] = item
	return item
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	m.txCount++
	snapIntakes := make(map[uuid.UUID]*Intake, len(m.intakes))
	for id, in := range m.intakes {
		snapIntakes[id] = in.Clone()
	}
	snapItems := make(map[uuid.UUID]*PrescriptionItem, len(m.items))
	for id, it := range m.items {
		c := *it
		snapItems[id] = &c
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.mu.Lock()
		m.intakes = snapIntakes
		m.items = snapItems
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) Create(ctx context.Context, in *Intake) error {
	return m.CreateMany(ctx, []*Intake{in})
}

func (m *memStore) CreateMany(_ context.Context, ins []*Intake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	for _, in := range ins {
		m.intakes[in.ID] = in.Clone()
	}
	m.writes++
	return nil
}

func (m *memStore) detail(in *Intake) *IntakeDetail {
	item := m.items[in.PrescriptionItemID]
	d := &IntakeDetail{Intake: *in.Clone()}
	if item != nil {
		d.PatientID = item.PatientID
		d.PrescriptionID = item.PrescriptionID
		d.MedicationID = item.MedicationID
		if med := m.meds[item.MedicationID]; med != nil {
			d.MedicationName = med.Name
		}
	}
	return d
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*IntakeDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intakes[id]
	if !ok {
		return nil, NewNotFoundError(CodeIntakeNotFound, "intake not found")
	}
	return m.detail(in), nil
}

func (m *memStore) FindByPrescriptionItem(_ context.Context, itemID uuid.UUID) ([]*Intake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Intake
	for _, in := range m.intakes {
		if in.PrescriptionItemID == itemID {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (m *memStore) FindByPatientAndDateRange(ctx context.Context, patientID uuid.UUID, start, end time.Time) ([]*IntakeDetail, error) {
	all, _ := m.FindByPatient(ctx, patientID)
	var out []*IntakeDetail
	for _, d := range all {
		if !d.ScheduledTime.Before(start) && d.ScheduledTime.Before(end) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) FindByPatient(_ context.Context, patientID uuid.UUID) ([]*IntakeDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*IntakeDetail
	for _, in := range m.intakes {
		if d := m.detail(in); d.PatientID == patientID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (m *memStore) DeletePendingByPrescriptionItem(_ context.Context, itemID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, in := range m.intakes {
		if in.PrescriptionItemID == itemID && !in.Taken {
			delete(m.intakes, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetTaken(_ context.Context, id uuid.UUID, expectTaken bool, takenTime *time.Time) (*Intake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intakes[id]
	if !ok {
		return nil, NewNotFoundError(CodeIntakeNotFound, "intake not found")
	}
	if in.Taken != expectTaken {
		return nil, NewConflictError(CodeStaleIntake, "intake was changed concurrently")
	}
	in.Taken = takenTime != nil
	in.TakenTime = nil
	if takenTime != nil {
		t := *takenTime
		in.TakenTime = &t
	}
	m.writes++
	return in.Clone(), nil
}

func (m *memStore) SetNotes(_ context.Context, id uuid.UUID, notes *string) (*Intake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intakes[id]
	if !ok {
		return nil, NewNotFoundError(CodeIntakeNotFound, "intake not found")
	}
	in.Notes = notes
	m.writes++
	return in.Clone(), nil
}

func (m *memStore) GetItem(_ context.Context, id uuid.UUID) (*PrescriptionItem, *Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, nil, NewNotFoundError(CodeItemNotFound, "prescription item not found")
	}
	c := *item
	var med *Medication
	if md := m.meds[item.MedicationID]; md != nil {
		mc := *md
		med = &mc
	}
	return &c, med, nil
}

func (m *memStore) UpdateDispatch(_ context.Context, id uuid.UUID, dispensed int, date string, clock *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return NewNotFoundError(CodeItemNotFound, "prescription item not found")
	}
	d := date
	item.DispatchDate = &d
	item.DispatchTime = clock
	item.DispensedQuantity = dispensed
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intakes)
}

type recordingWriter struct {
	mu     sync.Mutex
	events []*Event
}

func (w *recordingWriter) WriteEvents(_ context.Context, events ...*Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *recordingWriter) types() []EventType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]EventType, 0, len(w.events))
	for _, e := range w.events {
		out = append(out, e.EventType)
	}
	return out
}
