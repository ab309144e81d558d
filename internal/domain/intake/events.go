package intake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventIntakesScheduled    EventType = "IntakesScheduled"
	EventIntakesRecalculated EventType = "IntakesRecalculated"
	EventIntakeTaken         EventType = "IntakeTaken"
	EventIntakeUntaken       EventType = "IntakeUntaken"
)

// AggregateType is the aggregate every intake event is keyed by.
const AggregateType = "PrescriptionItem"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorUserID   string          `json:"actor_user_id,omitempty"`
}

// NewEvent creates a new event for the prescription item itemID.
func NewEvent(itemID uuid.UUID, eventType EventType, data interface{}, now time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   itemID.String(),
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     now.UTC(),
	}, nil
}

// IntakesScheduledData describes a freshly created batch.
type IntakesScheduledData struct {
	PrescriptionItemID string    `json:"prescription_item_id"`
	Count              int       `json:"count"`
	DosesPerDay        int       `json:"doses_per_day"`
	IntervalHours      int       `json:"interval_hours"`
	FirstScheduled     time.Time `json:"first_scheduled"`
	LastScheduled      time.Time `json:"last_scheduled"`
}

// IntakesRecalculatedData describes a recalculation.
type IntakesRecalculatedData struct {
	PrescriptionItemID string `json:"prescription_item_id"`
	Deleted            int64  `json:"deleted"`
	Created            int    `json:"created"`
}

// IntakeStateChangedData is carried by IntakeTaken and IntakeUntaken.
type IntakeStateChangedData struct {
	IntakeID           string     `json:"intake_id"`
	PrescriptionItemID string     `json:"prescription_item_id"`
	ScheduledTime      time.Time  `json:"scheduled_time"`
	TakenTime          *time.Time `json:"taken_time,omitempty"`
}

// WithActor sets the acting user
func (e *Event) WithActor(userID string) *Event {
	e.ActorUserID = userID
	return e
}

// EventWriter records events in the same transaction as the mutation.
type EventWriter interface {
	WriteEvents(ctx context.Context, events ...*Event) error
}

type nopEventWriter struct{}

func (nopEventWriter) WriteEvents(context.Context, ...*Event) error { return nil }
