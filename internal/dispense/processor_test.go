package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/pkg/idempotency"
)

type stubRecorder struct {
	got []intake.DispenseEvent
	err error
}

func (s *stubRecorder) Location() *time.Location { return time.UTC }

func (s *stubRecorder) RecordDispense(_ context.Context, ev intake.DispenseEvent) (*intake.DispenseOutcome, error) {
	s.got = append(s.got, ev)
	if s.err != nil {
		return nil, s.err
	}
	return &intake.DispenseOutcome{ItemID: ev.ItemID, Action: intake.ActionScheduled, Created: 10}, nil
}

// onceDeduper keeps finished results in memory.
type onceDeduper struct {
	done map[string]json.RawMessage
	keys []string
}

func (d *onceDeduper) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	d.keys = append(d.keys, key)
	if r, ok := d.done[key]; ok {
		return &idempotency.ProcessResult{Result: r}, nil
	}
	r, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	d.done[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

func event(item uuid.UUID) intake.DispenseEvent {
	return intake.DispenseEvent{ItemID: item, DispensedQuantity: 10, DispatchDate: "2024-01-10", DispatchTime: "8:00"}
}

func TestApplyDeduplicatesRedelivery(t *testing.T) {
	rec := &stubRecorder{}
	dedupe := &onceDeduper{done: map[string]json.RawMessage{}}
	p := NewProcessor(rec, dedupe, nil)
	item := uuid.New()

	first, err := p.Apply(context.Background(), "pharmacy.dispense/0/41", event(item))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, intake.ActionScheduled, first.Outcome.Action)

	second, err := p.Apply(context.Background(), "pharmacy.dispense/0/41", event(item))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 10, second.Outcome.Created)

	require.Len(t, rec.got, 1)
	assert.Equal(t, "08:00", rec.got[0].DispatchTime)
	assert.Equal(t, dedupe.keys[0], dedupe.keys[1])
}

func TestApplyCorrectionBackToEarlierDispatch(t *testing.T) {
	rec := &stubRecorder{}
	p := NewProcessor(rec, &onceDeduper{done: map[string]json.RawMessage{}}, nil)
	item := uuid.New()

	a := event(item)
	b := event(item)
	b.DispatchDate = "2024-01-12"

	for i, ev := range []intake.DispenseEvent{a, b, a} {
		res, err := p.Apply(context.Background(), fmt.Sprintf("pharmacy.dispense/0/%d", i), ev)
		require.NoError(t, err)
		assert.False(t, res.Duplicate, "message %d", i)
	}
	require.Len(t, rec.got, 3)
	assert.Equal(t, "2024-01-10", rec.got[2].DispatchDate)
}

func TestApplyWithoutInbox(t *testing.T) {
	rec := &stubRecorder{}
	p := NewProcessor(rec, nil, nil)

	_, err := p.Apply(context.Background(), "m-1", event(uuid.New()))
	require.NoError(t, err)
	_, err = p.Apply(context.Background(), "m-1", event(uuid.New()))
	require.NoError(t, err)
	assert.Len(t, rec.got, 2)
}

func TestApplyWithoutMessageIDSkipsInbox(t *testing.T) {
	rec := &stubRecorder{}
	dedupe := &onceDeduper{done: map[string]json.RawMessage{}}
	p := NewProcessor(rec, dedupe, nil)

	_, err := p.Apply(context.Background(), "", event(uuid.New()))
	require.NoError(t, err)
	assert.Len(t, rec.got, 1)
	assert.Empty(t, dedupe.keys)
}

func TestApplyRejectsInvalidEvent(t *testing.T) {
	rec := &stubRecorder{}
	p := NewProcessor(rec, &onceDeduper{done: map[string]json.RawMessage{}}, nil)

	ev := event(uuid.New())
	ev.DispatchDate = "10/01/2024"
	_, err := p.Apply(context.Background(), "m-1", ev)
	assert.ErrorIs(t, err, intake.ErrValidation)
	assert.True(t, intake.IsTerminal(err))
	assert.Empty(t, rec.got)
}

func TestApplyPropagatesServiceError(t *testing.T) {
	boom := intake.NewPersistenceError("update dispatch", errors.New("timeout"))
	p := NewProcessor(&stubRecorder{err: boom}, &onceDeduper{done: map[string]json.RawMessage{}}, nil)

	_, err := p.Apply(context.Background(), "m-1", event(uuid.New()))
	assert.ErrorIs(t, err, intake.ErrPersistence)
	assert.False(t, intake.IsTerminal(err))
}

func TestDecode(t *testing.T) {
	item := uuid.New()
	ev, err := Decode([]byte(`{"prescription_item_id":"` + item.String() + `","dispensed_quantity":20,"dispatch_date":"2024-01-10"}`))
	require.NoError(t, err)
	assert.Equal(t, item, ev.ItemID)
	assert.Equal(t, 20, ev.DispensedQuantity)

	_, err = Decode([]byte(`{"prescription_item_id":`))
	assert.True(t, intake.IsTerminal(err))
}

func TestKeyNamesTheDelivery(t *testing.T) {
	assert.Equal(t, Key("pharmacy.dispense/0/7"), Key("pharmacy.dispense/0/7"))
	assert.NotEqual(t, Key("pharmacy.dispense/0/7"), Key("pharmacy.dispense/0/8"))
}

func TestConsume(t *testing.T) {
	item := uuid.New()
	msg := []byte(`{"prescription_item_id":"` + item.String() + `","dispensed_quantity":10,"dispatch_date":"2024-01-10"}`)

	rec := &stubRecorder{}
	p := NewProcessor(rec, &onceDeduper{done: map[string]json.RawMessage{}}, nil)
	require.NoError(t, p.Consume(context.Background(), "pharmacy.dispense/0/1", msg))
	require.NoError(t, p.Consume(context.Background(), "pharmacy.dispense/0/1", msg))
	require.Len(t, rec.got, 1)

	// Malformed and invalid events are dropped.
	assert.NoError(t, p.Consume(context.Background(), "pharmacy.dispense/0/2", []byte(`not json`)))
	assert.NoError(t, p.Consume(context.Background(), "pharmacy.dispense/0/3", []byte(`{"prescription_item_id":"`+item.String()+`","dispensed_quantity":-1,"dispatch_date":"2024-01-10"}`)))

	// Transient failures are returned for redelivery.
	failing := NewProcessor(&stubRecorder{err: intake.NewPersistenceError("get item", errors.New("down"))}, nil, nil)
	assert.ErrorIs(t, failing.Consume(context.Background(), "pharmacy.dispense/0/4", msg), intake.ErrPersistence)
}
