// Package dispense applies pharmacy dispense notifications exactly once,
// whichever channel they arrive on.
package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/domain/intake"
	"github.com/drfirst/go-medintake/pkg/idempotency"
)

const handlerName = "record_dispense"

// Recorder is the intake service entry point for dispense events.
type Recorder interface {
	Location() *time.Location
	RecordDispense(ctx context.Context, ev intake.DispenseEvent) (*intake.DispenseOutcome, error)
}

// Deduper runs fn at most once per key. *idempotency.Inbox satisfies it.
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Result is what Apply did with one event.
type Result struct {
	Outcome *intake.DispenseOutcome
	// Duplicate is set when the event was already applied earlier; Outcome
	// then holds the stored result.
	Duplicate bool
}

type Processor struct {
	svc    Recorder
	inbox  Deduper
	logger *zap.Logger
}

// NewProcessor creates a processor. inbox may be nil, in which case events
// are applied without deduplication.
func NewProcessor(svc Recorder, inbox Deduper, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{svc: svc, inbox: inbox, logger: logger}
}

// Decode parses a JSON dispense event. Malformed input is a validation error.
func Decode(data []byte) (intake.DispenseEvent, error) {
	var ev intake.DispenseEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, intake.NewValidationError(intake.CodeInvalidDispense, "malformed dispense event: "+err.Error())
	}
	return ev, nil
}

// Key is the inbox key for one delivered message. It names the delivery,
// not its content, so a dispatch corrected back to an earlier value is
// applied again.
func Key(messageID string) string {
	return idempotency.GenerateKey(handlerName, messageID)
}

// Apply normalizes ev and records it once per messageID. An empty
// messageID skips deduplication.
func (p *Processor) Apply(ctx context.Context, messageID string, ev intake.DispenseEvent) (*Result, error) {
	if err := ev.Normalize(p.svc.Location()); err != nil {
		return nil, err
	}
	if p.inbox == nil || messageID == "" {
		outcome, err := p.svc.RecordDispense(ctx, ev)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: outcome}, nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal dispense event: %w", err)
	}

	res, err := p.inbox.Process(ctx, Key(messageID), handlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			outcome, err := p.svc.RecordDispense(ctx, ev)
			if err != nil {
				return nil, err
			}
			return json.Marshal(outcome)
		})
	if err != nil {
		return nil, err
	}

	var outcome intake.DispenseOutcome
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &outcome); err != nil {
			return nil, fmt.Errorf("decode stored dispense outcome: %w", err)
		}
	}
	dup := !res.IsNew && !res.WasRecovered
	if dup {
		p.logger.Debug("duplicate dispense event",
			zap.String("message_id", messageID),
			zap.String("item_id", ev.ItemID.String()),
			zap.String("dispatch_date", ev.DispatchDate))
	}
	return &Result{Outcome: &outcome, Duplicate: dup}, nil
}

// Consume decodes and applies one broker message. Events that can never
// succeed are logged and dropped so they do not block the partition; any
// other error is returned for redelivery.
func (p *Processor) Consume(ctx context.Context, messageID string, data []byte) error {
	ev, err := Decode(data)
	if err == nil {
		_, err = p.Apply(ctx, messageID, ev)
	}
	switch {
	case err == nil:
		return nil
	case intake.IsTerminal(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.logger.Warn("dropping dispense event",
			zap.String("message_id", messageID),
			zap.String("item_id", ev.ItemID.String()),
			zap.Error(err))
		return nil
	default:
		return err
	}
}
