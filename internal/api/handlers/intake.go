// Package handlers provides HTTP handlers for the intake API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medintake/internal/api/middleware"
	"github.com/drfirst/go-medintake/internal/domain/intake"
)

const (
	dateLayout = "2006-01-02"
	// codeBadRequest covers malformed ids, dates and bodies.
	codeBadRequest = "BAD_REQUEST"
)

// IntakeService is the slice of intake.Service the handlers call.
type IntakeService interface {
	Location() *time.Location
	GetDailyProgress(ctx context.Context, patientID uuid.UUID, date time.Time) (*intake.DailyProgress, error)
	GetProgressRange(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*intake.DailyProgress, error)
	GetIntakeHistory(ctx context.Context, patientID uuid.UUID) (*intake.IntakeHistory, error)
	ToggleIntake(ctx context.Context, intakeID uuid.UUID, actor intake.Actor) (*intake.Intake, error)
	MarkIntakeTaken(ctx context.Context, intakeID uuid.UUID, actor intake.Actor) (*intake.Intake, error)
	AnnotateIntake(ctx context.Context, intakeID uuid.UUID, actor intake.Actor, notes *string) (*intake.Intake, error)
	ListItemIntakes(ctx context.Context, itemID uuid.UUID, actor intake.Actor) ([]*intake.Intake, error)
	RecordDispense(ctx context.Context, ev intake.DispenseEvent) (*intake.DispenseOutcome, error)
	RecalculateIntakesForItem(ctx context.Context, itemID uuid.UUID) (*intake.RecalculationResult, error)
}

var _ IntakeService = (*intake.Service)(nil)

// IntakeHandler serves the patient-facing intake endpoints and the pharmacy
// dispense endpoints.
type IntakeHandler struct {
	svc    IntakeService
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewIntakeHandler creates a new handler
func NewIntakeHandler(svc IntakeService, logger *zap.Logger) *IntakeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntakeHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("intake-handler"),
		now:    time.Now,
	}
}

// Routes returns the handler routes. Mount under an authenticated router.
func (h *IntakeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/intakes", func(r chi.Router) {
		r.Get("/daily", h.Daily)
		r.Get("/range", h.Range)
		r.Get("/history", h.History)
		r.Post("/{id}/toggle", h.Toggle)
		r.Post("/{id}/take", h.Take)
		r.Patch("/{id}/notes", h.Notes)
	})
	r.Route("/items/{id}", func(r chi.Router) {
		r.Get("/intakes", h.ItemIntakes)
		r.Put("/dispense", h.Dispense)
		r.Post("/recalculate", h.Recalculate)
	})
	return r
}

// Daily handles GET /intakes/daily?date=YYYY-MM-DD (default today).
func (h *IntakeHandler) Daily(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := h.patient(w, r)
	if !ok {
		return
	}

	day := h.now().In(h.svc.Location())
	if v := r.URL.Query().Get("date"); v != "" {
		var err error
		if day, err = h.parseDate(v); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	progress, err := h.svc.GetDailyProgress(r.Context(), patientID, day)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

// Range handles GET /intakes/range?from=&to=, both inclusive.
func (h *IntakeHandler) Range(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := h.patient(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		h.writeError(w, r, intake.NewValidationError(codeBadRequest, "from and to are required"))
		return
	}
	from, err := h.parseDate(q.Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := h.parseDate(q.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	days, err := h.svc.GetProgressRange(r.Context(), patientID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, days)
}

// History handles GET /intakes/history
func (h *IntakeHandler) History(w http.ResponseWriter, r *http.Request) {
	_, patientID, ok := h.patient(w, r)
	if !ok {
		return
	}

	history, err := h.svc.GetIntakeHistory(r.Context(), patientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// Toggle handles POST /intakes/{id}/toggle
func (h *IntakeHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "toggle_intake", h.svc.ToggleIntake)
}

// Take handles POST /intakes/{id}/take
func (h *IntakeHandler) Take(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "mark_intake_taken", h.svc.MarkIntakeTaken)
}

func (h *IntakeHandler) transition(w http.ResponseWriter, r *http.Request, name string,
	fn func(context.Context, uuid.UUID, intake.Actor) (*intake.Intake, error)) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), name,
		trace.WithAttributes(attribute.String("intake_id", id.String())))
	defer span.End()

	updated, err := fn(ctx, id, actor)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// NotesRequest is the body of PATCH /intakes/{id}/notes. A null or absent
// notes field clears the notes.
type NotesRequest struct {
	Notes *string `json:"notes"`
}

// Notes handles PATCH /intakes/{id}/notes
func (h *IntakeHandler) Notes(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req NotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, intake.NewValidationError(codeBadRequest, "invalid request body"))
		return
	}

	updated, err := h.svc.AnnotateIntake(r.Context(), id, actor, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// ItemIntakes handles GET /items/{id}/intakes
func (h *IntakeHandler) ItemIntakes(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	intakes, err := h.svc.ListItemIntakes(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, intakes)
}

// DispenseRequest is the body of PUT /items/{id}/dispense.
type DispenseRequest struct {
	DispensedQuantity int    `json:"dispensed_quantity"`
	DispatchDate      string `json:"dispatch_date"`
	DispatchTime      string `json:"dispatch_time,omitempty"`
}

// Dispense handles PUT /items/{id}/dispense. Pharmacy staff only.
func (h *IntakeHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.staff(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, intake.NewValidationError(codeBadRequest, "invalid request body"))
		return
	}

	outcome, err := h.svc.RecordDispense(r.Context(), intake.DispenseEvent{
		ItemID:            id,
		DispensedQuantity: req.DispensedQuantity,
		DispatchDate:      req.DispatchDate,
		DispatchTime:      req.DispatchTime,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("dispense submitted",
		zap.String("item_id", id.String()),
		zap.String("action", string(outcome.Action)),
		zap.String("user_id", actor.UserID),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.writeJSON(w, http.StatusOK, outcome)
}

// Recalculate handles POST /items/{id}/recalculate. Pharmacy staff only.
func (h *IntakeHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.staff(w, r); !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	res, err := h.svc.RecalculateIntakesForItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *IntakeHandler) actor(w http.ResponseWriter, r *http.Request) (intake.Actor, bool) {
	actor, err := middleware.RequireActor(r.Context())
	if err != nil {
		h.jsonError(w, "unauthenticated", "", http.StatusUnauthorized)
		return intake.Actor{}, false
	}
	return actor, true
}

func (h *IntakeHandler) staff(w http.ResponseWriter, r *http.Request) (intake.Actor, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return actor, false
	}
	if !actor.CanDispense() {
		h.logger.Warn("pharmacy route denied",
			zap.String("user_id", actor.UserID),
			zap.String("role", string(actor.Role)),
			zap.String("path", r.URL.Path))
		h.writeError(w, r, intake.NewForbiddenError())
		return actor, false
	}
	return actor, true
}

func (h *IntakeHandler) patient(w http.ResponseWriter, r *http.Request) (intake.Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return actor, uuid.Nil, false
	}
	patientID, err := intake.RequirePatient(actor)
	if err != nil {
		h.writeError(w, r, err)
		return actor, uuid.Nil, false
	}
	return actor, patientID, true
}

func (h *IntakeHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, intake.NewValidationError(codeBadRequest, "invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *IntakeHandler) parseDate(v string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, v, h.svc.Location())
	if err != nil {
		return time.Time{}, intake.NewValidationError(codeBadRequest, "dates must be YYYY-MM-DD")
	}
	return t, nil
}

// writeError maps intake error kinds to status codes. Storage failures are
// logged with their cause and reported without it.
func (h *IntakeHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *intake.Error
	if !errors.As(err, &e) {
		h.logger.Error("unexpected error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", "", http.StatusInternalServerError)
		return
	}

	switch e.Kind {
	case intake.KindValidation:
		h.jsonError(w, e.Message, e.Code, http.StatusBadRequest)
	case intake.KindNotFound:
		h.jsonError(w, e.Message, e.Code, http.StatusNotFound)
	case intake.KindForbidden:
		h.jsonError(w, e.Message, e.Code, http.StatusForbidden)
	case intake.KindConflict:
		h.jsonError(w, e.Message, e.Code, http.StatusConflict)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", e.Code, http.StatusInternalServerError)
	}
}

func (h *IntakeHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func (h *IntakeHandler) jsonError(w http.ResponseWriter, message, code string, status int) {
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	h.writeJSON(w, status, body)
}
