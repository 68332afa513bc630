package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/queue"
)

// QueueService is the engine surface the HTTP layer drives.
type QueueService interface {
	ResolveMode(ctx context.Context, clinicID uuid.UUID, date time.Time) (queue.Settings, error)
	RecalculatePositions(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) ([]queue.PositionChange, error)
	CallNext(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*queue.Appointment, error)
	CompleteService(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*queue.Appointment, error)
	MarkPresent(ctx context.Context, appointmentID, actor uuid.UUID) (*queue.Appointment, error)
	MarkNotPresent(ctx context.Context, appointmentID, actor uuid.UUID) (*queue.Appointment, error)
	MarkAbsent(ctx context.Context, appointmentID, actor uuid.UUID, reason string) (*queue.AbsenceRecord, error)
	ReturnFromAbsence(ctx context.Context, appointmentID, actor uuid.UUID) (*queue.ReturnResult, error)
	ResolveAbsence(ctx context.Context, in queue.ResolveAbsenceInput) (*queue.ResolveResult, error)
	ApplyPriority(ctx context.Context, appointmentID uuid.UUID, action queue.PriorityAction, actor uuid.UUID, reason string) (*queue.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID, actor uuid.UUID, reason string) (*queue.Appointment, error)
	RequestSlot(ctx context.Context, req queue.SlotRequest) (*queue.SlotResult, error)
	PromoteFromWaitlist(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*queue.Appointment, error)
	PreviewClosure(ctx context.Context, staffID uuid.UUID, date time.Time) (*queue.ClosurePreview, error)
	EndDay(ctx context.Context, in queue.EndDayInput) (*queue.DayClosure, error)
	ReopenDay(ctx context.Context, closureID, actor uuid.UUID, reason string) (*queue.DayClosure, error)
	GetSchedule(ctx context.Context, staffID uuid.UUID, date time.Time) (*queue.Schedule, error)
}

type Handler struct {
	svc    QueueService
	logger *zap.Logger
}

func NewHandler(svc QueueService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// dayParams are the {clinicID}/{staffID}/{date} path segments shared by the
// queue routes. staffID is optional for clinic-level routes.
type dayParams struct {
	clinicID uuid.UUID
	staffID  uuid.UUID
	date     time.Time
}

func parseDay(w http.ResponseWriter, r *http.Request) (dayParams, bool) {
	var p dayParams
	var err error
	if p.clinicID, err = uuid.Parse(chi.URLParam(r, "clinicID")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic id must be a valid UUID")
		return p, false
	}
	if raw := chi.URLParam(r, "staffID"); raw != "" {
		if p.staffID, err = uuid.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_staff_id", "staff id must be a valid UUID")
			return p, false
		}
	}
	if p.date, err = parseDate(chi.URLParam(r, "date")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return p, false
	}
	return p, true
}

func parseDate(raw string) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, raw, time.UTC)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func (h *Handler) resolveMode(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := pathUUID(w, r, "clinicID", "invalid_clinic_id")
	if !ok {
		return
	}
	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	settings, err := h.svc.ResolveMode(r.Context(), clinicID, date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModeResponse(settings))
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	p, ok := parseDay(w, r)
	if !ok {
		return
	}
	changes, err := h.svc.RecalculatePositions(r.Context(), p.clinicID, p.staffID, p.date, actorFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := make([]PositionChangeResponse, 0, len(changes))
	for _, c := range changes {
		resp = append(resp, PositionChangeResponse{AppointmentID: c.AppointmentID, Previous: c.Previous, Current: c.Current})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) callNext(w http.ResponseWriter, r *http.Request) {
	p, ok := parseDay(w, r)
	if !ok {
		return
	}
	a, err := h.svc.CallNext(r.Context(), p.clinicID, p.staffID, p.date, actorFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	p, ok := parseDay(w, r)
	if !ok {
		return
	}
	a, err := h.svc.CompleteService(r.Context(), p.clinicID, p.staffID, p.date, actorFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

func (h *Handler) promote(w http.ResponseWriter, r *http.Request) {
	p, ok := parseDay(w, r)
	if !ok {
		return
	}
	a, err := h.svc.PromoteFromWaitlist(r.Context(), p.clinicID, p.staffID, p.date, actorFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(a))
}

func (h *Handler) endDay(w http.ResponseWriter, r *http.Request) {
	p, ok := parseDay(w, r)
	if !ok {
		return
	}
	var req EndDayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.svc.EndDay(r.Context(), queue.EndDayInput{
		ClinicID: p.clinicID,
		StaffID:  p.staffID,
		Date:     p.date,
		Actor:    actorFrom(r.Context()),
		Reason:   req.Reason,
		Notes:    req.Notes,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClosureResponse(c))
}

func (h *Handler) previewClosure(w http.ResponseWriter, r *http.Request) {
	staffID, ok := pathUUID(w, r, "staffID", "invalid_staff_id")
	if !ok {
		return
	}
	date, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	preview, err := h.svc.PreviewClosure(r.Context(), staffID, date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	staffID, ok := pathUUID(w, r, "staffID", "invalid_staff_id")
	if !ok {
		return
	}
	date, err := parseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	s, err := h.svc.GetSchedule(r.Context(), staffID, date)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(s))
}

func (h *Handler) reopenDay(w http.ResponseWriter, r *http.Request) {
	closureID, ok := pathUUID(w, r, "closureID", "invalid_closure_id")
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.svc.ReopenDay(r.Context(), closureID, actorFrom(r.Context()), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClosureResponse(c))
}

func (h *Handler) markPresent(w http.ResponseWriter, r *http.Request) {
	h.presence(w, r, h.svc.MarkPresent)
}

func (h *Handler) markNotPresent(w http.ResponseWriter, r *http.Request) {
	h.presence(w, r, h.svc.MarkNotPresent)
}

func (h *Handler) presence(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, uuid.UUID) (*queue.Appointment, error)) {
	id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}
	a, err := fn(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

func (h *Handler) markAbsent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.svc.MarkAbsent(r.Context(), id, actorFrom(r.Context()), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAbsenceResponse(rec))
}

func (h *Handler) returnFromAbsence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}
	res, err := h.svc.ReturnFromAbsence(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReturnResponse{
		Outcome:     res.Outcome,
		Appointment: toAppointmentResponse(&res.Appointment),
		Absence:     toAbsenceResponse(&res.Absence),
	})
}

func (h *Handler) resolveAbsence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}
	var req ResolveAbsenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.svc.ResolveAbsence(r.Context(), queue.ResolveAbsenceInput{
		AppointmentID:    id,
		Resolution:       queue.AbsenceResolution(req.Resolution),
		Actor:            actorFrom(r.Context()),
		Reason:           req.Reason,
		RebookStart:      req.RebookStart,
		RebookEnd:        req.RebookEnd,
		WaitlistPriority: req.WaitlistPriority,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveAbsenceResponse{
		Absence:    toAbsenceResponse(&res.Absence),
		Original:   toAppointmentResponse(&res.Original),
		Rebooked:   toAppointmentResponse(res.Rebooked),
		Waitlisted: toWaitlistResponse(res.Waitlisted),
	})
}

func (h *Handler) applyPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}
	var req PriorityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.svc.ApplyPriority(r.Context(), id, queue.PriorityAction(req.Action), actorFrom(r.Context()), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.svc.CancelAppointment(r.Context(), id, actorFrom(r.Context()), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(a))
}

func (h *Handler) requestSlot(w http.ResponseWriter, r *http.Request) {
	var req SlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	clinicID, err := uuid.Parse(req.ClinicID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
		return
	}
	staffID, err := uuid.Parse(req.StaffID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_staff_id", "staff_id must be a valid UUID")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	patient, err := patientFromRequest(req.PatientID, req.GuestPatientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.svc.RequestSlot(r.Context(), queue.SlotRequest{
		ClinicID:       clinicID,
		StaffID:        staffID,
		Date:           date,
		Patient:        patient,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Priority:       req.Priority,
		WalkIn:         req.WalkIn,
		Actor:          actorFrom(r.Context()),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Appointment == nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SlotResponse{
		Appointment: toAppointmentResponse(res.Appointment),
		Waitlist:    toWaitlistResponse(res.Waitlist),
	})
}

func patientFromRequest(registered, guest string) (queue.PatientRef, error) {
	var reg, gst *uuid.UUID
	if registered != "" {
		id, err := uuid.Parse(registered)
		if err != nil {
			return queue.PatientRef{}, queue.ErrInvalidPatientReference
		}
		reg = &id
	}
	if guest != "" {
		id, err := uuid.Parse(guest)
		if err != nil {
			return queue.PatientRef{}, queue.ErrInvalidPatientReference
		}
		gst = &id
	}
	return queue.PatientFromColumns(reg, gst)
}
