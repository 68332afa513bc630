package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/directory"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{queue.ErrLockContention, http.StatusServiceUnavailable, "queue_busy"},
	{queue.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},

	{queue.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{queue.ErrClosureNotFound, http.StatusNotFound, "closure_not_found"},
	{queue.ErrAbsenceNotFound, http.StatusNotFound, "absence_not_found"},
	{directory.ErrStaffNotFound, http.StatusNotFound, "staff_not_found"},
	{directory.ErrClinicNotFound, http.StatusNotFound, "clinic_not_found"},

	{queue.ErrInvalidPatientReference, http.StatusUnprocessableEntity, "invalid_patient_reference"},
	{queue.ErrInvalidResolution, http.StatusUnprocessableEntity, "invalid_resolution"},
	{queue.ErrInvalidPriority, http.StatusUnprocessableEntity, "invalid_priority_action"},

	{queue.ErrAlreadyServing, http.StatusConflict, "already_serving"},
	{queue.ErrNotPresent, http.StatusConflict, "patient_not_present"},
	{queue.ErrAlreadyClosed, http.StatusConflict, "day_already_closed"},
	{queue.ErrCapacityExceeded, http.StatusConflict, "capacity_exceeded"},
	{queue.ErrNotReopenable, http.StatusConflict, "not_reopenable"},
	{queue.ErrAlreadyReopened, http.StatusConflict, "already_reopened"},
	{queue.ErrNotActive, http.StatusConflict, "not_active"},
	{queue.ErrNotAbsent, http.StatusConflict, "not_absent"},
	{queue.ErrAlreadyAbsent, http.StatusConflict, "already_absent"},
	{queue.ErrRescheduleRequired, http.StatusConflict, "reschedule_required"},
	{queue.ErrQueueEmpty, http.StatusConflict, "queue_empty"},
	{queue.ErrNothingInService, http.StatusConflict, "nothing_in_service"},
	{queue.ErrWaitlistEmpty, http.StatusConflict, "waitlist_empty"},
	{queue.ErrStaffInactive, http.StatusConflict, "staff_inactive"},
	{queue.ErrClinicMismatch, http.StatusConflict, "clinic_mismatch"},
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.err) {
			continue
		}
		if m.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		if m.status >= http.StatusInternalServerError {
			h.logger.Error("queue operation failed",
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
		}
		writeError(w, m.status, m.code, m.err.Error())
		return
	}

	h.logger.Error("unexpected error",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
