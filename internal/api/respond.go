package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/lock"
	"github.com/hackgods/clinic-queue/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "validation_failed",
		Details: "request has invalid fields",
		Fields:  fields,
	})
}

// handleError maps core errors to HTTP responses.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrInvalidConsultType):
		writeError(w, http.StatusBadRequest, "invalid_consultation_type", err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, appointment.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrStaleState):
		writeError(w, http.StatusConflict, "stale_state", err.Error())
	case errors.Is(err, appointment.ErrNotReschedulable):
		writeError(w, http.StatusConflict, "not_reschedulable", err.Error())
	case errors.Is(err, queue.ErrQueueEmpty):
		writeError(w, http.StatusConflict, "queue_empty", err.Error())
	case errors.Is(err, queue.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "already_queued", err.Error())
	case errors.Is(err, queue.ErrQueuePaused):
		writeError(w, http.StatusConflict, "queue_paused", err.Error())
	case errors.Is(err, queue.ErrNotServing):
		writeError(w, http.StatusConflict, "not_serving", err.Error())
	case errors.Is(err, queue.ErrNotSkippable):
		writeError(w, http.StatusConflict, "not_skippable", err.Error())
	case errors.Is(err, queue.ErrNotEligible):
		writeError(w, http.StatusConflict, "not_eligible", err.Error())
	case errors.Is(err, queue.ErrDayChanged):
		writeError(w, http.StatusConflict, "queue_changed", "queue was updated concurrently, please retry")
	case errors.Is(err, queue.ErrServingConflict):
		writeError(w, http.StatusConflict, "serving_conflict", err.Error())
	case errors.Is(err, lock.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "busy", "resource is busy, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
