package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/queue"
)

func queueSnapshotHandler(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, date, ok := queueParams(w, r)
		if !ok {
			return
		}

		view, err := mgr.Snapshot(r.Context(), doctorID, date)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueResponse(view))
	}
}

type entryOp func(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time) (*queue.Entry, error)

// entryHandler serves queue operations that return the affected entry.
func entryHandler(op entryOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, date, ok := queueParams(w, r)
		if !ok {
			return
		}

		entry, err := op(r.Context(), actor(r), doctorID, date)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
	}
}

type viewOp func(ctx context.Context, actor appointment.Actor, doctorID uuid.UUID, date time.Time) (queue.View, error)

func viewHandler(op viewOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, date, ok := queueParams(w, r)
		if !ok {
			return
		}

		view, err := op(r.Context(), actor(r), doctorID, date)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueResponse(view))
	}
}

func skipHandler(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, date, ok := queueParams(w, r)
		if !ok {
			return
		}

		token, err := strconv.Atoi(chi.URLParam(r, "token"))
		if err != nil || token <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_token", "token must be a positive integer")
			return
		}

		entry, err := mgr.Skip(r.Context(), actor(r), doctorID, date, token)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
	}
}

// activateDayHandler enqueues every confirmed appointment of a date. Only
// staff may trigger it by hand; the worker runs it on a schedule.
func activateDayHandler(mgr *queue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if actor(r).Role != appointment.RoleStaff {
			writeError(w, http.StatusForbidden, "forbidden", "only staff may activate a queue day")
			return
		}

		date, err := clock.ParseDate(chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		n, err := mgr.ActivateDay(r.Context(), date)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ActivateResponse{Date: clock.FormatDate(date), Enqueued: n})
	}
}

func queueParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, time.Time, bool) {
	doctorID, ok := uuidParam(w, r, "doctorID")
	if !ok {
		return uuid.Nil, time.Time{}, false
	}
	date, err := clock.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return uuid.Nil, time.Time{}, false
	}
	return doctorID, date, true
}
