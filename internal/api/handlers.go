package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/queue"
)

func proposeSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "doctorID")
		if !ok {
			return
		}

		date, err := clock.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		ct := appointment.ConsultationType(r.URL.Query().Get("type"))
		if ct == "" {
			ct = appointment.InPerson
		}

		slots, err := svc.ProposeSlots(r.Context(), doctorID, date, ct)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotsResponse{
			DoctorID:         doctorID,
			Date:             clock.FormatDate(date),
			ConsultationType: string(ct),
			Slots:            slots,
		})
	}
}

func bookAppointmentHandler(svc *appointment.Service, v *Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		// Fields were validated above.
		date, _ := clock.ParseDate(req.Date)
		at, _ := appointment.ParseSlotTime(req.Time)

		appt, err := svc.BookSlot(r.Context(), actor(r), appointment.BookingRequest{
			PatientID:        uuid.MustParse(req.PatientID),
			DoctorID:         uuid.MustParse(req.DoctorID),
			Date:             date,
			Time:             at,
			ConsultationType: appointment.ConsultationType(req.ConsultationType),
			Reason:           req.ReasonForVisit,
		})
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f appointment.ListFilter

		if raw := q.Get("doctorId"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
				return
			}
			f.DoctorID = &id
		}
		if raw := q.Get("patientId"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientId must be a valid UUID")
				return
			}
			f.PatientID = &id
		}
		if raw := q.Get("date"); raw != "" {
			d, err := clock.ParseDate(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
				return
			}
			f.Date = &d
		}
		if raw := q.Get("status"); raw != "" {
			s := appointment.Status(raw)
			if !s.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+raw)
				return
			}
			f.Status = &s
		}
		f.Limit, _ = strconv.Atoi(q.Get("limit"))
		f.Offset, _ = strconv.Atoi(q.Get("offset"))

		list, err := svc.List(r.Context(), actor(r), f)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := AppointmentListResponse{
			Appointments: make([]AppointmentResponse, 0, len(list)),
			Limit:        f.Limit,
			Offset:       f.Offset,
		}
		for i := range list {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), actor(r), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service, v *Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}
		date, _ := clock.ParseDate(req.Date)
		at, _ := appointment.ParseSlotTime(req.Time)

		appt, err := svc.RescheduleSlot(r.Context(), actor(r), id, date, at)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// transitionHandler serves the confirm, cancel, complete and missed routes.
func transitionHandler(svc *appointment.Service, to appointment.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Transition(r.Context(), actor(r), id, to)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func enqueueHandler(mgr *queue.Manager, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		var req EnqueueRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		entry, err := mgr.Enqueue(r.Context(), actor(r), id, queue.EnqueueOptions{Priority: req.Priority})
		if err != nil {
			log.WithError(err).WithField("appointment_id", id).Debug("enqueue rejected")
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *Validator, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := v.Validate(dst); err != nil {
		writeValidationError(w, v.FormatValidationErrors(err))
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func actor(r *http.Request) appointment.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}
