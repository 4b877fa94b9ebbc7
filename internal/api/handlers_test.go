package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/events"
	"github.com/hackgods/clinic-queue/internal/lock"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type testServer struct {
	handler http.Handler
	doctor  uuid.UUID
	patient uuid.UUID
	other   uuid.UUID
	staff   uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	clk := clock.NewFixed(time.Date(2024, 1, 9, 8, 0, 0, 0, time.UTC))
	locker := lock.NewKeyedMutex(time.Second)
	repo := appointment.NewMemoryRepository()

	ts := &testServer{
		doctor:  uuid.New(),
		patient: uuid.New(),
		other:   uuid.New(),
		staff:   uuid.New(),
	}
	repo.AddDoctor(appointment.Doctor{ID: ts.doctor, Name: "Dr. Rao"})
	repo.AddPatient(appointment.Patient{ID: ts.patient, Name: "Asha"})
	repo.AddPatient(appointment.Patient{ID: ts.other, Name: "Ben"})
	repo.AddAvailability(appointment.Availability{
		DoctorID:             ts.doctor,
		DayOfWeek:            time.Wednesday,
		StartTime:            appointment.MustSlotTime("09:00"),
		EndTime:              appointment.MustSlotTime("12:00"),
		SlotDurationMinutes:  30,
		MaxPatientsPerSlot:   1,
		SupportsInPerson:     true,
		SupportsTelemedicine: true,
		IsActive:             true,
	})

	appts := appointment.NewService(repo, locker, clk, events.Discard, log, appointment.Options{})
	mgr := queue.NewManager(queue.NewMemoryStore(), appts, locker, clk, events.Discard, log)

	ts.handler = NewRouter(RouterConfig{
		Appointments: appts,
		Queues:       mgr,
		Log:          log,
		Env:          "test",
		Version:      "test",
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, role appointment.Role, id uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set(HeaderActorRole, string(role))
		req.Header.Set(HeaderActorID, id.String())
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) book(t *testing.T, patient uuid.UUID, at string) AppointmentResponse {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/appointments", appointment.RolePatient, patient, BookAppointmentRequest{
		PatientID:        patient.String(),
		DoctorID:         ts.doctor.String(),
		Date:             "2024-01-10",
		Time:             at,
		ConsultationType: "IN_PERSON",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health/live", "", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health/ready", "", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "disabled", resp.Dependencies["postgres"])
	assert.Equal(t, "disabled", resp.Dependencies["redis"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestActorRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/appointments", "", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_actor", decodeError(t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/appointments", appointment.RoleSystem, uuid.New(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProposeSlots(t *testing.T) {
	ts := newTestServer(t)
	ts.book(t, ts.patient, "09:00")

	rec := ts.do(t, http.MethodGet, "/doctors/"+ts.doctor.String()+"/slots?date=2024-01-10&type=TELEMEDICINE", appointment.RolePatient, ts.other, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SlotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Slots, 5)
	assert.Equal(t, "09:30", resp.Slots[0].Start.String())
	assert.Equal(t, "TELEMEDICINE", resp.ConsultationType)

	t.Run("bad date", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/doctors/"+ts.doctor.String()+"/slots?date=10-01-2024", appointment.RolePatient, ts.other, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad type", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/doctors/"+ts.doctor.String()+"/slots?date=2024-01-10&type=HOUSE_CALL", appointment.RolePatient, ts.other, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown doctor", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/doctors/"+uuid.NewString()+"/slots?date=2024-01-10", appointment.RolePatient, ts.other, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "doctor_not_found", decodeError(t, rec).Error)
	})
}

func TestBookAppointment(t *testing.T) {
	ts := newTestServer(t)

	appt := ts.book(t, ts.patient, "10:00")
	assert.Equal(t, "PENDING", appt.Status)
	assert.Equal(t, "2024-01-10", appt.Date)
	assert.Equal(t, "10:00", appt.Time)
	assert.Nil(t, appt.QueueToken)

	t.Run("conflict", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/appointments", appointment.RolePatient, ts.other, BookAppointmentRequest{
			PatientID:        ts.other.String(),
			DoctorID:         ts.doctor.String(),
			Date:             "2024-01-10",
			Time:             "10:00",
			ConsultationType: "IN_PERSON",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "slot_conflict", decodeError(t, rec).Error)
	})

	t.Run("validation", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/appointments", appointment.RolePatient, ts.other, BookAppointmentRequest{
			PatientID:        "nope",
			DoctorID:         ts.doctor.String(),
			Date:             "2024/01/10",
			Time:             "9am",
			ConsultationType: "VIDEO",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		resp := decodeError(t, rec)
		assert.Equal(t, "validation_failed", resp.Error)
		assert.Contains(t, resp.Fields, "patientId")
		assert.Contains(t, resp.Fields, "date")
		assert.Contains(t, resp.Fields, "time")
		assert.Contains(t, resp.Fields, "consultationType")
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString("{"))
		req.Header.Set(HeaderActorRole, "PATIENT")
		req.Header.Set(HeaderActorID, ts.other.String())
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("booking for someone else", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/appointments", appointment.RolePatient, ts.other, BookAppointmentRequest{
			PatientID:        ts.patient.String(),
			DoctorID:         ts.doctor.String(),
			Date:             "2024-01-10",
			Time:             "11:00",
			ConsultationType: "IN_PERSON",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("outside schedule", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/appointments", appointment.RolePatient, ts.other, BookAppointmentRequest{
			PatientID:        ts.other.String(),
			DoctorID:         ts.doctor.String(),
			Date:             "2024-01-10",
			Time:             "13:00",
			ConsultationType: "IN_PERSON",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "slot_unavailable", decodeError(t, rec).Error)
	})
}

func TestAppointmentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	appt := ts.book(t, ts.patient, "09:30")
	base := "/appointments/" + appt.ID.String()

	rec := ts.do(t, http.MethodGet, base, appointment.RolePatient, ts.other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/confirm", appointment.RolePatient, ts.patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/reschedule", appointment.RolePatient, ts.patient, RescheduleRequest{Date: "2024-01-10", Time: "11:30"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, base+"/confirm", appointment.RoleStaff, ts.staff, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var confirmed AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &confirmed))
	assert.Equal(t, "CONFIRMED", confirmed.Status)
	assert.Equal(t, "11:30", confirmed.Time)

	rec = ts.do(t, http.MethodPost, base+"/complete", appointment.RoleDoctor, ts.doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, base+"/cancel", appointment.RoleStaff, ts.staff, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), appointment.RoleStaff, ts.staff, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/appointments/not-a-uuid", appointment.RoleStaff, ts.staff, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAppointments(t *testing.T) {
	ts := newTestServer(t)
	ts.book(t, ts.patient, "09:00")
	ts.book(t, ts.other, "09:30")

	list := func(role appointment.Role, id uuid.UUID, query string) AppointmentListResponse {
		rec := ts.do(t, http.MethodGet, "/appointments"+query, role, id, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp AppointmentListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	assert.Len(t, list(appointment.RoleStaff, ts.staff, "?date=2024-01-10").Appointments, 2)
	assert.Len(t, list(appointment.RolePatient, ts.patient, "").Appointments, 1)
	assert.Len(t, list(appointment.RoleStaff, ts.staff, "?status=CONFIRMED").Appointments, 0)
	assert.Len(t, list(appointment.RoleStaff, ts.staff, "?limit=1").Appointments, 1)

	rec := ts.do(t, http.MethodGet, "/appointments?status=LOST", appointment.RoleStaff, ts.staff, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueFlow(t *testing.T) {
	ts := newTestServer(t)
	first := ts.book(t, ts.patient, "09:00")
	second := ts.book(t, ts.other, "09:30")

	for _, appt := range []AppointmentResponse{first, second} {
		rec := ts.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/queue", appointment.RoleStaff, ts.staff, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "not_eligible", decodeError(t, rec).Error)

		rec = ts.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/confirm", appointment.RoleStaff, ts.staff, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodPost, "/queues/"+ts.doctor.String()+"/2024-01-10/activate", appointment.RoleDoctor, ts.doctor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/queues/"+ts.doctor.String()+"/2024-01-10/activate", appointment.RoleStaff, ts.staff, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var activated ActivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &activated))
	assert.Equal(t, 2, activated.Enqueued)

	rec = ts.do(t, http.MethodPost, "/appointments/"+first.ID.String()+"/queue", appointment.RolePatient, ts.patient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry QueueEntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, 1, entry.Token)
	assert.Equal(t, "Asha", entry.PatientName)

	queueURL := "/queues/" + ts.doctor.String() + "/2024-01-10"

	rec = ts.do(t, http.MethodPost, queueURL+"/next", appointment.RolePatient, ts.patient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, queueURL+"/next", appointment.RoleDoctor, ts.doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, 1, entry.Token)
	assert.Equal(t, "SERVING", entry.Status)

	rec = ts.do(t, http.MethodPost, queueURL+"/skip/2", appointment.RoleStaff, ts.staff, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, queueURL+"/skip/abc", appointment.RoleStaff, ts.staff, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, queueURL+"/pause", appointment.RoleStaff, ts.staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, queueURL+"/next", appointment.RoleDoctor, ts.doctor, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "queue_paused", decodeError(t, rec).Error)

	rec = ts.do(t, http.MethodPost, queueURL+"/resume", appointment.RoleStaff, ts.staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, queueURL+"/next", appointment.RoleDoctor, ts.doctor, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "queue_empty", decodeError(t, rec).Error)

	rec = ts.do(t, http.MethodGet, queueURL, appointment.RolePatient, ts.other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap QueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.CurrentServingToken)
	assert.Equal(t, 1, *snap.CurrentServingToken)
	assert.Equal(t, 3, snap.NextToken)
	assert.Equal(t, 0, snap.WaitingCount)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "SERVING", snap.Entries[0].Status)
	assert.Equal(t, "SKIPPED", snap.Entries[1].Status)
}
