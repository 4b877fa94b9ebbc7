package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type BookAppointmentRequest struct {
	PatientID        string `json:"patientId" validate:"required,uuid"`
	DoctorID         string `json:"doctorId" validate:"required,uuid"`
	Date             string `json:"date" validate:"required,day"`
	Time             string `json:"time" validate:"required,hhmm"`
	ConsultationType string `json:"consultationType" validate:"required,oneof=IN_PERSON TELEMEDICINE"`
	ReasonForVisit   string `json:"reasonForVisit" validate:"max=500"`
}

type RescheduleRequest struct {
	Date string `json:"date" validate:"required,day"`
	Time string `json:"time" validate:"required,hhmm"`
}

type EnqueueRequest struct {
	Priority bool `json:"priority"`
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	PatientID        uuid.UUID `json:"patientId"`
	DoctorID         uuid.UUID `json:"doctorId"`
	Date             string    `json:"date"`
	Time             string    `json:"time"`
	ConsultationType string    `json:"consultationType"`
	ReasonForVisit   string    `json:"reasonForVisit,omitempty"`
	Status           string    `json:"status"`
	QueueToken       *int      `json:"queueToken"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type SlotsResponse struct {
	DoctorID         uuid.UUID          `json:"doctorId"`
	Date             string             `json:"date"`
	ConsultationType string             `json:"consultationType"`
	Slots            []appointment.Slot `json:"slots"`
}

type QueueEntryResponse struct {
	Token         int       `json:"token"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	PatientID     uuid.UUID `json:"patientId"`
	PatientName   string    `json:"patientName"`
	Priority      bool      `json:"priority"`
	Status        string    `json:"status"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type QueueResponse struct {
	DoctorID            uuid.UUID            `json:"doctorId"`
	Date                string               `json:"date"`
	CurrentServingToken *int                 `json:"currentServingToken"`
	NextToken           int                  `json:"nextToken"`
	WaitingCount        int                  `json:"waitingCount"`
	Paused              bool                 `json:"paused"`
	UpdatedAt           *time.Time           `json:"updatedAt,omitempty"`
	Entries             []QueueEntryResponse `json:"entries"`
}

type ActivateResponse struct {
	Date     string `json:"date"`
	Enqueued int    `json:"enqueued"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		DoctorID:         a.DoctorID,
		Date:             clock.FormatDate(a.Date),
		Time:             a.Time.String(),
		ConsultationType: string(a.ConsultationType),
		ReasonForVisit:   a.ReasonForVisit,
		Status:           string(a.Status),
		QueueToken:       a.QueueToken,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func toQueueEntryResponse(e *queue.Entry) QueueEntryResponse {
	return QueueEntryResponse{
		Token:         e.Token,
		AppointmentID: e.AppointmentID,
		PatientID:     e.PatientID,
		PatientName:   e.PatientName,
		Priority:      e.Priority,
		Status:        string(e.State),
		EnqueuedAt:    e.EnqueuedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func toQueueResponse(v queue.View) QueueResponse {
	resp := QueueResponse{
		DoctorID:            v.DoctorID,
		Date:                clock.FormatDate(v.Date),
		CurrentServingToken: v.CurrentServingToken,
		NextToken:           v.NextToken,
		WaitingCount:        v.WaitingCount,
		Paused:              v.Paused,
		Entries:             make([]QueueEntryResponse, 0, len(v.Entries)),
	}
	if !v.UpdatedAt.IsZero() {
		at := v.UpdatedAt
		resp.UpdatedAt = &at
	}
	for i := range v.Entries {
		resp.Entries = append(resp.Entries, toQueueEntryResponse(&v.Entries[i]))
	}
	return resp
}
