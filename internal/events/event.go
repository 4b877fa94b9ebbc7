// Package events defines the domain events emitted by the scheduling core and
// the topics they are published on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Type string

const (
	AppointmentCreated       Type = "AppointmentCreated"
	AppointmentStatusChanged Type = "AppointmentStatusChanged"
	AppointmentRescheduled   Type = "AppointmentRescheduled"
	AppointmentQueued        Type = "AppointmentQueued"
	QueueAdvanced            Type = "QueueAdvanced"
)

// Event is the envelope delivered to live sessions, the relay and the
// notification stream.
type Event struct {
	Type      Type            `json:"type"`
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AppointmentPayload is the body of appointment events.
type AppointmentPayload struct {
	AppointmentID    uuid.UUID `json:"appointmentId"`
	PatientID        uuid.UUID `json:"patientId"`
	DoctorID         uuid.UUID `json:"doctorId"`
	PatientName      string    `json:"patientName,omitempty"`
	Date             string    `json:"date"`
	Time             string    `json:"time"`
	ConsultationType string    `json:"consultationType"`
	Status           string    `json:"status"`
	OldStatus        string    `json:"oldStatus,omitempty"`
	PreviousDate     string    `json:"previousDate,omitempty"`
	PreviousTime     string    `json:"previousTime,omitempty"`
	Token            *int      `json:"token,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// QueuePayload is the body of QueueAdvanced events.
type QueuePayload struct {
	DoctorID            uuid.UUID  `json:"doctorId"`
	Date                string     `json:"date"`
	Action              string     `json:"action"`
	CurrentServingToken *int       `json:"currentServingToken"`
	WaitingCount        int        `json:"waitingCount"`
	Paused              bool       `json:"paused"`
	Token               int        `json:"token,omitempty"`
	AppointmentID       *uuid.UUID `json:"appointmentId,omitempty"`
	PatientName         string     `json:"patientName,omitempty"`
	Status              string     `json:"status,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// QueueTopic is the queue room of one doctor for one day.
func QueueTopic(doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("queue:%s:%s", doctorID, date.Format("2006-01-02"))
}

// AppointmentTopic is the per-appointment channel.
func AppointmentTopic(id uuid.UUID) string {
	return "appointment:" + id.String()
}

// New marshals payload into an event envelope.
func New(typ Type, topic string, payload any, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		Type:      typ,
		Topic:     topic,
		Timestamp: at,
		Data:      data,
	}, nil
}

// Decode unmarshals the event body into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher accepts events after the state change they describe committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Fanout delivers each event to every target in order. A failing target does
// not stop delivery to the others.
type Fanout struct {
	targets []Publisher
}

func NewFanout(targets ...Publisher) *Fanout {
	return &Fanout{targets: targets}
}

// Add appends a target.
func (f *Fanout) Add(p Publisher) {
	f.targets = append(f.targets, p)
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit builds and publishes an event. Publication is fire-and-forget: the
// mutation already committed, so failures are only logged.
func Emit(ctx context.Context, pub Publisher, log logrus.FieldLogger, typ Type, topic string, payload any, at time.Time) {
	if pub == nil {
		return
	}
	ev, err := New(typ, topic, payload, at)
	if err != nil {
		log.WithError(err).WithField("event", typ).Error("failed to build event")
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"event": typ,
			"topic": topic,
		}).Warn("event publish failed")
	}
}
