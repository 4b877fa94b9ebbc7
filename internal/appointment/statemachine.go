package appointment

import (
	"fmt"
	"time"
)

// permission lists who may apply one transition.
type permission struct {
	staff      bool
	system     bool
	ownDoctor  bool
	ownPatient bool
	// afterStart requires the slot start to have passed.
	afterStart bool
}

var transitions = map[Status]map[Status]permission{
	StatusPending: {
		StatusConfirmed: {staff: true, system: true, ownDoctor: true},
		StatusCancelled: {staff: true, ownPatient: true},
	},
	StatusConfirmed: {
		StatusCancelled: {staff: true, ownPatient: true},
		StatusCompleted: {staff: true, ownDoctor: true},
		StatusMissed:    {staff: true, system: true, afterStart: true},
	},
}

// checkTransition validates moving a to status to on behalf of actor at
// instant now.
func checkTransition(a *Appointment, to Status, actor Actor, now time.Time) error {
	perm, ok := transitions[a.Status][to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	if !perm.allows(actor, a) {
		return fmt.Errorf("%w: %s may not move %s to %s", ErrForbidden, actor.Role, a.Status, to)
	}
	if perm.afterStart && now.Before(a.Time.On(a.Date, now.Location())) {
		return fmt.Errorf("%w: slot %s %s has not started", ErrInvalidTransition, a.Date.Format("2006-01-02"), a.Time)
	}
	return nil
}

func (p permission) allows(actor Actor, a *Appointment) bool {
	switch actor.Role {
	case RoleStaff:
		return p.staff
	case RoleSystem:
		return p.system
	case RoleDoctor:
		return p.ownDoctor && actor.ID == a.DoctorID
	case RolePatient:
		return p.ownPatient && actor.ID == a.PatientID
	}
	return false
}
