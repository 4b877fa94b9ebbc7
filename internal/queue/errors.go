package queue

import (
	"errors"
	"fmt"

	"github.com/hackgods/clinic-queue/internal/appointment"
)

var (
	ErrQueueEmpty    = errors.New("no waiting entries in queue")
	ErrAlreadyQueued = errors.New("appointment was already served in this queue")
	ErrQueuePaused   = errors.New("queue is paused")
	ErrNotServing    = errors.New("no entry is being served")
	ErrNotSkippable  = errors.New("entry is already done or skipped")
	ErrNotEligible   = errors.New("only confirmed appointments can join the queue")
	ErrEntryNotFound = fmt.Errorf("queue entry %w", appointment.ErrNotFound)

	// ErrDayChanged is returned by a Store when the day was saved by another
	// writer since it was loaded.
	ErrDayChanged = errors.New("queue day changed since it was loaded")
)
