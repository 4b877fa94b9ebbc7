// Package seeddata generates a fake clinic: doctors with weekly schedules
// and leave blocks, plus patients. The seed command writes it to Postgres and
// the api-server loads it into the memory store for local runs.
package seeddata

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/clock"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var slotDurations = []int{10, 15, 20, 30}

type Options struct {
	Doctors  int
	Patients int
	// From is the first day that may receive a leave block.
	From time.Time
	// BlockDays is how many days after From are considered for blocks.
	BlockDays int
	// Seed makes the output reproducible; 0 picks a random seed.
	Seed uint64
}

type Dataset struct {
	Doctors      []appointment.Doctor
	Patients     []appointment.Patient
	Availability []appointment.Availability
	Blocks       []appointment.Block
}

// Generate builds a dataset. Every doctor works Monday to Friday with a
// morning and an afternoon window and gets at most two leave blocks.
func Generate(opts Options) Dataset {
	f := gofakeit.New(opts.Seed)
	if opts.BlockDays <= 0 {
		opts.BlockDays = 14
	}
	from := clock.DateOf(opts.From)

	var ds Dataset
	for i := 0; i < opts.Doctors; i++ {
		spec := f.RandomString(specialties)
		d := appointment.Doctor{
			ID:        uuid.New(),
			Name:      "Dr. " + f.LastName(),
			Specialty: &spec,
		}
		ds.Doctors = append(ds.Doctors, d)
		ds.Availability = append(ds.Availability, weekSchedule(f, d.ID)...)
		ds.Blocks = append(ds.Blocks, leaveBlocks(f, d.ID, from, opts.BlockDays)...)
	}

	for i := 0; i < opts.Patients; i++ {
		email, phone := f.Email(), f.Phone()
		ds.Patients = append(ds.Patients, appointment.Patient{
			ID:    uuid.New(),
			Name:  f.Name(),
			Email: &email,
			Phone: &phone,
		})
	}
	return ds
}

func weekSchedule(f *gofakeit.Faker, doctorID uuid.UUID) []appointment.Availability {
	duration := slotDurations[f.Number(0, len(slotDurations)-1)]
	telemedicine := f.Bool()

	windows := [][2]string{{"09:00", "12:00"}, {"14:00", "17:00"}}

	var out []appointment.Availability
	for day := time.Monday; day <= time.Friday; day++ {
		for _, w := range windows {
			out = append(out, appointment.Availability{
				DoctorID:             doctorID,
				DayOfWeek:            day,
				StartTime:            appointment.MustSlotTime(w[0]),
				EndTime:              appointment.MustSlotTime(w[1]),
				SlotDurationMinutes:  duration,
				MaxPatientsPerSlot:   1,
				SupportsInPerson:     true,
				SupportsTelemedicine: telemedicine,
				IsActive:             true,
			})
		}
	}
	return out
}

func leaveBlocks(f *gofakeit.Faker, doctorID uuid.UUID, from time.Time, days int) []appointment.Block {
	var out []appointment.Block
	for i := f.Number(0, 2); i > 0; i-- {
		b := appointment.Block{
			DoctorID: doctorID,
			Date:     from.AddDate(0, 0, f.Number(0, days-1)),
			Reason:   f.RandomString([]string{"Conference", "Leave", "Surgery", "Training"}),
		}
		// Half of the blocks only cover the morning window.
		if f.Bool() {
			start := appointment.MustSlotTime("09:00")
			end := appointment.MustSlotTime("12:00")
			b.StartTime = &start
			b.EndTime = &end
		}
		out = append(out, b)
	}
	return out
}

// LoadInto copies the dataset into a memory repository.
func (ds Dataset) LoadInto(repo *appointment.MemoryRepository) error {
	for _, d := range ds.Doctors {
		repo.AddDoctor(d)
	}
	for _, p := range ds.Patients {
		repo.AddPatient(p)
	}
	for _, a := range ds.Availability {
		repo.AddAvailability(a)
	}
	for _, b := range ds.Blocks {
		if err := repo.AddBlock(b); err != nil {
			return fmt.Errorf("load block for doctor %s: %w", b.DoctorID, err)
		}
	}
	return nil
}
