package seeddata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/appointment"
)

func TestGenerate(t *testing.T) {
	from := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	ds := Generate(Options{Doctors: 5, Patients: 40, From: from, BlockDays: 7, Seed: 42})

	require.Len(t, ds.Doctors, 5)
	require.Len(t, ds.Patients, 40)
	assert.Len(t, ds.Availability, 5*5*2)
	assert.LessOrEqual(t, len(ds.Blocks), 5*2)

	for _, d := range ds.Doctors {
		require.NotNil(t, d.Specialty)
		assert.Contains(t, specialties, *d.Specialty)
	}
	for _, p := range ds.Patients {
		assert.NotEmpty(t, p.Name)
		require.NotNil(t, p.Email)
	}
	for _, a := range ds.Availability {
		assert.True(t, a.StartTime < a.EndTime)
		assert.Contains(t, slotDurations, a.SlotDurationMinutes)
		assert.NotEqual(t, time.Saturday, a.DayOfWeek)
		assert.NotEqual(t, time.Sunday, a.DayOfWeek)
	}
	for _, b := range ds.Blocks {
		assert.False(t, b.Date.Before(from))
		assert.True(t, b.Date.Before(from.AddDate(0, 0, 7)))
	}
}

func TestLoadInto(t *testing.T) {
	ds := Generate(Options{Doctors: 2, Patients: 3, From: time.Now(), Seed: 7})
	repo := appointment.NewMemoryRepository()
	require.NoError(t, ds.LoadInto(repo))

	ctx := context.Background()
	d := ds.Doctors[0]
	got, err := repo.GetDoctorByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)

	windows, err := repo.ListAvailability(ctx, d.ID, time.Tuesday)
	require.NoError(t, err)
	assert.Len(t, windows, 2)

	_, err = repo.GetPatientByID(ctx, ds.Patients[2].ID)
	assert.NoError(t, err)
}
