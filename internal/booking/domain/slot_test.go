package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

func TestParseSlot(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	slot, err := domain.ParseSlot("2025-10-15", "14:00", berlin)
	require.NoError(t, err)
	assert.Equal(t, "2025-10-15", slot.Date)
	assert.Equal(t, "14:00", slot.Time)
	assert.Equal(t, time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC), slot.StartsAt)
	assert.Equal(t, "2025-10-15 14:00", slot.String())

	for _, tc := range []struct{ date, clock string }{
		{"15/10/2025", "14:00"},
		{"2025-10-15", "2pm"},
		{"2025-02-30", "14:00"},
		{"2025-10-15", "25:00"},
		{"", ""},
	} {
		_, err := domain.ParseSlot(tc.date, tc.clock, time.UTC)
		assert.ErrorIs(t, err, sharedDomain.ErrValidation, "%s %s", tc.date, tc.clock)
	}
}

func TestOperatingHours_Check(t *testing.T) {
	hours := domain.DefaultOperatingHours(time.UTC)
	now := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		date  string
		clock string
		ok    bool
	}{
		{"first slot", "2025-10-15", "08:00", true},
		{"mid day", "2025-10-15", "14:30", true},
		{"last slot", "2025-10-15", "17:30", true},
		{"before opening", "2025-10-15", "07:30", false},
		{"at closing", "2025-10-15", "18:00", false},
		{"off grid", "2025-10-15", "14:15", false},
		{"in the past", "2025-09-30", "14:00", false},
		{"now", "2025-10-01", "09:00", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			slot, err := domain.ParseSlot(tc.date, tc.clock, time.UTC)
			require.NoError(t, err)
			err = hours.Check(slot, now)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, sharedDomain.ErrValidation)
			}
		})
	}
}

func TestOperatingHours_SlotsOn(t *testing.T) {
	hours := domain.OperatingHours{Opens: "09:00", Closes: "11:00", SlotMinutes: 30, Location: time.UTC}
	slots, err := hours.SlotsOn("2025-10-15")
	require.NoError(t, err)

	var times []string
	for _, s := range slots {
		times = append(times, s.Time)
	}
	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30"}, times)

	_, err = domain.OperatingHours{Opens: "10:00", Closes: "09:00", SlotMinutes: 30}.SlotsOn("2025-10-15")
	assert.Error(t, err)
}
