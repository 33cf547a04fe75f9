package domain

import (
	"fmt"
	"time"

	sharedDomain "github.com/felixgeelhaar/clinicflow/internal/shared/domain"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Slot is a bookable start time. Date and Time are the clinic-local values
// patients pick; StartsAt is the same instant in UTC.
type Slot struct {
	Date     string
	Time     string
	StartsAt time.Time
}

// ParseSlot parses a YYYY-MM-DD date and HH:MM time in loc.
func ParseSlot(date, clock string, loc *time.Location) (Slot, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return Slot{}, sharedDomain.Validationf("invalid slot %q %q: use YYYY-MM-DD and HH:MM", date, clock)
	}
	return Slot{
		Date:     start.Format(DateLayout),
		Time:     start.Format(TimeLayout),
		StartsAt: start.UTC(),
	}, nil
}

func (s Slot) String() string {
	return s.Date + " " + s.Time
}

// OperatingHours describes when the clinic takes appointments.
type OperatingHours struct {
	Opens       string
	Closes      string
	SlotMinutes int
	Location    *time.Location
}

// DefaultOperatingHours returns 08:00-18:00 in 30 minute slots.
func DefaultOperatingHours(loc *time.Location) OperatingHours {
	return OperatingHours{Opens: "08:00", Closes: "18:00", SlotMinutes: 30, Location: loc}
}

// Check validates that slot is bookable at now: in the future, on the slot
// grid and finishing before closing time.
func (h OperatingHours) Check(slot Slot, now time.Time) error {
	if !slot.StartsAt.After(now) {
		return sharedDomain.Validationf("slot %s is in the past", slot)
	}

	opens, closes, err := h.bounds()
	if err != nil {
		return err
	}
	start, err := minutesOfDay(slot.Time)
	if err != nil {
		return err
	}
	if start < opens || start+h.SlotMinutes > closes {
		return sharedDomain.Validationf("slot %s is outside operating hours %s-%s", slot, h.Opens, h.Closes)
	}
	if (start-opens)%h.SlotMinutes != 0 {
		return sharedDomain.Validationf("slot %s is not aligned to %d minute slots", slot, h.SlotMinutes)
	}
	return nil
}

// SlotsOn lists every slot start time of date, in order.
func (h OperatingHours) SlotsOn(date string) ([]Slot, error) {
	opens, closes, err := h.bounds()
	if err != nil {
		return nil, err
	}
	var slots []Slot
	for m := opens; m+h.SlotMinutes <= closes; m += h.SlotMinutes {
		slot, err := ParseSlot(date, fmt.Sprintf("%02d:%02d", m/60, m%60), h.Location)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func (h OperatingHours) bounds() (int, int, error) {
	if h.SlotMinutes <= 0 {
		return 0, 0, fmt.Errorf("slot length must be positive, got %d", h.SlotMinutes)
	}
	opens, err := minutesOfDay(h.Opens)
	if err != nil {
		return 0, 0, err
	}
	closes, err := minutesOfDay(h.Closes)
	if err != nil {
		return 0, 0, err
	}
	if closes <= opens {
		return 0, 0, fmt.Errorf("closing time %s must be after opening time %s", h.Closes, h.Opens)
	}
	return opens, closes, nil
}

func minutesOfDay(clock string) (int, error) {
	t, err := time.Parse(TimeLayout, clock)
	if err != nil {
		return 0, sharedDomain.Validationf("invalid time of day %q", clock)
	}
	return t.Hour()*60 + t.Minute(), nil
}
