package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

// Fixture is a schedule snapshot used to seed a MemoryStore.
type Fixture struct {
	Drivers []model.Driver  `json:"drivers"`
	Shifts  []model.Shift   `json:"shifts"`
	TimeOff []model.TimeOff `json:"time_off"`
}

// LoadFixture decodes a fixture and loads it into a fresh MemoryStore.
// Records are loaded as given; the commit guards do not run.
func LoadFixture(r io.Reader) (*MemoryStore, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}

	store := NewMemoryStore()
	for _, d := range f.Drivers {
		if d.ID == "" {
			return nil, fmt.Errorf("fixture driver without id")
		}
		if d.Status == "" {
			d.Status = model.DriverStatusActive
		}
		if err := store.UpsertDriver(context.Background(), d); err != nil {
			return nil, err
		}
	}
	for _, s := range f.Shifts {
		if s.ID == "" || s.DriverID == "" {
			return nil, fmt.Errorf("fixture shift needs id and driver_id")
		}
		store.PutShift(s)
	}
	for _, t := range f.TimeOff {
		if t.ID == "" || t.DriverID == "" {
			return nil, fmt.Errorf("fixture time off needs id and driver_id")
		}
		if t.Status == "" {
			t.Status = model.TimeOffStatusApproved
		}
		store.PutTimeOff(t)
	}
	return store, nil
}

func LoadFixtureFile(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFixture(f)
}
