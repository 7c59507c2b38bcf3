package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

const DefaultRosterTopic = "driver.roster.updated.v1"

type DriverUpserter interface {
	UpsertDriver(ctx context.Context, d model.Driver) error
}

type rosterUpdate struct {
	DriverID string `json:"driver_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// RosterHandler applies driver roster updates to the store.
func RosterHandler(store DriverUpserter) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var u rosterUpdate
		if err := json.Unmarshal(msg.Value, &u); err != nil {
			return fmt.Errorf("decode roster update: %w", err)
		}
		d, err := u.driver()
		if err != nil {
			return err
		}
		return store.UpsertDriver(ctx, d)
	}
}

func (u rosterUpdate) driver() (model.Driver, error) {
	id := strings.TrimSpace(u.DriverID)
	if id == "" {
		return model.Driver{}, fmt.Errorf("roster update without driver_id")
	}
	status := strings.ToLower(strings.TrimSpace(u.Status))
	if status == "" {
		status = model.DriverStatusActive
	}
	switch status {
	case model.DriverStatusActive, model.DriverStatusInactive, model.DriverStatusOnLeave:
	default:
		return model.Driver{}, fmt.Errorf("roster update for %s: unknown status %q", id, u.Status)
	}
	return model.Driver{ID: id, Name: strings.TrimSpace(u.Name), Status: status}, nil
}
