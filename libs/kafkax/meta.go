package kafkax

import (
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Header keys every schedule event carries.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
)

// EventMeta identifies a message for inbox de-duplication.
type EventMeta struct {
	EventID   string
	EventType string
}

// ExtractEventMeta reads the event headers. Without an event_id header the
// message position stands in: keys are entity ids (one driver sends many
// updates) and would collapse distinct events.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventID == "" {
		eventID = Position(msg)
	}
	if eventType == "" {
		eventType = msg.Topic
	}
	return EventMeta{EventID: eventID, EventType: eventType}
}

// Position is topic/partition/offset, unique per delivered record.
func Position(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
