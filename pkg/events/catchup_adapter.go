package events

import (
	"context"
	"time"

	"github.com/vibeworks/vibed/pkg/services"
)

// EventServiceAdapter wraps services.EventService to implement CatchupQuerier.
type EventServiceAdapter struct {
	eventService *services.EventService
}

// NewEventServiceAdapter creates a CatchupQuerier from an EventService.
func NewEventServiceAdapter(es *services.EventService) *EventServiceAdapter {
	return &EventServiceAdapter{eventService: es}
}

// GetCatchupEvents queries events since sinceID up to limit for the catchup
// mechanism. Only per-job channels replay; the global jobs channel carries
// transient status copies whose source of truth is the jobs REST listing.
func (a *EventServiceAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	jobID, ok := ParseJobChannel(channel)
	if !ok {
		return nil, nil
	}

	events, err := a.eventService.GetEventsSince(ctx, jobID, sinceID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	result := make([]CatchupEvent, len(events))
	for i, evt := range events {
		result[i] = CatchupEvent{
			ID: evt.EventID,
			Payload: map[string]interface{}{
				"type":      EventTypeJobLog,
				"job_id":    evt.JobID,
				"message":   evt.Message,
				"severity":  string(evt.Severity),
				"timestamp": time.UnixMilli(evt.EventTime).UTC().Format(time.RFC3339Nano),
			},
		}
	}
	return result, nil
}
