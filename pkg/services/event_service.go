package services

import (
	"context"
	"fmt"
	"time"

	"github.com/vibeworks/vibed/pkg/database"
	"github.com/vibeworks/vibed/pkg/models"
)

// EventService manages the append-only job event log.
type EventService struct {
	client *database.Client
}

// NewEventService creates a new EventService.
func NewEventService(client *database.Client) *EventService {
	return &EventService{client: client}
}

// CreateEvent appends an event to a job's log and returns it with its
// assigned id. Writes use a bounded background context so an expiring
// request context cannot drop log entries.
func (s *EventService) CreateEvent(_ context.Context, jobID, message string, severity models.Severity) (*models.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC().UnixMilli()
	res, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO events (job_id, message, severity, event_time) VALUES (?, ?, ?, ?)`,
		jobID, message, string(severity), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read event id: %w", err)
	}

	return &models.Event{
		EventID:   id,
		JobID:     jobID,
		Message:   message,
		Severity:  severity,
		EventTime: now,
	}, nil
}

// GetEventsForJob returns a job's full event log in replay order.
func (s *EventService) GetEventsForJob(ctx context.Context, jobID string) ([]*models.Event, error) {
	return s.queryEvents(ctx,
		`SELECT event_id, job_id, message, severity, event_time
		 FROM events WHERE job_id = ?
		 ORDER BY event_time ASC, event_id ASC`,
		jobID)
}

// GetEventsSince returns a job's events with id greater than sinceID, in
// replay order. Used by SSE polling and WebSocket catch-up.
func (s *EventService) GetEventsSince(ctx context.Context, jobID string, sinceID int64) ([]*models.Event, error) {
	return s.queryEvents(ctx,
		`SELECT event_id, job_id, message, severity, event_time
		 FROM events WHERE job_id = ? AND event_id > ?
		 ORDER BY event_time ASC, event_id ASC`,
		jobID, sinceID)
}

func (s *EventService) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var severity string
		if err := rows.Scan(&e.EventID, &e.JobID, &e.Message, &severity, &e.EventTime); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Severity = models.Severity(severity)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// CleanupOldEvents removes events of terminal jobs older than ttlDays.
// Events of running jobs are kept so live subscribers never lose replay.
func (s *EventService) CleanupOldEvents(_ context.Context, ttlDays int) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-time.Duration(ttlDays) * 24 * time.Hour).UnixMilli()
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM events
		 WHERE event_time < ?
		   AND job_id IN (SELECT job_id FROM jobs WHERE execution_state IN ('completed', 'failed'))`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}
	return res.RowsAffected()
}
