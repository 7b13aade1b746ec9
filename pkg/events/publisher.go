package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vibeworks/vibed/pkg/masking"
	"github.com/vibeworks/vibed/pkg/metrics"
	"github.com/vibeworks/vibed/pkg/models"
	"github.com/vibeworks/vibed/pkg/services"
)

// Publisher writes job events to the store and fans them out to WebSocket
// subscribers. The store write is authoritative — SSE replay and WS catchup
// read it back — while the live broadcast is best-effort. Either half may
// fail without affecting the engine: telemetry never fails a job.
//
// Every message is masked here, before the store write: log lines embed
// git errors, HTTP responses, and build output, and those carry tokens.
type Publisher struct {
	eventService *services.EventService
	manager      *ConnectionManager
	masker       *masking.Masker
	logger       *slog.Logger
}

// NewPublisher creates a Publisher. manager may be nil (store-only mode,
// used by tests and early startup).
func NewPublisher(es *services.EventService, manager *ConnectionManager) *Publisher {
	return &Publisher{
		eventService: es,
		manager:      manager,
		masker:       masking.NewMasker(),
		logger:       slog.Default(),
	}
}

// JobLog persists one annotated activity line for jobID and broadcasts it
// to the job's channel.
func (p *Publisher) JobLog(ctx context.Context, jobID, message string, severity models.Severity) {
	message = p.masker.Mask(message)
	evt, err := p.eventService.CreateEvent(ctx, jobID, message, severity)
	if err != nil {
		p.logger.Warn("Failed to persist job event", "job_id", jobID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.Inc()

	p.broadcast(JobChannel(jobID), JobLogPayload{
		Type:      EventTypeJobLog,
		JobID:     jobID,
		Message:   message,
		Severity:  string(severity),
		Timestamp: time.UnixMilli(evt.EventTime).UTC().Format(time.RFC3339Nano),
	}, evt.EventID)
}

// JobStatus persists a state-transition event for the job and broadcasts a
// typed status payload to the job's channel and, transiently, to the global
// jobs channel for the dashboard list.
func (p *Publisher) JobStatus(ctx context.Context, job *models.Job, detail string) {
	detail = p.masker.Mask(detail)
	message := "state → " + string(job.ExecutionState)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	evt, err := p.eventService.CreateEvent(ctx, job.JobID, message, statusSeverity(job.ExecutionState))
	if err != nil {
		p.logger.Warn("Failed to persist status event", "job_id", job.JobID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.Inc()

	payload := JobStatusPayload{
		Type:      EventTypeJobStatus,
		JobID:     job.JobID,
		ProjectID: job.ProjectID,
		State:     string(job.ExecutionState),
		Detail:    detail,
		Timestamp: time.UnixMilli(evt.EventTime).UTC().Format(time.RFC3339Nano),
	}
	p.broadcast(JobChannel(job.JobID), payload, evt.EventID)
	p.broadcast(ChannelJobs, payload, evt.EventID)
}

// broadcast marshals payload, injects the event ID for client position
// tracking, and hands it to the connection manager.
func (p *Publisher) broadcast(channel string, payload any, eventID int64) {
	if p.manager == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal event payload", "channel", channel, "error", err)
		return
	}
	enriched, err := injectEventID(data, eventID)
	if err != nil {
		p.logger.Warn("Failed to enrich event payload", "channel", channel, "error", err)
		return
	}
	p.manager.Broadcast(channel, enriched)
}

// injectEventID adds event_id to the JSON payload so clients can resume
// with catchup after a reconnect.
func injectEventID(payloadJSON []byte, eventID int64) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload for event_id injection: %w", err)
	}
	m["event_id"] = eventID
	return json.Marshal(m)
}

func statusSeverity(state models.ExecutionState) models.Severity {
	switch state {
	case models.StateFailed:
		return models.SeverityError
	case models.StateCompleted:
		return models.SeveritySuccess
	default:
		return models.SeverityInfo
	}
}
