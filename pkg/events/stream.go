package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/vibeworks/vibed/pkg/models"
)

// defaultPollInterval is how often the stream checks the store for new
// events after the initial replay.
const defaultPollInterval = time.Second

// streamBuffer bounds per-subscriber buffering. A subscriber that stops
// reading stalls only its own goroutine, which exits on context cancel.
const streamBuffer = 64

// Frame is one SSE delivery unit: either a stored event or the terminal
// marker carrying the job's final state.
type Frame struct {
	Event    *models.Event
	Terminal bool
	State    models.ExecutionState
}

// EventSource reads stored events. Implemented by services.EventService.
type EventSource interface {
	GetEventsForJob(ctx context.Context, jobID string) ([]*models.Event, error)
	GetEventsSince(ctx context.Context, jobID string, sinceID int64) ([]*models.Event, error)
}

// JobLookup resolves a job regardless of tenant; the API handler has
// already authorised the caller. Implemented by services.JobService.
type JobLookup interface {
	GetJobAny(ctx context.Context, jobID string) (*models.Job, error)
}

// LogStream provides ordered per-job event subscriptions: a full replay of
// everything stored, then new events as they arrive, then a terminal frame.
type LogStream struct {
	events       EventSource
	jobs         JobLookup
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewLogStream creates a LogStream polling at the default 1 s interval.
func NewLogStream(events EventSource, jobs JobLookup) *LogStream {
	return &LogStream{
		events:       events,
		jobs:         jobs,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
}

// Subscribe streams jobID's events in order. The returned channel closes
// after the terminal frame is delivered or when ctx is cancelled;
// cancellation is total and idempotent.
func (s *LogStream) Subscribe(ctx context.Context, jobID string) <-chan Frame {
	ch := make(chan Frame, streamBuffer)
	go s.run(ctx, jobID, ch)
	return ch
}

func (s *LogStream) run(ctx context.Context, jobID string, ch chan<- Frame) {
	defer close(ch)

	var lastID int64

	replay, err := s.events.GetEventsForJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("Event replay failed", "job_id", jobID, "error", err)
		return
	}
	for _, evt := range replay {
		if !s.send(ctx, ch, Frame{Event: evt}) {
			return
		}
		lastID = evt.EventID
	}

	// The job may already be terminal; deliver the marker without waiting
	// out a poll cycle.
	if done := s.finishIfTerminal(ctx, jobID, &lastID, ch); done {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.deliverSince(ctx, jobID, &lastID, ch) {
			return
		}
		if done := s.finishIfTerminal(ctx, jobID, &lastID, ch); done {
			return
		}
	}
}

// deliverSince sends every event newer than *lastID. Returns false when
// the subscriber is gone.
func (s *LogStream) deliverSince(ctx context.Context, jobID string, lastID *int64, ch chan<- Frame) bool {
	evts, err := s.events.GetEventsSince(ctx, jobID, *lastID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("Event poll failed", "job_id", jobID, "error", err)
		return true
	}
	for _, evt := range evts {
		if !s.send(ctx, ch, Frame{Event: evt}) {
			return false
		}
		*lastID = evt.EventID
	}
	return true
}

// finishIfTerminal checks the job state and, when terminal, drains any
// events written between the last poll and the state read, then delivers
// the terminal frame. Returns true when the stream is finished.
func (s *LogStream) finishIfTerminal(ctx context.Context, jobID string, lastID *int64, ch chan<- Frame) bool {
	job, err := s.jobs.GetJobAny(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.logger.Warn("Job lookup failed during stream", "job_id", jobID, "error", err)
		return true
	}
	if !job.ExecutionState.IsTerminal() {
		return false
	}

	if !s.deliverSince(ctx, jobID, lastID, ch) {
		return true
	}
	s.send(ctx, ch, Frame{Terminal: true, State: job.ExecutionState})
	return true
}

func (s *LogStream) send(ctx context.Context, ch chan<- Frame, f Frame) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
