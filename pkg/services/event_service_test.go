package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibeworks/vibed/pkg/models"
)

func TestCreateAndReplayEvents(t *testing.T) {
	client := newTestClient(t)
	svc := NewEventService(client)
	ctx := context.Background()
	job := createTestJob(t, client, "tenant-a", "log things")

	e1, err := svc.CreateEvent(ctx, job.JobID, "job queued", models.SeverityInfo)
	require.NoError(t, err)
	e2, err := svc.CreateEvent(ctx, job.JobID, "cloning repository", models.SeverityInfo)
	require.NoError(t, err)
	e3, err := svc.CreateEvent(ctx, job.JobID, "preflight failed", models.SeverityError)
	require.NoError(t, err)
	assert.Greater(t, e2.EventID, e1.EventID)

	events, err := svc.GetEventsForJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "job queued", events[0].Message)
	assert.Equal(t, "preflight failed", events[2].Message)
	assert.Equal(t, models.SeverityError, events[2].Severity)

	since, err := svc.GetEventsSince(ctx, job.JobID, e1.EventID)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, e2.EventID, since[0].EventID)
	assert.Equal(t, e3.EventID, since[1].EventID)
}

func TestReplayOrderBreaksTiesByEventID(t *testing.T) {
	client := newTestClient(t)
	svc := NewEventService(client)
	ctx := context.Background()
	job := createTestJob(t, client, "tenant-a", "same instant")

	// Same event_time; replay must fall back to insertion order.
	for _, msg := range []string{"first", "second", "third"} {
		_, err := client.DB().Exec(
			`INSERT INTO events (job_id, message, severity, event_time) VALUES (?, ?, 'info', 42)`,
			job.JobID, msg)
		require.NoError(t, err)
	}

	events, err := svc.GetEventsForJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].Message)
	assert.Equal(t, "second", events[1].Message)
	assert.Equal(t, "third", events[2].Message)
}

func TestCleanupOldEventsSkipsRunningJobs(t *testing.T) {
	client := newTestClient(t)
	eventSvc := NewEventService(client)
	jobSvc := NewJobService(client)
	ctx := context.Background()

	running := createTestJob(t, client, "tenant-a", "still going")
	finished := createTestJob(t, client, "tenant-a", "done")
	require.NoError(t, jobSvc.MarkCompleted(ctx, finished.JobID))

	// Both events far older than the TTL.
	for _, id := range []string{running.JobID, finished.JobID} {
		_, err := client.DB().Exec(
			`INSERT INTO events (job_id, message, severity, event_time) VALUES (?, 'old', 'info', 1000)`, id)
		require.NoError(t, err)
	}

	deleted, err := eventSvc.CleanupOldEvents(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	kept, err := eventSvc.GetEventsForJob(ctx, running.JobID)
	require.NoError(t, err)
	assert.Len(t, kept, 1, "running jobs keep their history")
}
