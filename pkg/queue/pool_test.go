package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibeworks/vibed/pkg/models"
)

func TestPoolStartIsIdempotent(t *testing.T) {
	jobs, projects, _ := newTestServices(t)
	pool := NewWorkerPool("engine-1", jobs, projects, nil, &recordingExecutor{}, testEngineConfig())

	ctx := context.Background()
	pool.Start(ctx)
	pool.Start(ctx) // duplicate Start must not spawn a second worker
	defer pool.Stop()

	assert.Len(t, pool.workers, 1)
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	jobs, projects, _ := newTestServices(t)
	pool := NewWorkerPool("engine-1", jobs, projects, nil, &recordingExecutor{}, testEngineConfig())

	pool.Start(context.Background())
	pool.Stop()
	assert.NotPanics(t, pool.Stop)
}

func TestPoolProcessesQueuedJob(t *testing.T) {
	jobs, projects, _ := newTestServices(t)
	job := createQueuedJob(t, jobs, "tenant-a", "")

	cfg := testEngineConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0

	exec := &recordingExecutor{}
	pool := NewWorkerPool("engine-1", jobs, projects, nil, exec, cfg)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(exec.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond, "worker never picked up the queued job")
	assert.Equal(t, job.JobID, exec.seen()[0].JobID)
}

func TestPoolHealth(t *testing.T) {
	jobs, projects, _ := newTestServices(t)
	createQueuedJob(t, jobs, "tenant-a", "")
	createQueuedJob(t, jobs, "tenant-b", "")

	pool := NewWorkerPool("engine-1", jobs, projects, nil, &recordingExecutor{}, testEngineConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	h := pool.Health()
	assert.True(t, h.IsHealthy)
	assert.True(t, h.StoreReachable)
	assert.Equal(t, "engine-1", h.EngineID)
	assert.Len(t, h.WorkerStats, 1)
	// Queue depth counts jobs still in the queued state. The recording
	// executor never writes a terminal state, so both stay counted even
	// after a claim.
	assert.Equal(t, 2, h.QueueDepth)
}

func TestPoolHealthUnstartedPool(t *testing.T) {
	jobs, projects, _ := newTestServices(t)
	pool := NewWorkerPool("engine-1", jobs, projects, nil, &recordingExecutor{}, testEngineConfig())

	h := pool.Health()
	assert.False(t, h.IsHealthy, "a pool with no workers is not healthy")
	assert.True(t, h.StoreReachable)
	assert.Empty(t, h.WorkerStats)
}

func TestStubExecutor(t *testing.T) {
	executor := NewStubExecutor()

	result := executor.Execute(context.Background(), nil)
	assert.Equal(t, models.StateCompleted, result.State)
	assert.NoError(t, result.Err)
}

func TestStubExecutorCancelled(t *testing.T) {
	executor := NewStubExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := executor.Execute(ctx, nil)
	assert.Equal(t, models.StateFailed, result.State)
	assert.Error(t, result.Err)
}
