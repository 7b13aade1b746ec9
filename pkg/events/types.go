// Package events provides real-time event delivery for jobs: durable
// append-only event rows fanned out over WebSocket to dashboard clients
// and over SSE to per-job log subscribers.
//
// Every engine activity is persisted first (the store is the source of
// truth), then broadcast best-effort. WebSocket clients that connect late
// or reconnect use catchup to replay what they missed; SSE subscribers
// always start with a full replay.
package events

// Event types carried in WebSocket payloads.
const (
	// EventTypeJobLog is one log line from a running job.
	EventTypeJobLog = "job.log"

	// EventTypeJobStatus is a job state transition.
	EventTypeJobStatus = "job.status"
)

// ChannelJobs is the channel for job-level status events. The dashboard
// job list subscribes to this for real-time updates.
const ChannelJobs = "jobs"

// jobChannelPrefix prefixes per-job channel names.
const jobChannelPrefix = "job:"

// JobChannel returns the channel name for a specific job's events.
// Format: "job:{job_id}"
func JobChannel(jobID string) string {
	return jobChannelPrefix + jobID
}

// ParseJobChannel extracts the job ID from a per-job channel name.
func ParseJobChannel(channel string) (string, bool) {
	if len(channel) <= len(jobChannelPrefix) || channel[:len(jobChannelPrefix)] != jobChannelPrefix {
		return "", false
	}
	return channel[len(jobChannelPrefix):], true
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "job:abc-123")
	LastEventID *int64 `json:"last_event_id,omitempty"` // For catchup
}
