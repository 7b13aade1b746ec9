package events

// JobLogPayload is the payload for job.log events: one annotated activity
// line from a running job. The event ID is injected at delivery time so
// clients can track their catchup position.
type JobLogPayload struct {
	Type      string `json:"type"`      // always EventTypeJobLog
	JobID     string `json:"job_id"`    // owning job
	Message   string `json:"message"`   // log line
	Severity  string `json:"severity"`  // info, warning, error, success
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// JobStatusPayload is the payload for job.status events. Published to the
// job's own channel and, transiently, to the global jobs channel for the
// dashboard list view.
type JobStatusPayload struct {
	Type      string `json:"type"`                 // always EventTypeJobStatus
	JobID     string `json:"job_id"`               // job UUID
	ProjectID string `json:"project_id,omitempty"` // owning project, when in project mode
	State     string `json:"state"`                // execution state machine value
	Detail    string `json:"detail,omitempty"`     // human-readable context (failure reason etc.)
	Timestamp string `json:"timestamp"`            // RFC3339Nano
}
