package models

// Severity classifies a job event for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Event is an append-only job log entry. EventTime is unix milliseconds;
// replay order is (event_time ASC, event_id ASC).
type Event struct {
	EventID   int64    `json:"id"`
	JobID     string   `json:"job_id"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	EventTime int64    `json:"ts"`
}
