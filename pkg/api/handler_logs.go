package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vibeworks/vibed/pkg/events"
	"github.com/vibeworks/vibed/pkg/models"
)

// logFrame is the SSE data payload for one job event.
type logFrame struct {
	ID       int64           `json:"id"`
	Message  string          `json:"message"`
	Severity models.Severity `json:"severity"`
	TS       int64           `json:"ts"`
}

// completeFrame is the final SSE data payload closing a log stream.
type completeFrame struct {
	Type  string                `json:"type"`
	State models.ExecutionState `json:"state"`
}

// jobLogsHandler handles GET /jobs/:id/logs as a Server-Sent Events
// stream: full replay of stored events, then live tail, then a terminal
// frame once the job completes or fails.
func (s *Server) jobLogsHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	// Authorise before any byte of the stream is written.
	if _, err := s.jobService.GetJob(c.Request().Context(), tenantID(c), jobID); err != nil {
		return mapServiceError(err)
	}

	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(res)
	ctx := c.Request().Context()

	for frame := range s.logStream.Subscribe(ctx, jobID) {
		payload, err := marshalFrame(frame)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
			return nil
		}
		if err := rc.Flush(); err != nil {
			return nil
		}
	}
	return nil
}

func marshalFrame(frame events.Frame) ([]byte, error) {
	if frame.Terminal {
		return json.Marshal(&completeFrame{Type: "complete", State: frame.State})
	}
	return json.Marshal(&logFrame{
		ID:       frame.Event.EventID,
		Message:  frame.Event.Message,
		Severity: frame.Event.Severity,
		TS:       frame.Event.EventTime,
	})
}
