package server

import (
	"encoding/json"
	"net/http"

	"github.com/kmorita/conflux/internal/agent"
	"github.com/kmorita/conflux/internal/apperr"
)

// SSE frame names. A stream always terminates with complete or error.
const (
	frameStatus     = "status"
	frameText       = "text"
	frameToolCall   = "tool_call"
	frameToolResult = "tool_result"
	frameError      = "error"
	frameComplete   = "complete"
)

// sseWriter serializes event frames onto an SSE response. Not safe for
// concurrent use; the agent loop emits events sequentially.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for server-sent events. Returns nil when
// the underlying writer cannot flush, in which case streaming is unavailable.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}
}

// send writes one frame and flushes it to the client.
func (s *sseWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	_, _ = s.w.Write([]byte("event: " + event + "\n"))
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

// sendEvent maps an agent runtime event onto its SSE frame.
func (s *sseWriter) sendEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventStatus:
		s.send(frameStatus, map[string]string{"message": ev.Text})
	case agent.EventText:
		s.send(frameText, map[string]string{"text": ev.Text})
	case agent.EventToolCall:
		s.send(frameToolCall, map[string]any{"tool": ev.Tool, "args": ev.Args})
	case agent.EventToolResult:
		s.send(frameToolResult, map[string]any{"tool": ev.Tool, "result": ev.Payload})
	}
}

// sendError emits the terminal error frame.
func (s *sseWriter) sendError(err error) {
	s.send(frameError, map[string]string{
		"kind":    string(apperr.KindOf(err)),
		"message": err.Error(),
	})
}
