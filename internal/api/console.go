package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/runbox/internal/model"
)

// handleStreamConsole streams an execution's console as server-sent events.
// A finished execution replays its stored console; a live one streams lines
// as the script writes them. Either way the stream ends with a "done" event.
func (s *Server) handleStreamConsole(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	s.clearWriteDeadline(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(exec.Status) {
		lines, err := s.store.GetConsoleLines(r.Context(), exec.ID)
		if err != nil {
			s.logger.Error("get console lines", "execution_id", exec.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get console lines")
			return
		}
		w.WriteHeader(http.StatusOK)
		for _, l := range lines {
			if err := writeSSEData(w, l.Line); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", exec.Status)
		flush()
		return
	}

	// Long-running scripts outlive the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for SSE", "error", err)
	}

	// Subscribing after the status check is safe: a topic that closed in
	// between hands back a closed channel.
	ch, unsub := s.engine.Broker().Subscribe(exec.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

type consoleHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

type consoleHistoryResponse struct {
	ExecutionID string               `json:"execution_id"`
	Status      string               `json:"status"`
	Lines       []consoleHistoryLine `json:"lines"`
}

func (s *Server) handleGetConsoleHistory(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	stored, err := s.store.GetConsoleLines(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("get console lines", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get console lines")
		return
	}

	lines := make([]consoleHistoryLine, len(stored))
	for i, l := range stored {
		lines[i] = consoleHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, consoleHistoryResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Lines:       lines,
	})
}

// writeSSEData writes a console line as an SSE data event. Multi-line
// strings get one "data:" field per line.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
