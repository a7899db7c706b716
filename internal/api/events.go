package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sluiceio/sluice/internal/engine"
	"github.com/sluiceio/sluice/internal/model"
)

// handleStreamEvents streams task status changes as server-sent events. Each
// event carries the full task snapshot as JSON; a final "done" event marks
// the terminal state, after which the stream closes.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the task exists before committing to the stream.
	if _, err := s.engine.Task(id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before taking the opening snapshot so no transition can
	// fall between the two. A transition delivered on both paths shows up
	// as an adjacent duplicate, which the send loop suppresses.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	task, _ := s.engine.Task(id)
	if task == nil {
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	// Clients always see the current state first, even when the task
	// finished long before they connected.
	if err := writeTaskEvent(w, task); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}
	last := task.Status

	if model.Terminal(task.Status) {
		_ = writeSSEEvent(w, "done", "stream complete")
		if canFlush {
			flusher.Flush()
		}
		return
	}

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				// Task finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if snap.Status == last {
				continue
			}
			if err := writeTaskEvent(w, snap); err != nil {
				return // Write failed (e.g. client gone).
			}
			last = snap.Status
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// handleGetTaskLog returns the combined stdout/stderr log captured in the
// task work directory. The file appears once the backend has started the
// task, so a 404 here can simply mean "not yet".
func (s *Server) handleGetTaskLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Task(id)
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	data, err := os.ReadFile(task.LogPath())
	if errors.Is(err, os.ErrNotExist) {
		s.writeError(w, http.StatusNotFound, "task log not available")
		return
	}
	if err != nil {
		s.logger.Error("read task log", "error", err, "path", task.LogPath())
		s.writeError(w, http.StatusInternalServerError, "failed to read task log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write task log response", "error", err)
	}
}

// writeTaskEvent writes a task snapshot as a JSON SSE data event.
func writeTaskEvent(w http.ResponseWriter, task *model.Task) error {
	buf, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return writeSSEData(w, string(buf))
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, payload string) error {
	for seg := range strings.SplitSeq(payload, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
