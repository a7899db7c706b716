package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sluiceio/sluice/internal/engine"
	"github.com/sluiceio/sluice/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	Name      string            `json:"name"`
	Executor  string            `json:"executor"`
	Script    string            `json:"script"`
	Container string            `json:"container"`
	Env       map[string]string `json:"env"`
	Resources *resourcesReq     `json:"resources"`
}

// resourcesReq mirrors model.Resources with a human-readable time limit
// ("2h30m" rather than nanoseconds).
type resourcesReq struct {
	CPUs        *int            `json:"cpus"`
	MemoryMB    *int64          `json:"memory_mb"`
	Time        string          `json:"time"`
	Disk        *diskReq        `json:"disk"`
	Accelerator *acceleratorReq `json:"accelerator"`
}

type diskReq struct {
	SizeMB int64  `json:"size_mb"`
	Type   string `json:"type"`
}

type acceleratorReq struct {
	Count int64  `json:"count"`
	Type  string `json:"type"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// handleSubmitTask admits a task into the engine. The task is returned in
// its admitted state with 202 Accepted; execution proceeds asynchronously.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Script) == "" {
		s.writeError(w, http.StatusBadRequest, "script is required")
		return
	}
	if req.Executor != "" && !slices.Contains(s.registry.Names(), req.Executor) {
		s.writeError(w, http.StatusBadRequest, "unknown executor "+strconv.Quote(req.Executor))
		return
	}

	task := &model.Task{
		Name:      req.Name,
		Executor:  req.Executor,
		Script:    req.Script,
		Container: req.Container,
		Env:       req.Env,
	}

	if req.Resources != nil {
		if req.Resources.CPUs != nil {
			task.Resources.CPUs = *req.Resources.CPUs
		}
		if req.Resources.MemoryMB != nil {
			task.Resources.MemoryMB = *req.Resources.MemoryMB
		}
		if req.Resources.Time != "" {
			d, err := time.ParseDuration(req.Resources.Time)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid time limit "+strconv.Quote(req.Resources.Time))
				return
			}
			task.Resources.Time = d
		}
		if req.Resources.Disk != nil {
			task.Resources.Disk = model.Disk{
				SizeMB: req.Resources.Disk.SizeMB,
				Type:   req.Resources.Disk.Type,
			}
		}
		if req.Resources.Accelerator != nil {
			task.Resources.Accelerator = model.Accelerator{
				Count: req.Resources.Accelerator.Count,
				Type:  req.Resources.Accelerator.Type,
			}
		}
	}

	admitted, err := s.engine.Submit(r.Context(), task)
	if err != nil {
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, admitted)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Task(id)
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	all := s.engine.Tasks()
	total := len(all)

	tasks := []*model.Task{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		tasks = all[offset:end]
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleKillTask requests cancellation of a task. The kill is asynchronous:
// the response carries the task as it was when the request was accepted, and
// the task reaches its terminal state on a later poll.
func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Kill(id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("kill task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill task")
		return
	}

	task, err := s.engine.Task(id)
	if err != nil {
		s.logger.Error("get killed task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
