package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/onboarding-workflow/internal/models"
	"github.com/onboarding-workflow/internal/queue"
	"github.com/onboarding-workflow/internal/scheduler"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "onboarding-workflow",
	})
}

// QueueView is the state of one queue
type QueueView struct {
	*queue.Stats
	Events []models.JobEvent `json:"events,omitempty"`
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	out := make([]*queue.Stats, 0, len(s.queueNames))
	for _, name := range s.queueNames {
		stats, err := s.queue.Stats(r.Context(), name)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		out = append(out, stats)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": out})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.queues[name] {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown queue", map[string]interface{}{"queue": name})
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxEventLimit {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid limit parameter", map[string]interface{}{"limit": raw})
			return
		}
		limit = n
	}

	stats, err := s.queue.Stats(r.Context(), name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	view := QueueView{Stats: stats}

	if s.events != nil && limit > 0 {
		events, err := s.events.Recent(r.Context(), name, limit)
		if err != nil {
			s.logger.WithError(err).WithField("queue", name).Warn("Failed to load job events")
		} else {
			view.Events = events
		}
	}
	respondJSON(w, http.StatusOK, view)
}

// JobView is the stored record of one job
type JobView struct {
	Queue      string          `json:"queue"`
	ID         string          `json:"id"`
	InstanceID string          `json:"instanceId"`
	State      queue.State     `json:"state"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	if !s.queues[name] {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown queue", map[string]interface{}{"queue": name})
		return
	}

	job, state, err := s.queue.Get(r.Context(), name, vars["id"])
	if err != nil {
		handleServiceError(w, err)
		return
	}
	view := JobView{
		Queue:      job.Queue,
		ID:         job.ID,
		InstanceID: job.InstanceID,
		State:      state,
		Attempts:   job.Attempt,
		MaxRetries: job.MaxRetries,
	}
	if json.Valid(job.Payload) {
		view.Payload = job.Payload
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleListSchedulers(w http.ResponseWriter, r *http.Request) {
	out := make([]scheduler.Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.schedulers[name].Status())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"schedulers": out})
}

func (s *Server) handleTriggerScheduler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	sched, ok := s.schedulers[name]
	if !ok {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown scheduler", map[string]interface{}{"scheduler": name})
		return
	}

	sched.Fire()
	s.logger.WithField("scheduler", name).Info("Reconciliation triggered")
	respondJSON(w, http.StatusAccepted, map[string]string{
		"scheduler": name,
		"status":    "triggered",
	})
}
