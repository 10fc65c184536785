package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/rxlab/medq/app/analyzer"
	"github.com/rxlab/medq/app/persistence"
	"github.com/rxlab/medq/app/queue"
	"github.com/rxlab/medq/app/status"
)

// queueStats is the live view of the intake pipeline
type queueStats struct {
	queue.Stats
	Depth         int `json:"depth"`
	Workers       int `json:"workers"`
	PendingWrites int `json:"pending_writes"`
}

// submitResponse is the JSON response for accepted submissions
type submitResponse struct {
	Status     string     `json:"status"`
	JobID      string     `json:"job_id"`
	PollURL    string     `json:"poll_url"`
	QueueStats queueStats `json:"queue_stats"`
}

// statusResponse is the JSON response for status queries, queue position is
// set only while the job waits in the intake queue
type statusResponse struct {
	status.View
	QueuePosition int `json:"queue_position,omitempty"`
}

// healthResponse is the JSON response for /health
type healthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Queue    queueStats     `json:"queue"`
	Database databaseHealth `json:"database"`
	Memory   *processMemory `json:"memory,omitempty"`
}

type processMemory struct {
	RSSMB uint64 `json:"rss_mb"`
}

type databaseHealth struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// handleSubmit accepts an analysis request and returns 202 immediately
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submit(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		Status:     "accepted",
		JobID:      id,
		PollURL:    "/status/" + id,
		QueueStats: s.queueStats(),
	})
}

// handleSubmitSync accepts an analysis request and holds the connection until
// the job finishes or the sync timeout expires
func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.submit(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.SyncTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeJSON(w, http.StatusGatewayTimeout, map[string]string{
				"error":    "analysis did not finish in time",
				"job_id":   id,
				"poll_url": "/status/" + id,
			})
			return
		case <-ticker.C:
			view, err := s.Resolver.Resolve(ctx, id)
			if err != nil {
				continue // transient, job is known to exist
			}
			switch view.Status {
			case queue.StatusCompleted:
				s.writeJSON(w, http.StatusOK, statusResponse{View: view})
				return
			case queue.StatusFailed:
				s.writeJSON(w, http.StatusInternalServerError, statusResponse{View: view})
				return
			}
		}
	}
}

// submit validates and registers a new job. On failure the error response is
// already written and ok is false.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) (jobID string, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "can't read request body")
		return "", false
	}

	if err := analyzer.ValidateRequest(body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}

	if s.Admission != nil {
		if admitted, reason := s.Admission.Check(); !admitted {
			log.Printf("[WARN] submission rejected: %s", reason)
			s.writeJSONError(w, http.StatusServiceUnavailable, "server overloaded: "+reason)
			return "", false
		}
	}

	id := uuid.New().String()
	job := queue.Job{ID: id, Status: queue.StatusQueued, CreatedAt: time.Now(), Request: body}
	if err := s.Store.Put(job); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "can't register job")
		return "", false
	}
	if !s.Queue.Enqueue(id) {
		s.writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return "", false
	}
	log.Printf("[INFO] job %s accepted", id)
	return id, true
}

// handleStatus resolves job state, memory tier first then durable storage
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	view, err := s.Resolver.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("[WARN] status lookup failed for %s: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	resp := statusResponse{View: view}
	if view.Status == queue.StatusQueued && view.Source == status.SourceMemory {
		resp.QueuePosition = s.Queue.Position(id)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports service state, always 200 so load balancers see the
// process alive even when the database is down
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.Version, Queue: s.queueStats()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			resp.Memory = &processMemory{RSSMB: mi.RSS / 1024 / 1024}
		}
	}

	if s.Durable == nil {
		resp.Status = "degraded"
		resp.Database = databaseHealth{Enabled: false}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Database.Enabled = true
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Durable.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database.Error = err.Error()
	} else {
		resp.Database.Connected = true
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queueStats())
}

// handleQueueCleanup runs the memory retention sweep on demand
func (s *Server) handleQueueCleanup(w http.ResponseWriter, r *http.Request) {
	olderThan := s.MemoryRetention
	var req struct {
		MaxAgeMinutes int `json:"max_age_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.MaxAgeMinutes != 0 {
		olderThan = time.Duration(req.MaxAgeMinutes) * time.Minute
	}
	if olderThan <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "max age must be positive")
		return
	}

	removed := s.Sweeper.SweepMemoryOlderThan(olderThan)
	s.writeJSON(w, http.StatusOK, map[string]int{
		"removed_jobs":    removed,
		"max_age_minutes": int(olderThan.Minutes()),
	})
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Durable.Stats(r.Context())
	if err != nil {
		log.Printf("[WARN] database stats failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "can't load database stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleDatabaseRecent lists stored records, newest first. Supports optional
// status filter and limit (default 20, max 100).
func (s *Server) handleDatabaseRecent(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		st, err := queue.ParseStatus(statusFilter)
		if err != nil || !st.Terminal() {
			s.writeJSONError(w, http.StatusBadRequest, "status filter must be completed or failed")
			return
		}
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 100)
	}

	recs, err := s.Durable.Recent(r.Context(), statusFilter, limit)
	if err != nil {
		log.Printf("[WARN] recent listing failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "can't load recent results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": recs, "count": len(recs)})
}

// handleDatabaseResult returns the full stored record with its per-medication rows
func (s *Server) handleDatabaseResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")
	rec, err := s.Durable.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "result not found")
			return
		}
		log.Printf("[WARN] result lookup failed for %s: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "result lookup failed")
		return
	}

	meds, err := s.Durable.Medications(r.Context(), id)
	if err != nil {
		log.Printf("[WARN] medications lookup failed for %s: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "result lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"result": rec, "medications": meds})
}

// handleDatabaseCleanup removes terminal records past the retention window,
// days can be overridden in the request body
func (s *Server) handleDatabaseCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.RetentionDays
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Days != 0 {
		days = req.Days
	}
	if days <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "retention days must be positive")
		return
	}

	removed, err := s.Durable.Cleanup(r.Context(), days)
	if err != nil {
		log.Printf("[WARN] database cleanup failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed_jobs": removed, "days": days})
}

func (s *Server) queueStats() queueStats {
	res := queueStats{Stats: s.Store.Stats(), Depth: s.Queue.Len(), Workers: s.Workers}
	if s.Pending != nil {
		res.PendingWrites = s.Pending()
	}
	return res
}
