// Package web implements the http api for the medq service
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/rxlab/medq/app/persistence"
	"github.com/rxlab/medq/app/queue"
	"github.com/rxlab/medq/app/status"
)

// Resolver answers status queries across the memory and durable tiers
type Resolver interface {
	Resolve(ctx context.Context, jobID string) (status.View, error)
}

// Durable is the database surface of the api, nil in degraded mode
type Durable interface {
	Get(ctx context.Context, jobID string) (persistence.Record, error)
	Medications(ctx context.Context, jobID string) ([]persistence.Medication, error)
	Recent(ctx context.Context, statusFilter string, limit int) ([]persistence.Summary, error)
	Stats(ctx context.Context) (persistence.Stats, error)
	Cleanup(ctx context.Context, days int) (int64, error)
	Ping(ctx context.Context) error
}

// Admission gates new submissions on system pressure
type Admission interface {
	Check() (ok bool, reason string)
}

// Sweeper runs the memory retention sweep on demand
type Sweeper interface {
	SweepMemoryOlderThan(olderThan time.Duration) int
}

// Server represents the json api server
type Server struct {
	Store     *queue.Store // in-memory job store
	Queue     *queue.Queue // intake queue
	Resolver  Resolver
	Durable   Durable   // nil when running degraded
	Admission Admission // optional
	Sweeper   Sweeper

	Pending func() int // depth of the async persistence buffer, optional

	Workers         int
	MemoryRetention time.Duration // age cutoff reported by queue cleanup
	RetentionDays   int           // default for database cleanup requests
	SyncTimeout     time.Duration // max wait for synchronous analysis, default 2m
	SubmitPerSec    float64       // rate limit for submissions, 0 disables
	AuthHash        string        // bcrypt hash for admin endpoints, empty disables auth
	Version         string
}

// Run starts the web server and blocks until the context is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	if s.SyncTimeout <= 0 {
		s.SyncTimeout = 2 * time.Minute
	}

	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      3 * time.Minute, // sync analysis may hold the connection
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("medq", "rxlab", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // 1MB max request size, submissions carry full patient payloads
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	submit := router.Group()
	if s.SubmitPerSec > 0 {
		limiter := tollbooth.NewLimiter(s.SubmitPerSec, nil)
		submit.Use(tollbooth.HTTPMiddleware(limiter))
	}
	submit.HandleFunc("POST /analyze", s.handleSubmit)
	submit.HandleFunc("POST /analyze/sync", s.handleSubmitSync)

	router.HandleFunc("GET /status/{job_id}", s.handleStatus)
	router.HandleFunc("GET /health", s.handleHealth)
	router.HandleFunc("GET /schema", s.handleSchema)

	router.Mount("/queue").Route(func(q *routegroup.Bundle) {
		q.Use(rest.NoCache)
		q.HandleFunc("GET /stats", s.handleQueueStats)
		q.With(s.adminOnly).HandleFunc("POST /cleanup", s.handleQueueCleanup)
	})

	router.Mount("/database").Route(func(db *routegroup.Bundle) {
		db.Use(rest.NoCache)
		db.Use(s.requireDatabase)
		db.HandleFunc("GET /stats", s.handleDatabaseStats)
		db.HandleFunc("GET /recent", s.handleDatabaseRecent)
		db.HandleFunc("GET /results/{job_id}", s.handleDatabaseResult)
		db.With(s.adminOnly).HandleFunc("POST /cleanup", s.handleDatabaseCleanup)
	})

	return router
}

// requireDatabase rejects database endpoints when durable storage is not available
func (s *Server) requireDatabase(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Durable == nil {
			s.writeJSONError(w, http.StatusServiceUnavailable, "durable storage not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
