// Package persistence implements the durable tier for analysis results:
// a SQL store with a bounded connection pool plus an asynchronous write path
// feeding it, so workers never wait for storage I/O.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound returned on lookups of missing records, distinct from transient
// query errors
var ErrNotFound = errors.New("record not found")

// Config holds storage connection parameters. When Host is set the store
// connects to PostgreSQL; otherwise File selects an embedded SQLite database.
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	File string // sqlite database path, used when Host is empty

	MaxConns     int           // connection pool size, default 5
	QueryTimeout time.Duration // per-query limit for sync reads, default 5s
}

// Store provides durable storage for analysis results over a bounded
// connection pool. Read methods are synchronous and bounded by QueryTimeout;
// writes are expected to arrive through the Writer.
type Store struct {
	db           *sqlx.DB
	driver       string
	queryTimeout time.Duration
}

// New connects to the configured database, verifies the connection and
// creates the schema. An error here means persistence is unavailable; the
// caller decides whether to run degraded.
func New(cfg Config) (*Store, error) {
	driver, dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	s := &Store{db: db, driver: driver, queryTimeout: queryTimeout}

	if driver == "sqlite" {
		// enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}

	log.Printf("[INFO] persistence store ready, driver=%s pool=%d", driver, maxConns)
	return s, nil
}

// dsn picks the driver and builds the connection string. The URL form keeps
// special characters in credentials intact.
func (c Config) dsn() (driver, dsn string, err error) {
	if c.Host != "" {
		port := c.Port
		if port == 0 {
			port = 5432
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u := &url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
			Path:   "/" + c.Name,
		}
		q := u.Query()
		q.Set("sslmode", sslMode)
		u.RawQuery = q.Encode()
		return "pgx", u.String(), nil
	}

	if c.File != "" {
		return "sqlite", c.File, nil
	}

	return "", "", fmt.Errorf("no storage configured, set db host or db file")
}

// initialize creates the database schema. Timestamps are stored as unix
// seconds and execution_time as seconds, portable across both drivers.
func (s *Store) initialize() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT" // sqlite
	if s.driver == "pgx" {
		idColumn = "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS analysis_results (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at BIGINT,
			started_at BIGINT,
			completed_at BIGINT,
			execution_time REAL,
			input_data TEXT,
			result_data TEXT,
			error_message TEXT,
			patient_name TEXT,
			patient_mrn TEXT,
			num_medications INTEGER DEFAULT 0,
			num_diagnoses INTEGER DEFAULT 0,
			has_critical_alerts BOOLEAN DEFAULT FALSE,
			has_warnings BOOLEAN DEFAULT FALSE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS medication_analyses (
			id %s,
			job_id TEXT NOT NULL REFERENCES analysis_results(job_id),
			medication_name TEXT,
			diagnosis TEXT,
			safety_outcome TEXT
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_analysis_results_created_at ON analysis_results(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_results_status_created ON analysis_results(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_medication_analyses_job_id ON medication_analyses(job_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Save upserts the main record and replaces its medication analyses in one
// transaction. Called by the async writer, not by request handlers.
func (s *Store) Save(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	upsert := s.db.Rebind(`
		INSERT INTO analysis_results
		(job_id, status, created_at, started_at, completed_at, execution_time,
		 input_data, result_data, error_message, patient_name, patient_mrn,
		 num_medications, num_diagnoses, has_critical_alerts, has_warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			execution_time = excluded.execution_time,
			result_data = excluded.result_data,
			error_message = excluded.error_message,
			has_critical_alerts = excluded.has_critical_alerts,
			has_warnings = excluded.has_warnings`)

	_, err = tx.ExecContext(ctx, upsert,
		rec.JobID, rec.Status.String(), unixOrNil(rec.CreatedAt), unixOrNil(rec.StartedAt),
		unixOrNil(rec.CompletedAt), rec.ExecutionTime, string(rec.InputData), nullableJSON(rec.ResultData),
		rec.ErrorMessage, rec.PatientName, rec.PatientMRN,
		rec.NumMedications, rec.NumDiagnoses, rec.HasCriticalAlerts, rec.HasWarnings)
	if err != nil {
		return fmt.Errorf("failed to save analysis %s: %w", rec.JobID, err)
	}

	// medication rows are owned by the parent record, replace wholesale
	if _, err = tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM medication_analyses WHERE job_id = ?`), rec.JobID); err != nil {
		return fmt.Errorf("failed to clear medication analyses for %s: %w", rec.JobID, err)
	}
	insertMed := s.db.Rebind(`
		INSERT INTO medication_analyses (job_id, medication_name, diagnosis, safety_outcome)
		VALUES (?, ?, ?, ?)`)
	for _, med := range rec.Medications {
		if _, err = tx.ExecContext(ctx, insertMed, rec.JobID, med.MedicationName, med.Diagnosis, med.SafetyOutcome); err != nil {
			return fmt.Errorf("failed to save medication analysis for %s: %w", rec.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analysis %s: %w", rec.JobID, err)
	}
	return nil
}

// Get retrieves a single record by job id, ErrNotFound when absent
func (s *Store) Get(ctx context.Context, jobID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var row recordRow
	query := s.db.Rebind(`
		SELECT job_id, status, created_at, started_at, completed_at, execution_time,
		       input_data, result_data, error_message, patient_name, patient_mrn,
		       num_medications, num_diagnoses, has_critical_alerts, has_warnings
		FROM analysis_results WHERE job_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	return row.toRecord(), nil
}

// Medications returns the medication analyses stored for a job, most may be
// empty for failed jobs
func (s *Store) Medications(ctx context.Context, jobID string) ([]Medication, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	meds := []Medication{}
	query := s.db.Rebind(`
		SELECT medication_name, diagnosis, safety_outcome
		FROM medication_analyses WHERE job_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &meds, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to fetch medication analyses for %s: %w", jobID, err)
	}
	return meds, nil
}

// Recent returns terminal records ordered most-recent-first, optionally
// filtered by status. Payload columns are not loaded.
func (s *Store) Recent(ctx context.Context, status string, limit int) ([]Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}

	q := `SELECT job_id, status, created_at, completed_at, execution_time,
	             patient_name, patient_mrn, num_medications, num_diagnoses,
	             has_critical_alerts, has_warnings
	      FROM analysis_results`
	// the listing covers terminal jobs only, a filter can narrow but not widen
	q += ` WHERE status IN ('completed', 'failed')`
	args := []any{}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows := []summaryRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("failed to fetch recent analyses: %w", err)
	}

	res := make([]Summary, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toSummary())
	}
	return res, nil
}

// Stats returns aggregate counts by status and execution time aggregates over
// completed jobs
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var row struct {
		Total     int             `db:"total"`
		Completed int             `db:"completed"`
		Failed    int             `db:"failed"`
		AvgExec   sql.NullFloat64 `db:"avg_execution_time"`
		MinExec   sql.NullFloat64 `db:"min_execution_time"`
		MaxExec   sql.NullFloat64 `db:"max_execution_time"`
	}
	query := `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
		       AVG(CASE WHEN status = 'completed' THEN execution_time END) AS avg_execution_time,
		       MIN(CASE WHEN status = 'completed' THEN execution_time END) AS min_execution_time,
		       MAX(CASE WHEN status = 'completed' THEN execution_time END) AS max_execution_time
		FROM analysis_results`
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		return Stats{}, fmt.Errorf("failed to fetch database stats: %w", err)
	}

	return Stats{
		TotalJobs:        row.Total,
		Completed:        row.Completed,
		Failed:           row.Failed,
		AvgExecutionTime: row.AvgExec.Float64,
		MinExecutionTime: row.MinExec.Float64,
		MaxExecutionTime: row.MaxExec.Float64,
	}, nil
}

// Cleanup deletes terminal records older than the given number of days and
// their medication analyses, one transaction per call. Returns the number of
// jobs removed; a second call with the same cutoff removes nothing.
func (s *Store) Cleanup(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM medication_analyses WHERE job_id IN
			(SELECT job_id FROM analysis_results
			 WHERE created_at < ? AND status IN ('completed', 'failed'))`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up medication analyses: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM analysis_results
		WHERE created_at < ? AND status IN ('completed', 'failed')`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up old jobs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return removed, nil
}

// Reconcile marks rows stuck in a non-terminal state as failed with a
// distinct reason. Runs once at startup; such rows belong to jobs lost with a
// previous process.
func (s *Store) Reconcile(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE analysis_results
		SET status = 'failed', error_message = 'interrupted by process restart', completed_at = ?
		WHERE status IN ('queued', 'processing')`), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile interrupted jobs: %w", err)
	}
	reconciled, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reconciled jobs: %w", err)
	}
	return reconciled, nil
}

// Ping verifies the store can still reach the database
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
