package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const writeTimeout = 5 * time.Second

// Tick is one persisted tick
type Tick struct {
	ID          int64         `json:"id"`
	RunID       string        `json:"run_id"`
	Seq         int           `json:"seq"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Status      string        `json:"status"`
	StatusKnown bool          `json:"status_known"`
	Error       string        `json:"error,omitempty"`
	Nodes       int           `json:"nodes"`
	Collected   int           `json:"collected"`
	Diagnosed   int           `json:"diagnosed"`
	Failures    int           `json:"failures"`
	Terminal    bool          `json:"terminal"`
}

// Store keeps tick history in a SQL database
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		// WAL plus a busy timeout lets the CLI read while watch writes
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverMySQL:
		if !strings.Contains(dsn, "parseTime=") {
			if strings.Contains(dsn, "?") {
				dsn += "&parseTime=true"
			} else {
				dsn += "?parseTime=true"
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, driver: driver}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Driver returns the database driver name
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) initSchema(ctx context.Context) error {
	var stmts []string
	switch s.driver {
	case DriverPostgres:
		stmts = []string{`
		CREATE TABLE IF NOT EXISTS ticks (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			status_known BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			nodes INTEGER NOT NULL,
			collected INTEGER NOT NULL,
			diagnosed INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			terminal BOOLEAN NOT NULL
		)`}
	case DriverMySQL:
		stmts = []string{`
		CREATE TABLE IF NOT EXISTS ticks (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			seq INT NOT NULL,
			started_at DATETIME(6) NOT NULL,
			duration_ms BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			status_known BOOLEAN NOT NULL,
			error TEXT NOT NULL,
			nodes INT NOT NULL,
			collected INT NOT NULL,
			diagnosed INT NOT NULL,
			failures INT NOT NULL,
			terminal BOOLEAN NOT NULL,
			INDEX idx_ticks_run (run_id, seq)
		)`}
	default:
		stmts = []string{`
		CREATE TABLE IF NOT EXISTS ticks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			status_known BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			nodes INTEGER NOT NULL,
			collected INTEGER NOT NULL,
			diagnosed INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			terminal BOOLEAN NOT NULL
		)`}
	}
	if s.driver != DriverMySQL {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_ticks_run ON ticks(run_id, seq)`)
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2... for postgres
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record inserts one tick
func (s *Store) Record(ctx context.Context, r monitor.TickReport) error {
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	status := ""
	if r.StatusKnown {
		status = r.Status.String()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ticks
		(run_id, seq, started_at, duration_ms, status, status_known, error, nodes, collected, diagnosed, failures, terminal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.RunID, r.Seq, r.StartedAt.UTC(), r.Duration.Milliseconds(), status, r.StatusKnown, errText,
		r.Nodes, r.Collected, r.Diagnosed, r.Failures, r.Terminal)
	if err != nil {
		return fmt.Errorf("failed to record tick %d: %w", r.Seq, err)
	}
	return nil
}

// Observer returns a tick observer that records every tick. Write errors
// are logged, never raised, so a flaky database cannot end monitoring.
func (s *Store) Observer(logger *logging.Logger) monitor.TickObserver {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(r monitor.TickReport) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.Record(ctx, r); err != nil {
			logger.Warn("Failed to record tick history", map[string]interface{}{
				"run_id": r.RunID,
				"seq":    r.Seq,
				"error":  err.Error(),
			})
		}
	}
}

// Query filters Recent
type Query struct {
	RunID string
	Limit int
}

// Recent returns ticks newest first
func (s *Store) Recent(ctx context.Context, q Query) ([]Tick, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `
		SELECT id, run_id, seq, started_at, duration_ms, status, status_known, error,
		       nodes, collected, diagnosed, failures, terminal
		FROM ticks`
	var args []interface{}
	if q.RunID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, q.RunID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []Tick
	for rows.Next() {
		var t Tick
		var durationMs int64
		if err := rows.Scan(&t.ID, &t.RunID, &t.Seq, &t.StartedAt, &durationMs, &t.Status, &t.StatusKnown,
			&t.Error, &t.Nodes, &t.Collected, &t.Diagnosed, &t.Failures, &t.Terminal); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.Duration = time.Duration(durationMs) * time.Millisecond
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// Prune deletes ticks older than the cutoff and returns how many were removed
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ticks WHERE started_at < ?`), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune ticks: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("store already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
