// Package reportstore persists the performance report each transport
// session produces when it disconnects.
package reportstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/projector/internal/httputil"
	"github.com/banshee-data/projector/internal/monitoring"
	"github.com/banshee-data/projector/internal/projection/perf"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var logs = monitoring.NewStreams("[reportstore] ")

// DefaultRecent is the number of reports the admin route lists.
const DefaultRecent = 20

// Store is a sqlite database of performance reports.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Entry is one stored report.
type Entry struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Transport   string      `json:"transport"`
	GeneratedAt time.Time   `json:"generated_at"`
	Report      perf.Report `json:"report"`
}

// Open opens or creates the database at path and brings its schema up to
// date. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	logs.Diagf("report store ready at %s", path)
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// The migrate instance is not closed: that would close the shared *sql.DB.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logs.Diagf("migrate: "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// Save stores r and returns its id.
func (s *Store) Save(r perf.Report, transport, sessionID string) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	generated := r.GeneratedAt
	if generated.IsZero() {
		generated = s.now()
	}
	id := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO performance_reports (report_id, session_id, transport, generated_unix_ns, report_json)
		VALUES (?, ?, ?, ?, ?)`, id, sessionID, transport, generated.UnixNano(), string(body)); err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	for _, sr := range r.Strategies {
		if _, err := tx.Exec(`INSERT INTO strategy_metrics (report_id, strategy, total_calls, samples, avg_ms, median_ms, std_dev_ms, min_ms, max_ms, avg_payload_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, sr.Name, sr.TotalCalls, sr.Samples, sr.AvgMs, sr.MedianMs, sr.StdDevMs, sr.MinMs, sr.MaxMs, sr.AvgPayloadBytes); err != nil {
			return "", fmt.Errorf("insert metrics for %s: %w", sr.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logs.Diagf("saved %s report %s for session %s", transport, id, sessionID)
	return id, nil
}

// SaveReport implements transport.ReportSink.
func (s *Store) SaveReport(r perf.Report, transport, sessionID string) error {
	_, err := s.Save(r, transport, sessionID)
	return err
}

// Recent returns up to limit reports, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecent
	}
	rows, err := s.db.Query(`SELECT report_id, session_id, transport, generated_unix_ns, report_json
		FROM performance_reports ORDER BY generated_unix_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			ns   int64
			body string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Transport, &ns, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &e.Report); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", e.ID, err)
		}
		e.GeneratedAt = time.Unix(0, ns)
		out = append(out, e)
	}
	return out, rows.Err()
}

// StrategyAverages returns the mean of each strategy's average encode
// time across every stored report, in milliseconds.
func (s *Store) StrategyAverages() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT strategy, AVG(avg_ms) FROM strategy_metrics GROUP BY strategy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var (
			name string
			avg  float64
		)
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, err
		}
		out[name] = avg
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AttachAdminRoutes mounts tailsql over the report database and a JSON
// listing of recent reports under /debug/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Projection reports",
	})
	debug.Handle("tailsql/", "SQL over stored performance reports", tsql.NewMux())

	debug.Handle("projection-reports", "Recent performance reports (JSON, ?limit=N)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultRecent
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httputil.BadRequest(w, "invalid limit")
				return
			}
			limit = n
		}
		entries, err := s.Recent(limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to load reports: %v", err))
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		httputil.WriteJSONOK(w, entries)
	}))
	return nil
}
