// Package store provides the embedded scheduling store: schedules,
// executions, contacts, notification log and settings, and the global
// manual-recovery flag. One SQLite file on local disk; the engine is
// the only writer besides the API.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/evolab/labscheduler/core"
)

// conflictTolerance is how far the stored updated_at may drift from the
// caller's token before an update is rejected. Timestamps cross a text
// serialization boundary with second precision, so exact equality is
// too strict.
const conflictTolerance = time.Second

// Store wraps the single-file SQLite database. All operations are
// serialised through one connection; callers must not hold engine
// locks across store calls longer than map operations.
type Store struct {
	db     *sqlx.DB
	mu     sync.Mutex
	clock  core.Clock
	logger core.Logger
}

// Open opens (or creates) the store at path and reconciles the schema.
// Missing columns are added with safe defaults; this is the only
// migration mechanism.
func Open(path string, clock core.Clock, logger core.Logger) (*Store, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, core.NewError("store.Open", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, clock: clock, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaStatements = `
CREATE TABLE IF NOT EXISTS schedules (
	schedule_id TEXT PRIMARY KEY,
	experiment_name TEXT NOT NULL,
	experiment_path TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	interval_hours REAL NOT NULL DEFAULT 0,
	cron_expression TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL DEFAULT '',
	estimated_duration_minutes INTEGER NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1,
	max_retries INTEGER NOT NULL DEFAULT 3,
	retry_delay_minutes INTEGER NOT NULL DEFAULT 5,
	backoff_strategy TEXT NOT NULL DEFAULT 'linear',
	abort_after_hours REAL NOT NULL DEFAULT 0,
	prerequisites TEXT NOT NULL DEFAULT '[]',
	notification_contact_ids TEXT NOT NULL DEFAULT '[]',
	failed_execution_count INTEGER NOT NULL DEFAULT 0,
	recovery_required INTEGER NOT NULL DEFAULT 0,
	recovery_note TEXT NOT NULL DEFAULT '',
	recovery_marked_at TEXT NOT NULL DEFAULT '',
	recovery_marked_by TEXT NOT NULL DEFAULT '',
	recovery_resolved_at TEXT NOT NULL DEFAULT '',
	recovery_resolved_by TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS job_executions (
	execution_id TEXT PRIMARY KEY,
	schedule_id TEXT NOT NULL REFERENCES schedules(schedule_id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	start_time TEXT NOT NULL DEFAULT '',
	end_time TEXT NOT NULL DEFAULT '',
	duration_minutes REAL NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	command_executed TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_executions_schedule ON job_executions(schedule_id, start_time);
CREATE TABLE IF NOT EXISTS notification_contacts (
	contact_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	email_address TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS notification_log (
	log_id TEXT PRIMARY KEY,
	schedule_id TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	recipients TEXT NOT NULL DEFAULT '[]',
	subject TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	triggered_at TEXT NOT NULL DEFAULT '',
	processed_at TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notification_log_dedupe
	ON notification_log(execution_id, event_type) WHERE execution_id <> '';
CREATE TABLE IF NOT EXISTS notification_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	smtp_host TEXT NOT NULL DEFAULT '',
	smtp_port INTEGER NOT NULL DEFAULT 587,
	smtp_username TEXT NOT NULL DEFAULT '',
	smtp_password_encrypted BLOB,
	sender_address TEXT NOT NULL DEFAULT '',
	use_tls INTEGER NOT NULL DEFAULT 0,
	use_ssl INTEGER NOT NULL DEFAULT 0,
	manual_recovery_recipients TEXT NOT NULL DEFAULT '[]',
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS manual_recovery_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	active INTEGER NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT '',
	schedule_id TEXT NOT NULL DEFAULT '',
	experiment_name TEXT NOT NULL DEFAULT '',
	triggered_by TEXT NOT NULL DEFAULT '',
	triggered_at TEXT NOT NULL DEFAULT '',
	resolved_by TEXT NOT NULL DEFAULT '',
	resolved_at TEXT NOT NULL DEFAULT ''
);
`

// requiredColumns maps each table to the columns (and default clauses)
// that must exist. On open, any missing column is added in place; there
// is no versioned migration chain.
var requiredColumns = map[string]map[string]string{
	"schedules": {
		"cron_expression":          "TEXT NOT NULL DEFAULT ''",
		"abort_after_hours":        "REAL NOT NULL DEFAULT 0",
		"prerequisites":            "TEXT NOT NULL DEFAULT '[]'",
		"notification_contact_ids": "TEXT NOT NULL DEFAULT '[]'",
		"failed_execution_count":   "INTEGER NOT NULL DEFAULT 0",
		"recovery_required":        "INTEGER NOT NULL DEFAULT 0",
		"recovery_note":            "TEXT NOT NULL DEFAULT ''",
		"recovery_marked_at":       "TEXT NOT NULL DEFAULT ''",
		"recovery_marked_by":       "TEXT NOT NULL DEFAULT ''",
		"recovery_resolved_at":     "TEXT NOT NULL DEFAULT ''",
		"recovery_resolved_by":     "TEXT NOT NULL DEFAULT ''",
		"created_by":               "TEXT NOT NULL DEFAULT ''",
	},
	"job_executions": {
		"retry_count":      "INTEGER NOT NULL DEFAULT 0",
		"command_executed": "TEXT NOT NULL DEFAULT ''",
	},
	"notification_log": {
		"metadata":     "TEXT NOT NULL DEFAULT '{}'",
		"processed_at": "TEXT NOT NULL DEFAULT ''",
	},
	"notification_settings": {
		"manual_recovery_recipients": "TEXT NOT NULL DEFAULT '[]'",
		"updated_by":                 "TEXT NOT NULL DEFAULT ''",
	},
}

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range strings.Split(schemaStatements, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return core.NewError("store.migrate", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
		}
	}

	for table, columns := range requiredColumns {
		existing, err := s.columnSet(table)
		if err != nil {
			return err
		}
		for column, definition := range columns {
			if existing[column] {
				continue
			}
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
			if _, err := s.db.Exec(alter); err != nil {
				return core.NewError("store.migrate", "transport", fmt.Errorf("%w: add column %s.%s: %v", core.ErrTransport, table, column, err))
			}
			s.logger.Info("added missing column", map[string]interface{}{
				"table":  table,
				"column": column,
			})
		}
	}

	// Singleton rows exist from first open so reads never special-case
	// an empty table.
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO manual_recovery_state (id) VALUES (1)`); err != nil {
		return core.NewError("store.migrate", "transport", err)
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO notification_settings (id) VALUES (1)`); err != nil {
		return core.NewError("store.migrate", "transport", err)
	}
	return nil
}

func (s *Store) columnSet(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, core.NewError("store.columnSet", "transport", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal interface{}
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, core.NewError("store.columnSet", "transport", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// nextUpdatedAt guarantees strict monotonicity of updated_at per row
// even when two writes land inside the same second of text precision.
func (s *Store) nextUpdatedAt(prev time.Time) time.Time {
	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	if !now.After(prev) {
		return prev.Add(time.Second)
	}
	return now
}

// withinTolerance reports whether the stored timestamp matches the
// caller's optimistic-concurrency token.
func withinTolerance(stored, token time.Time) bool {
	delta := stored.Sub(token)
	if delta < 0 {
		delta = -delta
	}
	return delta <= conflictTolerance
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func marshalStringMap(values map[string]string) string {
	if len(values) == 0 {
		return "{}"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalStringMap(data string) map[string]string {
	if data == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
