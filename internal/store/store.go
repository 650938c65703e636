// Package store owns the embedded sqlite database backing the bridge's
// durable queues, parameter tables and channel logs. Initialization is
// idempotent and safe under concurrent starts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_ts REAL NOT NULL,
  method TEXT NOT NULL,
  url TEXT NOT NULL,
  headers_json TEXT NOT NULL,
  body_json TEXT,
  idempotency_key TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  next_attempt_ts REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_next ON outbox(next_attempt_ts, created_ts);

CREATE TABLE IF NOT EXISTS inbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  received_ts REAL NOT NULL,
  source TEXT,
  headers_json TEXT NOT NULL,
  body_json TEXT,
  idempotency_key TEXT NOT NULL,
  state TEXT NOT NULL DEFAULT 'pending'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_dedupe ON inbox(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_inbox_state ON inbox(state, received_ts);

CREATE TABLE IF NOT EXISTS logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts REAL NOT NULL,
  channel TEXT NOT NULL,
  direction TEXT NOT NULL,
  message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts);
CREATE INDEX IF NOT EXISTS idx_logs_ch_ts ON logs(channel, ts);

CREATE TABLE IF NOT EXISTS params (
  pkey TEXT PRIMARY KEY,
  ptype TEXT NOT NULL,
  pid TEXT NOT NULL,
  min_v REAL,
  max_v REAL,
  default_v TEXT,
  unit TEXT,
  rw TEXT,
  dtype TEXT,
  name TEXT,
  message TEXT,
  updated_ts REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_params_type_id ON params(ptype, pid);

CREATE TABLE IF NOT EXISTS param_values (
  pkey TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_ts REAL NOT NULL,
  FOREIGN KEY(pkey) REFERENCES params(pkey) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS param_device_map (
  pkey TEXT PRIMARY KEY,
  line_key TEXT,
  zbc_message_id INTEGER,
  zbc_command_id INTEGER,
  zbc_value_codec TEXT,
  zbc_scale REAL,
  zbc_offset REAL,
  ultimate_set_cmd TEXT,
  ultimate_get_cmd TEXT,
  ultimate_var_name TEXT,
  updated_ts REAL NOT NULL,
  FOREIGN KEY(pkey) REFERENCES params(pkey) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_param_device_map_zbc ON param_device_map(zbc_message_id, zbc_command_id);
`

var (
	initMu    sync.Mutex
	initPaths = map[string]struct{}{}
)

// DB wraps the sql pool for one database file.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (and on first use per path, initializes) the database at path.
// WAL journal, synchronous=NORMAL, 5 s busy timeout; transactions take an
// immediate write lock so concurrent claimers serialize.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_txlock": {"immediate"},
		"_pragma": {"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)"},
	}.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.initOnce(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// initOnce installs the schema exactly once per database path per process.
// Another process may be initializing concurrently, so retry while the
// database reports it is locked.
func (db *DB) initOnce() error {
	initMu.Lock()
	defer initMu.Unlock()

	if _, done := initPaths[db.Path]; done {
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 10)
	err := backoff.Retry(func() error {
		_, err := db.Exec(schema)
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "locked") {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil {
		return fmt.Errorf("install schema in %s: %w", db.Path, err)
	}

	initPaths[db.Path] = struct{}{}
	return nil
}

// ClaimTx runs fn inside an immediate transaction, committing when fn
// returns nil and rolling back otherwise.
func (db *DB) ClaimTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TS converts a time to the REAL unix-seconds representation used by every
// timestamp column.
func TS(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }
