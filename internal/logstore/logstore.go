// Package logstore records per-channel device traffic for the operator UI:
// a rolling window in the logs table plus append-only per-channel files.
package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/maslabs/databridge/internal/store"
)

// Channels that always exist, in display order. "all" aggregates the rest.
var DefaultChannels = []string{"all", "raspi", "esp-plc", "vj3350", "vj6530"}

const retainPerChannel = 5000

// Record is one log row.
type Record struct {
	TS        float64 `json:"ts"`
	Channel   string  `json:"channel"`
	Direction string  `json:"direction"`
	Message   string  `json:"message"`
}

type Store struct {
	db    *store.DB
	log   *slog.Logger
	dir   string
	clock clockwork.Clock
}

func New(log *slog.Logger, db *store.DB, dir string, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return &Store{db: db, log: log, dir: dir, clock: clock}, nil
}

// Log appends a record to the channel's DB window and file. File write
// failures are logged and swallowed; the DB row is the source of truth.
func (s *Store) Log(ctx context.Context, channel, direction, message string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "raspi"
	}
	direction = strings.ToUpper(strings.TrimSpace(direction))
	ts := store.TS(s.clock.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(ts, channel, direction, message) VALUES(?,?,?,?)`,
		ts, channel, direction, message)
	if err != nil {
		s.log.Error("logstore: insert failed", "channel", channel, "error", err)
		return
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE channel=? AND id NOT IN (
		   SELECT id FROM logs WHERE channel=? ORDER BY id DESC LIMIT ?)`,
		channel, channel, retainPerChannel)
	if err != nil {
		s.log.Error("logstore: retention trim failed", "channel", channel, "error", err)
	}

	if s.dir != "" {
		line := fmt.Sprintf("%.3f\t%s\t%s\n", ts, direction, message)
		fn := filepath.Join(s.dir, channel+".log")
		f, err := os.OpenFile(fn, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			s.log.Warn("logstore: open logfile failed", "file", fn, "error", err)
			return
		}
		defer f.Close()
		if _, err := f.WriteString(line); err != nil {
			s.log.Warn("logstore: append logfile failed", "file", fn, "error", err)
		}
	}
}

// List returns up to limit records for a channel, oldest first. Channel
// "all" aggregates every channel.
func (s *Store) List(ctx context.Context, channel string, limit int) ([]Record, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 2000 {
		limit = 2000
	}

	query := `SELECT ts, channel, direction, message FROM logs WHERE channel=? ORDER BY ts DESC LIMIT ?`
	args := []any{channel, limit}
	if channel == "all" {
		query = `SELECT ts, channel, direction, message FROM logs ORDER BY ts DESC LIMIT ?`
		args = []any{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TS, &r.Channel, &r.Direction, &r.Message); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the query, oldest-first for callers
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear drops a channel's rows and file; channel "all" clears everything.
func (s *Store) Clear(ctx context.Context, channel string) error {
	if channel == "all" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
			return err
		}
		if s.dir != "" {
			entries, err := os.ReadDir(s.dir)
			if err == nil {
				for _, e := range entries {
					if strings.HasSuffix(e.Name(), ".log") {
						_ = os.Remove(filepath.Join(s.dir, e.Name()))
					}
				}
			}
		}
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE channel=?`, channel); err != nil {
		return err
	}
	if s.dir != "" {
		_ = os.Remove(filepath.Join(s.dir, channel+".log"))
	}
	return nil
}

// Channels lists the default channels first, then any extra channels seen
// in the DB or on disk, sorted.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	set := map[string]struct{}{}
	for _, c := range DefaultChannels {
		set[c] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel FROM logs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		set[c] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.dir != "" {
		if entries, err := os.ReadDir(s.dir); err == nil {
			for _, e := range entries {
				if name, ok := strings.CutSuffix(e.Name(), ".log"); ok {
					set[name] = struct{}{}
				}
			}
		}
	}

	out := make([]string, 0, len(set))
	for _, c := range DefaultChannels {
		delete(set, c)
		out = append(out, c)
	}
	rest := make([]string, 0, len(set))
	for c := range set {
		rest = append(rest, c)
	}
	sort.Strings(rest)
	return append(out, rest...), nil
}
