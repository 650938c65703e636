// Package inbox is the durable set of messages pushed by the peer,
// deduplicated by idempotency key, with a pending/processing/done claim
// state machine so concurrent routers never process the same row twice.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/maslabs/databridge/internal/store"
)

// States of an inbox message.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateDone       = "done"
)

// Msg is one stored message.
type Msg struct {
	ID             int64
	ReceivedTS     float64
	Source         string
	HeadersJSON    string
	BodyJSON       string
	IdempotencyKey string
	State          string
}

type Inbox struct {
	db    *store.DB
	clock clockwork.Clock
}

func New(db *store.DB, clock clockwork.Clock) *Inbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Inbox{db: db, clock: clock}
}

// Store inserts a message. It reports false when the idempotency key is
// already present; duplicates are silently dropped.
func (i *Inbox) Store(ctx context.Context, source, headersJSON, bodyJSON, idempotencyKey string) (bool, error) {
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO inbox(received_ts, source, headers_json, body_json, idempotency_key, state) VALUES(?,?,?,?,?,?)`,
		store.TS(i.clock.Now()), nullable(source), headersJSON, nullable(bodyJSON), idempotencyKey, StatePending)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return false, nil
		}
		return false, fmt.Errorf("insert inbox msg: %w", err)
	}
	return true, nil
}

// ClaimNextPending atomically selects the oldest pending message and flips
// it to processing. Returns nil when the queue is drained.
func (i *Inbox) ClaimNextPending(ctx context.Context) (*Msg, error) {
	var msg *Msg
	err := i.db.ClaimTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, received_ts, COALESCE(source,''), headers_json, COALESCE(body_json,''), idempotency_key, state
			 FROM inbox
			 WHERE state=?
			 ORDER BY received_ts ASC
			 LIMIT 1`, StatePending)

		var m Msg
		err := row.Scan(&m.ID, &m.ReceivedTS, &m.Source, &m.HeadersJSON, &m.BodyJSON, &m.IdempotencyKey, &m.State)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE inbox SET state=? WHERE id=? AND state=?`, StateProcessing, m.ID, StatePending); err != nil {
			return err
		}
		m.State = StateProcessing
		msg = &m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim inbox msg: %w", err)
	}
	return msg, nil
}

// NextPending peeks at the oldest pending message without claiming it.
func (i *Inbox) NextPending(ctx context.Context) (*Msg, error) {
	row := i.db.QueryRowContext(ctx,
		`SELECT id, received_ts, COALESCE(source,''), headers_json, COALESCE(body_json,''), idempotency_key, state
		 FROM inbox WHERE state=? ORDER BY received_ts ASC LIMIT 1`, StatePending)

	var m Msg
	err := row.Scan(&m.ID, &m.ReceivedTS, &m.Source, &m.HeadersJSON, &m.BodyJSON, &m.IdempotencyKey, &m.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecoverProcessing returns every claimed message to pending and reports how
// many it moved. Run once at startup: rows left in processing by a crash
// would otherwise never be claimable again.
func (i *Inbox) RecoverProcessing(ctx context.Context) (int, error) {
	res, err := i.db.ExecContext(ctx, `UPDATE inbox SET state=? WHERE state=?`, StatePending, StateProcessing)
	if err != nil {
		return 0, fmt.Errorf("recover inbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ack marks a message done.
func (i *Inbox) Ack(ctx context.Context, id int64) error {
	_, err := i.db.ExecContext(ctx, `UPDATE inbox SET state=? WHERE id=?`, StateDone, id)
	return err
}

// Nack returns a message to pending for another attempt.
func (i *Inbox) Nack(ctx context.Context, id int64) error {
	_, err := i.db.ExecContext(ctx, `UPDATE inbox SET state=? WHERE id=?`, StatePending, id)
	return err
}

// CountPending returns the number of unclaimed messages.
func (i *Inbox) CountPending(ctx context.Context) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox WHERE state=?`, StatePending).Scan(&n)
	return n, err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
