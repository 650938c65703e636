// Package outbox is the durable FIFO of outbound HTTP jobs. Every job
// carries an idempotency key; delivery is at-least-once with exponential
// backoff handled by the sender loop.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/maslabs/databridge/internal/store"
)

// Job is one outbound HTTP request.
type Job struct {
	ID             int64
	CreatedTS      float64
	Method         string
	URL            string
	Headers        map[string]string
	Body           json.RawMessage
	IdempotencyKey string
	RetryCount     int
	NextAttemptTS  float64
}

// Outbox provides enqueue/next-due/delete/reschedule over the outbox table.
type Outbox struct {
	db    *store.DB
	clock clockwork.Clock
}

func New(db *store.DB, clock clockwork.Clock) *Outbox {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Outbox{db: db, clock: clock}
}

// Enqueue persists a job and returns its idempotency key, generating a UUID
// when none is supplied. X-Idempotency-Key and Content-Type are always set
// in the stored headers.
func (o *Outbox) Enqueue(ctx context.Context, method, url string, headers map[string]string, body any, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	if _, ok := h["X-Idempotency-Key"]; !ok {
		h["X-Idempotency-Key"] = idempotencyKey
	}
	if _, ok := h["Content-Type"]; !ok {
		h["Content-Type"] = "application/json"
	}

	headersJSON, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	var bodyJSON sql.NullString
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("marshal body: %w", err)
		}
		bodyJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = o.db.ExecContext(ctx,
		`INSERT INTO outbox(created_ts, method, url, headers_json, body_json, idempotency_key) VALUES(?,?,?,?,?,?)`,
		store.TS(o.clock.Now()), strings.ToUpper(method), url, string(headersJSON), bodyJSON, idempotencyKey)
	if err != nil {
		return "", fmt.Errorf("insert outbox job: %w", err)
	}
	return idempotencyKey, nil
}

// NextDue returns the single oldest job whose next attempt is due, or nil.
func (o *Outbox) NextDue(ctx context.Context) (*Job, error) {
	row := o.db.QueryRowContext(ctx,
		`SELECT id, created_ts, method, url, headers_json, body_json, idempotency_key, retry_count, next_attempt_ts
		 FROM outbox
		 WHERE next_attempt_ts <= ?
		 ORDER BY next_attempt_ts ASC, retry_count ASC, created_ts ASC
		 LIMIT 1`,
		store.TS(o.clock.Now()))

	var (
		job         Job
		headersJSON string
		bodyJSON    sql.NullString
	)
	err := row.Scan(&job.ID, &job.CreatedTS, &job.Method, &job.URL, &headersJSON, &bodyJSON, &job.IdempotencyKey, &job.RetryCount, &job.NextAttemptTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}

	if err := json.Unmarshal([]byte(headersJSON), &job.Headers); err != nil {
		return nil, fmt.Errorf("job %d headers: %w", job.ID, err)
	}
	if bodyJSON.Valid {
		job.Body = json.RawMessage(bodyJSON.String)
	}
	return &job, nil
}

// Delete removes a delivered job.
func (o *Outbox) Delete(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id=?`, id)
	return err
}

// Reschedule records a failed attempt.
func (o *Outbox) Reschedule(ctx context.Context, id int64, retryCount int, nextAttemptTS float64) error {
	_, err := o.db.ExecContext(ctx, `UPDATE outbox SET retry_count=?, next_attempt_ts=? WHERE id=?`, retryCount, nextAttemptTS, id)
	return err
}

// Count returns the queue depth.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}
