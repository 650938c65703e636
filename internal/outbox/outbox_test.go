package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/maslabs/databridge/internal/store"
)

func newTestOutbox(t *testing.T) (*Outbox, *clockwork.FakeClock) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clock := clockwork.NewFakeClock()
	return New(db, clock), clock
}

func TestOutbox_EnqueueSetsHeaders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ob, _ := newTestOutbox(t)

	key, err := ob.Enqueue(ctx, "post", "http://peer/api/inbox", nil, map[string]string{"msg": "TTP00002=?"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	job, err := ob.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "POST", job.Method)
	require.Equal(t, key, job.IdempotencyKey)
	require.Equal(t, key, job.Headers["X-Idempotency-Key"])
	require.Equal(t, "application/json", job.Headers["Content-Type"])
	require.JSONEq(t, `{"msg":"TTP00002=?"}`, string(job.Body))
}

func TestOutbox_SuppliedKeyAndHeadersPreserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ob, _ := newTestOutbox(t)

	key, err := ob.Enqueue(ctx, "POST", "http://peer/api/inbox",
		map[string]string{"X-Correlation-Id": "abc"}, nil, "my-key")
	require.NoError(t, err)
	require.Equal(t, "my-key", key)

	job, err := ob.NextDue(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", job.Headers["X-Correlation-Id"])
	require.Equal(t, "my-key", job.Headers["X-Idempotency-Key"])
	require.Nil(t, job.Body)
}

func TestOutbox_NextDueOrderingAndReschedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ob, clock := newTestOutbox(t)

	_, err := ob.Enqueue(ctx, "POST", "http://peer/a", nil, nil, "k1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = ob.Enqueue(ctx, "POST", "http://peer/b", nil, nil, "k2")
	require.NoError(t, err)

	job, err := ob.NextDue(ctx)
	require.NoError(t, err)
	require.Equal(t, "k1", job.IdempotencyKey)

	// pushing k1 into the future makes k2 the next due
	require.NoError(t, ob.Reschedule(ctx, job.ID, 1, store.TS(clock.Now().Add(10*time.Second))))
	job, err = ob.NextDue(ctx)
	require.NoError(t, err)
	require.Equal(t, "k2", job.IdempotencyKey)

	// once delivered, only the rescheduled job remains and it is not yet due
	require.NoError(t, ob.Delete(ctx, job.ID))
	job, err = ob.NextDue(ctx)
	require.NoError(t, err)
	require.Nil(t, job)

	clock.Advance(11 * time.Second)
	job, err = ob.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "k1", job.IdempotencyKey)
	require.Equal(t, 1, job.RetryCount)

	n, err := ob.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
