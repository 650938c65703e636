package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_OpenInstallsSchema(t *testing.T) {
	t.Parallel()

	db, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"outbox", "inbox", "logs", "params", "param_values", "param_device_map"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestStore_ConcurrentOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bridge.db")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := Open(path)
			errs[i] = err
			if db != nil {
				db.Close()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestStore_ClaimTx(t *testing.T) {
	t.Parallel()

	db, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.Exec("INSERT INTO inbox(received_ts, headers_json, idempotency_key) VALUES(?, '{}', 'k1')", TS(time.Now()))
	require.NoError(t, err)

	err = db.ClaimTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE inbox SET state='processing' WHERE idempotency_key='k1'")
		return err
	})
	require.NoError(t, err)

	var state string
	require.NoError(t, db.QueryRow("SELECT state FROM inbox WHERE idempotency_key='k1'").Scan(&state))
	require.Equal(t, "processing", state)

	// rollback path
	sentinel := context.Canceled
	err = db.ClaimTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE inbox SET state='done' WHERE idempotency_key='k1'"); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.NoError(t, db.QueryRow("SELECT state FROM inbox WHERE idempotency_key='k1'").Scan(&state))
	require.Equal(t, "processing", state)
}
