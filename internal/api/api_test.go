package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/maslabs/databridge/internal/config"
	"github.com/maslabs/databridge/internal/inbox"
	"github.com/maslabs/databridge/internal/logstore"
	"github.com/maslabs/databridge/internal/outbox"
	"github.com/maslabs/databridge/internal/params"
	"github.com/maslabs/databridge/internal/store"
)

type apiEnv struct {
	srv    *httptest.Server
	inbox  *inbox.Inbox
	outbox *outbox.Outbox
	params *params.Store
	holder *config.Holder
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewRealClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ib := inbox.New(db, clock)
	ob := outbox.New(db, clock)
	ps := params.New(db, clock)
	ls, err := logstore.New(log, db, filepath.Join(dir, "logs"), clock)
	require.NoError(t, err)

	settings := config.Default()
	settings.SharedSecret = "s3cret"
	settings.UIToken = "tok"
	settings.PeerBaseURL = "https://peer.example"
	holder := config.NewHolder(settings)

	server := New(log, Config{
		Settings: holder,
		Inbox:    ib,
		Outbox:   ob,
		Params:   ps,
		Logs:     ls,
		Version:  "test",
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, inbox: ib, outbox: ob, params: ps, holder: holder}
}

func (e *apiEnv) do(t *testing.T, method, path string, headers map[string]string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func secretHdr() map[string]string { return map[string]string{"X-Shared-Secret": "s3cret"} }
func tokenHdr() map[string]string  { return map[string]string{"X-Token": "tok"} }

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	resp, out := e.do(t, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
}

func TestIntake(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	t.Run("stores and echoes the key", func(t *testing.T) {
		hdr := secretHdr()
		hdr["X-Idempotency-Key"] = "abc-1"
		resp, out := e.do(t, "POST", "/api/inbox", hdr, `{"msg":"TTP2=?","source":"peer-1"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, true, out["ok"])
		require.Equal(t, true, out["stored"])
		require.Equal(t, "abc-1", out["idempotency_key"])

		msg, err := e.inbox.NextPending(context.Background())
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.Equal(t, "peer-1", msg.Source)
		require.Equal(t, "abc-1", msg.IdempotencyKey)
	})

	t.Run("duplicate key is deduped", func(t *testing.T) {
		hdr := secretHdr()
		hdr["X-Idempotency-Key"] = "abc-1"
		resp, out := e.do(t, "POST", "/api/inbox", hdr, `{"msg":"TTP2=?"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, true, out["ok"])
		require.Equal(t, false, out["stored"])

		n, err := e.inbox.CountPending(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("missing key gets a generated one", func(t *testing.T) {
		resp, out := e.do(t, "POST", "/api/inbox", secretHdr(), `{"msg":"TTP3=?"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, true, out["stored"])
		require.NotEmpty(t, out["idempotency_key"])
	})

	t.Run("bad secret stores nothing", func(t *testing.T) {
		before, err := e.inbox.CountPending(context.Background())
		require.NoError(t, err)

		resp, out := e.do(t, "POST", "/api/inbox",
			map[string]string{"X-Shared-Secret": "wrong"}, `{"msg":"TTP4=?"}`)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, false, out["ok"])

		after, err := e.inbox.CountPending(context.Background())
		require.NoError(t, err)
		require.Equal(t, before, after)
	})
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	for _, path := range []string{"/api/status", "/api/params", "/api/logs", "/api/config"} {
		resp, out := e.do(t, "GET", path, nil, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		require.Equal(t, false, out["ok"], path)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	resp, out := e.do(t, "GET", "/api/status", tokenHdr(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
	require.Equal(t, true, out["peer_up"])
	require.EqualValues(t, 0, out["outbox_pending"])
	require.EqualValues(t, 0, out["inbox_pending"])
}

func TestOutboxEnqueueByPath(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	resp, out := e.do(t, "POST", "/api/outbox/enqueue", tokenHdr(),
		`{"path":"/api/inbox","body":{"msg":"hello"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])

	job, err := e.outbox.NextDue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "POST", job.Method)
	require.Equal(t, "https://peer.example/api/inbox", job.URL)
}

func TestTestSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newAPIEnv(t)

	resp, out := e.do(t, "POST", "/api/test/send", tokenHdr(), `{"msg":"TTE0001=5"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
	require.Len(t, out["results"], 1)

	job, err := e.outbox.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "https://peer.example/api/inbox", job.URL)

	var body struct {
		Msg    string `json:"msg"`
		Source string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(job.Body, &body))
	require.Equal(t, "TTE0001=5", body.Msg)
	require.Equal(t, "raspi", body.Source)
}

func TestTestSend_MultipleMessagesApplyValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newAPIEnv(t)

	require.NoError(t, e.params.Upsert(ctx, params.Meta{PKey: "TTE0001", PType: "TTE", PID: "0001"}))

	resp, out := e.do(t, "POST", "/api/test/send", tokenHdr(), `{"msg":"TTE0001=9;TTP2=?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])

	results, ok := out["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)

	first, ok := results[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "TTE0001=9", first["msg"])
	require.Equal(t, true, first["applied"])

	// write landed as a device-reported value even though the ptype is
	// read-only for the peer
	v, err := e.params.GetEffectiveValue(ctx, "TTE0001")
	require.NoError(t, err)
	require.Equal(t, "9", v)

	// both lines queued for the peer
	n, err := e.outbox.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestParamEndpoints(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	resp, out := e.do(t, "PUT", "/api/params/TTP00002", tokenHdr(),
		`{"min_v":0,"max_v":100,"default_v":"7","rw":"R/W","name":"spout temperature"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])

	resp, out = e.do(t, "GET", "/api/params/TTP00002", tokenHdr(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "7", out["effective_v"])

	resp, out = e.do(t, "POST", "/api/params/TTP00002", tokenHdr(), `{"default_v":"500"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "NAK_DefaultOutOfRange", out["error"])

	resp, out = e.do(t, "POST", "/api/params/TTP00002", tokenHdr(), `{"rw":"sometimes"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "NAK_BadRW", out["error"])

	resp, out = e.do(t, "GET", "/api/params/TTP99999", tokenHdr(), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NAK_UnknownParam", out["error"])

	resp, out = e.do(t, "POST", "/api/params/TTP00002/map", tokenHdr(),
		`{"zbc_command_id":66,"zbc_value_codec":"u16","zbc_scale":0.1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])

	dm, err := e.params.GetDeviceMap(context.Background(), "TTP00002")
	require.NoError(t, err)
	require.NotNil(t, dm.ZBCCommandID)
	require.Equal(t, uint16(66), *dm.ZBCCommandID)

	resp, out = e.do(t, "GET", "/api/params?ptype=TTP", tokenHdr(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["params"], 1)
}

func TestLogsEndpoints(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	_, out := e.do(t, "GET", "/api/logs/channels", tokenHdr(), "")
	require.Equal(t, true, out["ok"])
	require.NotEmpty(t, out["channels"])

	resp, out := e.do(t, "GET", "/api/logs?channel=raspi", tokenHdr(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])

	resp, out = e.do(t, "POST", "/api/logs/clear?channel=raspi", tokenHdr(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
}

func TestConfigPatch(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	resp, out := e.do(t, "POST", "/api/config", tokenHdr(), `{"vj6530_simulation":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["ok"])
	require.False(t, e.holder.Get().ZBCSimulation)

	// untouched keys keep their values
	require.Equal(t, "tok", e.holder.Get().UIToken)
}
