// Package api serves the bridge's HTTP surface: the peer-facing intake
// endpoint plus the token-gated operator API over the queues, parameters,
// logs and configuration.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/maslabs/databridge/internal/config"
	"github.com/maslabs/databridge/internal/inbox"
	"github.com/maslabs/databridge/internal/logstore"
	"github.com/maslabs/databridge/internal/metrics"
	"github.com/maslabs/databridge/internal/nak"
	"github.com/maslabs/databridge/internal/outbox"
	"github.com/maslabs/databridge/internal/params"
	"github.com/maslabs/databridge/internal/protocol"
	"github.com/maslabs/databridge/internal/watchdog"
)

// maxBody bounds any request body the server will read.
const maxBody = 1 << 20

// Config wires the server's collaborators. ConfigPath may be empty; config
// edits then stay in memory only.
type Config struct {
	Settings   *config.Holder
	ConfigPath string

	Inbox    *inbox.Inbox
	Outbox   *outbox.Outbox
	Params   *params.Store
	Logs     *logstore.Store
	Watchdog *watchdog.Watchdog

	Version string
}

type Server struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) *Server {
	return &Server{log: log, cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/inbox", s.handleIntake)

	admin := func(h http.HandlerFunc) http.HandlerFunc { return s.requireToken(h) }
	mux.HandleFunc("GET /api/status", admin(s.handleStatus))
	mux.HandleFunc("GET /api/inbox/next", admin(s.handleInboxNext))
	mux.HandleFunc("POST /api/inbox/{id}/ack", admin(s.handleInboxAck))
	mux.HandleFunc("POST /api/outbox/enqueue", admin(s.handleOutboxEnqueue))
	mux.HandleFunc("POST /api/test/send", admin(s.handleTestSend))
	mux.HandleFunc("GET /api/params", admin(s.handleParamsList))
	mux.HandleFunc("GET /api/params/{pkey}", admin(s.handleParamGet))
	mux.HandleFunc("POST /api/params/{pkey}", admin(s.handleParamPatch))
	mux.HandleFunc("PUT /api/params/{pkey}", admin(s.handleParamPut))
	mux.HandleFunc("POST /api/params/{pkey}/map", admin(s.handleParamMap))
	mux.HandleFunc("GET /api/logs", admin(s.handleLogsList))
	mux.HandleFunc("GET /api/logs/channels", admin(s.handleLogsChannels))
	mux.HandleFunc("POST /api/logs/clear", admin(s.handleLogsClear))
	mux.HandleFunc("GET /api/config", admin(s.handleConfigGet))
	mux.HandleFunc("POST /api/config", admin(s.handleConfigPatch))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.cfg.Version})
}

// handleIntake accepts a push from the peer. The shared secret is compared
// in constant time; a rejected push stores nothing.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Settings.Get().SharedSecret
	if secret != "" {
		got := r.Header.Get("X-Shared-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "read body"})
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	if key == "" {
		key = uuid.NewString()
	}

	source := sourceOf(body)
	if source == "" {
		source, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	headersJSON := marshalHeaders(r.Header)
	stored, err := s.cfg.Inbox.Store(r.Context(), source, headersJSON, string(body), key)
	if err != nil {
		s.log.Error("intake store failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "store failed"})
		return
	}
	if stored {
		metrics.InboxStored.Inc()
	} else {
		metrics.InboxDeduped.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stored": stored, "idempotency_key": key})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings := s.cfg.Settings.Get()

	outboxDepth, err := s.cfg.Outbox.Count(ctx)
	if err != nil {
		s.internalError(w, "outbox count", err)
		return
	}
	inboxPending, err := s.cfg.Inbox.CountPending(ctx)
	if err != nil {
		s.internalError(w, "inbox count", err)
		return
	}

	peerUp := true
	if s.cfg.Watchdog != nil {
		peerUp = s.cfg.Watchdog.IsUp()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"version":        s.cfg.Version,
		"peer_up":        peerUp,
		"outbox_pending": outboxDepth,
		"inbox_pending":  inboxPending,
		"simulation": map[string]bool{
			"esp-plc": settings.LineSimulation,
			"vj6530":  settings.ZBCSimulation,
			"vj3350":  settings.UltimateSimulation,
		},
	})
}

func (s *Server) handleInboxNext(w http.ResponseWriter, r *http.Request) {
	msg, err := s.cfg.Inbox.NextPending(r.Context())
	if err != nil {
		s.internalError(w, "inbox next", err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": map[string]any{
		"id":              msg.ID,
		"received_ts":     msg.ReceivedTS,
		"source":          msg.Source,
		"body":            bodyValue(msg.BodyJSON),
		"idempotency_key": msg.IdempotencyKey,
		"state":           msg.State,
	}})
}

func (s *Server) handleInboxAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad id"})
		return
	}
	if err := s.cfg.Inbox.Ack(r.Context(), id); err != nil {
		s.internalError(w, "inbox ack", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOutboxEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method         string            `json:"method"`
		URL            string            `json:"url"`
		Path           string            `json:"path"`
		Headers        map[string]string `json:"headers"`
		Body           json.RawMessage   `json:"body"`
		IdempotencyKey string            `json:"idempotency_key"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	settings := s.cfg.Settings.Get()
	url := req.URL
	if url == "" && req.Path != "" {
		url = strings.TrimRight(settings.PeerBaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "url or path required"})
		return
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}
	key, err := s.cfg.Outbox.Enqueue(r.Context(), method, url, req.Headers, body, req.IdempotencyKey)
	if err != nil {
		s.internalError(w, "outbox enqueue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "idempotency_key": key})
}

// handleTestSend queues operator-written lines to the peer, bypassing the
// inbox. The msg field may hold several lines split on ";" or newlines;
// parseable writes are also recorded as device-reported values so the UI
// can fake a device. One result per line.
func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Msg     string `json:"msg"`
		Channel string `json:"channel"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	items := splitMessages(req.Msg)
	if len(items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "msg required"})
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = "raspi"
	}

	ctx := r.Context()
	settings := s.cfg.Settings.Get()
	results := make([]map[string]any, 0, len(items))
	for _, item := range items {
		res := map[string]any{"msg": item}

		if m, ok := protocol.ParseLine(item); ok && m.Op == protocol.OpWrite {
			if err := s.cfg.Params.ApplyDeviceValue(ctx, m.PKey(), m.Value); err != nil {
				res["applied"] = false
				var kind nak.Kind
				if errors.As(err, &kind) {
					res["error"] = string(kind)
				} else {
					s.log.Error("test send apply failed", "pkey", m.PKey(), "error", err)
				}
			} else {
				res["applied"] = true
			}
		}

		body := map[string]string{"msg": item, "source": "raspi"}
		key, err := s.cfg.Outbox.Enqueue(ctx, http.MethodPost, settings.PeerInboxURL(), nil, body, "")
		if err != nil {
			s.internalError(w, "test send", err)
			return
		}
		res["idempotency_key"] = key
		if s.cfg.Logs != nil {
			s.cfg.Logs.Log(ctx, channel, "TX", item)
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

// splitMessages splits an operator input into individual lines.
func splitMessages(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleParamsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intQuery(q.Get("limit"), 200)
	offset := intQuery(q.Get("offset"), 0)

	entries, err := s.cfg.Params.List(r.Context(), q.Get("ptype"), q.Get("q"), limit, offset)
	if err != nil {
		s.internalError(w, "params list", err)
		return
	}
	if entries == nil {
		entries = []params.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "params": entries})
}

func (s *Server) handleParamGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pkey := r.PathValue("pkey")

	meta, err := s.cfg.Params.GetMeta(ctx, pkey)
	if err != nil {
		s.internalError(w, "param get", err)
		return
	}
	if meta == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": string(nak.UnknownParam)})
		return
	}

	dm, err := s.cfg.Params.GetDeviceMap(ctx, pkey)
	if err != nil {
		s.internalError(w, "param map", err)
		return
	}
	current, err := s.cfg.Params.GetValue(ctx, pkey)
	if err != nil {
		s.internalError(w, "param value", err)
		return
	}
	effective, err := s.cfg.Params.GetEffectiveValue(ctx, pkey)
	if err != nil {
		s.internalError(w, "param value", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"meta":        meta,
		"device_map":  dm,
		"current_v":   current,
		"effective_v": effective,
	})
}

func (s *Server) handleParamPatch(w http.ResponseWriter, r *http.Request) {
	var patch params.MetaPatch
	if !s.decode(w, r, &patch) {
		return
	}
	err := s.cfg.Params.UpdateMeta(r.Context(), r.PathValue("pkey"), patch)
	s.paramResult(w, err)
}

func (s *Server) handleParamPut(w http.ResponseWriter, r *http.Request) {
	var meta params.Meta
	if !s.decode(w, r, &meta) {
		return
	}
	pkey := r.PathValue("pkey")
	meta.PKey = pkey
	if meta.PType == "" && len(pkey) > 3 {
		meta.PType = pkey[:3]
		meta.PID = pkey[3:]
	}
	s.paramResult(w, s.cfg.Params.Upsert(r.Context(), meta))
}

func (s *Server) handleParamMap(w http.ResponseWriter, r *http.Request) {
	var dm params.DeviceMap
	if !s.decode(w, r, &dm) {
		return
	}
	dm.PKey = r.PathValue("pkey")
	s.paramResult(w, s.cfg.Params.UpsertDeviceMap(r.Context(), dm))
}

func (s *Server) paramResult(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	var kind nak.Kind
	if errors.As(err, &kind) {
		status := http.StatusBadRequest
		if kind == nak.UnknownParam {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": string(kind)})
		return
	}
	s.internalError(w, "param update", err)
}

func (s *Server) handleLogsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		channel = "all"
	}
	recs, err := s.cfg.Logs.List(r.Context(), channel, intQuery(q.Get("limit"), 200))
	if err != nil {
		s.internalError(w, "logs list", err)
		return
	}
	if recs == nil {
		recs = []logstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logs": recs})
}

func (s *Server) handleLogsChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.cfg.Logs.Channels(r.Context())
	if err != nil {
		s.internalError(w, "logs channels", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channels": channels})
}

func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "all"
	}
	if err := s.cfg.Logs.Clear(r.Context(), channel); err != nil {
		s.internalError(w, "logs clear", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": s.cfg.Settings.Get()})
}

// handleConfigPatch applies a partial settings update, persists it when a
// config path is known and publishes it to the running loops.
func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if !s.decode(w, r, &patch) {
		return
	}

	updated := patch.Apply(s.cfg.Settings.Get())
	if s.cfg.ConfigPath != "" {
		if err := updated.Save(s.cfg.ConfigPath); err != nil {
			s.internalError(w, "save config", err)
			return
		}
	}
	s.cfg.Settings.Set(updated)
	s.log.Info("configuration updated")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": updated})
}

// requireToken guards the operator API with the UI token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Settings.Get().UIToken
		got := r.Header.Get("X-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad json"})
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.log.Error("api: "+what+" failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sourceOf pulls the optional "source" field out of a JSON object body.
func sourceOf(body []byte) string {
	var obj struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	return strings.TrimSpace(obj.Source)
}

func marshalHeaders(h http.Header) string {
	flat := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			flat[k] = vs[0]
		}
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// bodyValue renders a stored body for the API: JSON passes through, raw
// text is returned as a string.
func bodyValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
