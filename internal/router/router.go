// Package router drains the inbox: it claims pending peer messages, runs
// them through the device bridge and enqueues the reply lines into the
// outbox. Processing is strictly one message at a time so replies leave in
// arrival order.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/maslabs/databridge/internal/bridge"
	"github.com/maslabs/databridge/internal/inbox"
	"github.com/maslabs/databridge/internal/logstore"
	"github.com/maslabs/databridge/internal/metrics"
	"github.com/maslabs/databridge/internal/outbox"
	"github.com/maslabs/databridge/internal/protocol"
)

// idleSleep is the poll interval while the inbox is drained.
const idleSleep = 200 * time.Millisecond

// Config wires the router's collaborators. PeerURL is called per message so
// config reloads take effect without a restart.
type Config struct {
	Inbox   *inbox.Inbox
	Outbox  *outbox.Outbox
	Bridge  *bridge.Bridge
	Logs    *logstore.Store
	PeerURL func() string
	Clock   clockwork.Clock
}

type Router struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Router{log: log, cfg: cfg}
}

// Run processes inbox messages until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.log.Info("router started")
	for {
		processed, err := r.TickOnce(ctx)
		if err != nil {
			r.log.Error("router tick failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			r.log.Info("router stopped")
			return nil
		case <-r.cfg.Clock.After(idleSleep):
		}
	}
}

// TickOnce claims and processes at most one inbox message. It reports false
// when the inbox was drained. The message is acked in every case, including
// unparseable bodies; those get one log line and no reply.
func (r *Router) TickOnce(ctx context.Context) (bool, error) {
	msg, err := r.cfg.Inbox.ClaimNextPending(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	line, ok := extractMsgLine(msg.BodyJSON)
	if !ok {
		r.log.Warn("dropping unparseable inbox message", "id", msg.ID, "key", msg.IdempotencyKey)
		metrics.RouterProcessed.Inc()
		return true, r.cfg.Inbox.Ack(ctx, msg.ID)
	}

	r.logChannel(ctx, "raspi", "RX", line)

	reply := r.process(ctx, line)
	if reply != "" {
		r.logChannel(ctx, "raspi", "TX", reply)
		body := map[string]string{"msg": reply, "source": "raspi"}
		headers := map[string]string{"X-Correlation-Id": msg.IdempotencyKey}
		if _, err := r.cfg.Outbox.Enqueue(ctx, "POST", r.cfg.PeerURL(), headers, body, ""); err != nil {
			// ack regardless so the lane never wedges on one message
			r.log.Error("enqueue reply failed", "id", msg.ID, "key", msg.IdempotencyKey, "error", err)
		}
	}

	metrics.RouterProcessed.Inc()
	return true, r.cfg.Inbox.Ack(ctx, msg.ID)
}

// process turns one request line into one reply line.
func (r *Router) process(ctx context.Context, line string) string {
	m, ok := protocol.ParseLine(line)
	if !ok {
		r.log.Warn("dropping malformed parameter line", "line", line)
		return ""
	}
	device := bridge.DeviceFor(m.PType)
	return r.cfg.Bridge.Execute(ctx, device, m)
}

func (r *Router) logChannel(ctx context.Context, channel, direction, message string) {
	if r.cfg.Logs != nil {
		r.cfg.Logs.Log(ctx, channel, direction, message)
	}
}

// extractMsgLine digs the parameter line out of an inbox body: a bare JSON
// string, an object keyed msg/line/text/cmd, or raw non-JSON text.
func extractMsgLine(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}

	var s string
	if err := json.Unmarshal([]byte(body), &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err == nil {
		for _, key := range []string{"msg", "line", "text", "cmd"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var v string
			if err := json.Unmarshal(raw, &v); err == nil {
				v = strings.TrimSpace(v)
				if v != "" {
					return v, true
				}
			}
		}
		return "", false
	}

	if strings.HasPrefix(body, "[") {
		return "", false
	}
	return body, true
}
