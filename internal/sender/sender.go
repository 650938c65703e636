// Package sender drains the outbox: one job at a time, gated on the peer
// watchdog, with deterministic exponential backoff on failure. Delivery is
// at-least-once; the peer dedupes on the idempotency key every job carries.
package sender

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/maslabs/databridge/internal/config"
	"github.com/maslabs/databridge/internal/metrics"
	"github.com/maslabs/databridge/internal/outbox"
	"github.com/maslabs/databridge/internal/store"
	"github.com/maslabs/databridge/internal/watchdog"
)

// idleSleep is the poll interval while the outbox is drained.
const idleSleep = 200 * time.Millisecond

// maxShift caps the backoff exponent so the delay cannot overflow.
const maxShift = 10

// Backoff returns the delay before retry number rc+1: base doubled per
// failed attempt, capped. No jitter; a single sender gains nothing from it
// and deterministic delays are testable.
func Backoff(rc int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	if rc > maxShift {
		rc = maxShift
	}
	d := base << uint(rc)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// Requester is the outbound HTTP surface, satisfied by httpclient.Client.
type Requester interface {
	Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, string, error)
}

// Config wires the sender's collaborators. When ConfigPath is set the
// settings file is re-read every iteration, so edits on disk apply without
// a restart.
type Config struct {
	Outbox     *outbox.Outbox
	Watchdog   *watchdog.Watchdog
	Client     Requester
	Settings   *config.Holder
	ConfigPath string
	Clock      clockwork.Clock
}

type Sender struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) *Sender {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Sender{log: log, cfg: cfg}
}

// Run delivers outbox jobs until the context is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	s.log.Info("sender started")
	for {
		pause := s.tick(ctx)
		if pause == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			s.log.Info("sender stopped")
			return nil
		case <-s.cfg.Clock.After(pause):
		}
	}
}

// tick runs one iteration and returns how long to pause before the next;
// zero means there may be more work right now.
func (s *Sender) tick(ctx context.Context) time.Duration {
	if s.cfg.ConfigPath != "" {
		if loaded, err := config.Load(s.cfg.ConfigPath); err == nil {
			s.cfg.Settings.Set(loaded)
		} else {
			s.log.Warn("config reload failed", "path", s.cfg.ConfigPath, "error", err)
		}
	}
	settings := s.cfg.Settings.Get()

	if s.cfg.Watchdog != nil {
		up := s.cfg.Watchdog.Tick(ctx)
		if up {
			metrics.PeerUp.Set(1)
		} else {
			metrics.PeerUp.Set(0)
			return settings.WatchdogIntervalDuration()
		}
	}

	delivered, err := s.DeliverOnce(ctx, settings)
	if err != nil {
		s.log.Error("sender tick failed", "error", err)
		return idleSleep
	}
	if depth, err := s.cfg.Outbox.Count(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	}
	if !delivered {
		return idleSleep
	}
	return 0
}

// DeliverOnce attempts the oldest due job. It reports false when nothing was
// due. A failed attempt reschedules the job with backoff; the error return
// is reserved for store failures.
func (s *Sender) DeliverOnce(ctx context.Context, settings config.Settings) (bool, error) {
	job, err := s.cfg.Outbox.NextDue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	status, _, reqErr := s.cfg.Client.Request(ctx, job.Method, job.URL, job.Headers, job.Body)
	if reqErr == nil {
		metrics.OutboxSent.Inc()
		s.log.Debug("outbox job delivered", "id", job.ID, "key", job.IdempotencyKey, "status", status)
		return true, s.cfg.Outbox.Delete(ctx, job.ID)
	}

	delay := Backoff(job.RetryCount, secsDuration(settings.RetryBase), secsDuration(settings.RetryCap))
	next := store.TS(s.cfg.Clock.Now().Add(delay))
	metrics.OutboxRetried.Inc()
	s.log.Warn("outbox delivery failed",
		"id", job.ID, "key", job.IdempotencyKey, "retry", job.RetryCount+1, "delay", delay, "error", reqErr)
	return true, s.cfg.Outbox.Reschedule(ctx, job.ID, job.RetryCount+1, next)
}

func secsDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
