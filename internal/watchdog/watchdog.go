// Package watchdog tracks peer liveness with a consecutive-fail threshold.
// When a health URL is configured it is the primary probe with ICMP as the
// fallback; otherwise ICMP alone decides. Ticks are interval-gated so
// callers can invoke Tick on every loop iteration cheaply.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/maslabs/databridge/internal/httpclient"
)

// downRecheck accelerates recovery detection while the peer is down.
const downRecheck = 500 * time.Millisecond

// Config for a peer watchdog.
type Config struct {
	Host          string        // ICMP target
	HealthURL     string        // optional HTTP health endpoint
	Interval      time.Duration // probe cadence while up
	Timeout       time.Duration // per-probe budget
	DownAfter     int           // consecutive failures before down
	SkipTLSVerify bool
}

// Prober issues one liveness probe. Swapped out in tests.
type Prober interface {
	Probe(ctx context.Context) bool
}

type Watchdog struct {
	log    *slog.Logger
	cfg    Config
	clock  clockwork.Clock
	prober Prober

	mu        sync.Mutex
	fails     int
	up        bool
	nextCheck time.Time
}

// Option overrides watchdog internals.
type Option func(*Watchdog)

// WithProber substitutes the probe implementation.
func WithProber(p Prober) Option {
	return func(w *Watchdog) { w.prober = p }
}

// WithClock substitutes the clock.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

func New(log *slog.Logger, cfg Config, opts ...Option) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = 3
	}

	w := &Watchdog{
		log:   log,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		up:    true,
	}
	for _, o := range opts {
		o(w)
	}
	if w.prober == nil {
		w.prober = &netProber{cfg: cfg}
	}
	return w
}

// Tick returns the cached liveness, probing at most once per interval.
// While down the recheck deadline shortens so recovery is noticed fast.
func (w *Watchdog) Tick(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if now.Before(w.nextCheck) {
		return w.up
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	ok := w.prober.Probe(probeCtx)
	cancel()

	if ok {
		w.fails = 0
	} else {
		w.fails++
	}
	wasUp := w.up
	w.up = w.fails < w.cfg.DownAfter

	next := w.cfg.Interval
	if !w.up && next > downRecheck {
		next = downRecheck
	}
	w.nextCheck = now.Add(next)

	if wasUp != w.up {
		if w.up {
			w.log.Info("watchdog: peer recovered", "host", w.cfg.Host)
		} else {
			w.log.Warn("watchdog: peer down", "host", w.cfg.Host, "fails", w.fails)
		}
	}
	return w.up
}

// IsUp returns the cached state without probing.
func (w *Watchdog) IsUp() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}

// netProber is the production probe: HTTP health first when configured,
// ICMP echo as fallback or sole signal.
type netProber struct {
	cfg Config

	once sync.Once
	hc   *httpclient.Client
}

func (p *netProber) Probe(ctx context.Context) bool {
	if p.cfg.HealthURL != "" {
		if p.httpOK(ctx) {
			return true
		}
		return p.pingOK(ctx)
	}
	return p.pingOK(ctx)
}

func (p *netProber) httpOK(ctx context.Context) bool {
	p.once.Do(func() {
		p.hc, _ = httpclient.New(httpclient.Options{
			Timeout:       p.cfg.Timeout,
			SkipTLSVerify: p.cfg.SkipTLSVerify,
		})
	})
	if p.hc == nil {
		return false
	}
	_, _, err := p.hc.Request(ctx, "GET", p.cfg.HealthURL, nil, nil)
	return err == nil
}

func (p *netProber) pingOK(ctx context.Context) bool {
	if p.cfg.Host == "" {
		return false
	}
	pinger, err := probing.NewPinger(p.cfg.Host)
	if err != nil {
		return false
	}
	defer pinger.Stop()
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = p.cfg.Timeout

	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
