package devices

import (
	"context"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Watchdog gates live calls to one field device with an ICMP probe and a
// consecutive-fail threshold. An empty host disables the gate.
type Watchdog struct {
	host      string
	timeout   time.Duration
	downAfter int

	pingFn func(ctx context.Context, host string, timeout time.Duration) bool

	mu    sync.Mutex
	fails int
}

func NewWatchdog(host string, timeout time.Duration, downAfter int) *Watchdog {
	if downAfter < 1 {
		downAfter = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Watchdog{host: host, timeout: timeout, downAfter: downAfter, pingFn: icmpPing}
}

// Check probes the device and reports whether it is considered reachable.
func (w *Watchdog) Check(ctx context.Context) bool {
	if w.host == "" {
		return true
	}

	ok := w.pingFn(ctx, w.host, w.timeout)

	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.fails = 0
	} else {
		w.fails++
	}
	return w.fails < w.downAfter
}

func icmpPing(ctx context.Context, host string, timeout time.Duration) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false
	}
	defer pinger.Stop()
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Timeout = timeout

	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
