package watchdog

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	results []bool
	calls   int
}

func (p *scriptedProber) Probe(context.Context) bool {
	ok := false
	if p.calls < len(p.results) {
		ok = p.results[p.calls]
	}
	p.calls++
	return ok
}

func newTestWatchdog(t *testing.T, prober Prober, clock clockwork.Clock) *Watchdog {
	t.Helper()
	return New(slog.Default(), Config{
		Host:      "192.0.2.1",
		Interval:  2 * time.Second,
		Timeout:   time.Second,
		DownAfter: 3,
	}, WithProber(prober), WithClock(clock))
}

func TestWatchdog_Hysteresis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	p := &scriptedProber{results: []bool{false, false, false, true}}
	w := newTestWatchdog(t, p, clock)

	// three consecutive failures flip state to down
	require.True(t, w.Tick(ctx))
	clock.Advance(2 * time.Second)
	require.True(t, w.Tick(ctx))
	clock.Advance(2 * time.Second)
	require.False(t, w.Tick(ctx))
	require.False(t, w.IsUp())

	// a single success restores up
	clock.Advance(time.Second)
	require.True(t, w.Tick(ctx))
	require.True(t, w.IsUp())
}

func TestWatchdog_IntervalGating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	p := &scriptedProber{results: []bool{true, true, true}}
	w := newTestWatchdog(t, p, clock)

	require.True(t, w.Tick(ctx))
	require.Equal(t, 1, p.calls)

	// ticks inside the interval return the cached state without probing
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		require.True(t, w.Tick(ctx))
	}
	require.Equal(t, 1, p.calls)

	clock.Advance(2 * time.Second)
	require.True(t, w.Tick(ctx))
	require.Equal(t, 2, p.calls)
}

func TestWatchdog_DownShortensRecheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	p := &scriptedProber{results: []bool{false, false, false, true}}
	w := newTestWatchdog(t, p, clock)

	w.Tick(ctx)
	clock.Advance(2 * time.Second)
	w.Tick(ctx)
	clock.Advance(2 * time.Second)
	w.Tick(ctx)
	require.False(t, w.IsUp())
	probes := p.calls

	// while down, a recheck happens well before the normal interval
	clock.Advance(500 * time.Millisecond)
	require.True(t, w.Tick(ctx))
	require.Equal(t, probes+1, p.calls)
}
