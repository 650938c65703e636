// Package runtime assembles the daemon: storage, queues, device clients,
// the router and sender loops and the HTTP servers, and runs them until the
// context is cancelled.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maslabs/databridge/internal/api"
	"github.com/maslabs/databridge/internal/bridge"
	"github.com/maslabs/databridge/internal/config"
	"github.com/maslabs/databridge/internal/devices"
	"github.com/maslabs/databridge/internal/httpclient"
	"github.com/maslabs/databridge/internal/inbox"
	"github.com/maslabs/databridge/internal/logstore"
	"github.com/maslabs/databridge/internal/metrics"
	"github.com/maslabs/databridge/internal/outbox"
	"github.com/maslabs/databridge/internal/params"
	"github.com/maslabs/databridge/internal/router"
	"github.com/maslabs/databridge/internal/sender"
	"github.com/maslabs/databridge/internal/store"
	"github.com/maslabs/databridge/internal/watchdog"
)

// deviceTimeout bounds one field-device exchange.
const deviceTimeout = 2 * time.Second

// shutdownGrace is how long the HTTP servers get to drain on exit.
const shutdownGrace = 5 * time.Second

// Config is the daemon's startup configuration. Everything else comes from
// the settings file at ConfigPath.
type Config struct {
	ConfigPath  string
	MetricsAddr string

	Version string
	Commit  string
	Date    string
}

// Run assembles and runs the bridge until ctx is cancelled or a component
// fails. Device endpoints and simulation flags are bound at startup; most
// other settings are re-read live through the config holder.
func Run(ctx context.Context, log *slog.Logger, cfg Config) error {
	settings, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	holder := config.NewHolder(settings)
	clock := clockwork.NewRealClock()

	metrics.BuildInfo.WithLabelValues(cfg.Version, cfg.Commit, cfg.Date).Set(1)

	if dir := filepath.Dir(settings.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := store.Open(settings.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("store opened", "path", settings.DBPath)

	logs, err := logstore.New(log, db, settings.LogDir, clock)
	if err != nil {
		return err
	}
	ib := inbox.New(db, clock)
	recovered, err := ib.RecoverProcessing(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Info("requeued in-flight inbox messages", "count", recovered)
	}
	ob := outbox.New(db, clock)
	ps := params.New(db, clock)

	client, err := httpclient.New(httpclient.Options{
		Timeout:       settings.HTTPTimeoutDuration(),
		SourceIP:      settings.SourceIP,
		SkipTLSVerify: !settings.TLSVerify,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	peerWatch := watchdog.New(log, watchdog.Config{
		Host:          settings.PeerWatchdogHost,
		HealthURL:     settings.HealthURL(),
		Interval:      settings.WatchdogIntervalDuration(),
		Timeout:       settings.WatchdogTimeoutDuration(),
		DownAfter:     settings.WatchdogDown,
		SkipTLSVerify: !settings.TLSVerify,
	})

	br := bridge.New(log, bridge.Config{
		Params: ps,
		Logs:   logs,

		Line:      devices.NewLineClient(settings.LineHost, settings.LinePort, deviceTimeout),
		LineWatch: devices.NewWatchdog(lineWatchHost(settings), settings.WatchdogTimeoutDuration(), settings.WatchdogDown),
		LineSim:   settings.LineSimulation,

		ZBC:      devices.NewZBCClient(settings.ZBCHost, settings.ZBCPort, deviceTimeout),
		ZBCWatch: devices.NewWatchdog(settings.ZBCHost, settings.WatchdogTimeoutDuration(), settings.WatchdogDown),
		ZBCSim:   settings.ZBCSimulation,

		Ultimate:      devices.NewUltimateClient(settings.UltimateHost, settings.UltimatePort, deviceTimeout),
		UltimateWatch: devices.NewWatchdog(settings.UltimateHost, settings.WatchdogTimeoutDuration(), settings.WatchdogDown),
		UltimateSim:   settings.UltimateSimulation,
	})

	rt := router.New(log, router.Config{
		Inbox:   ib,
		Outbox:  ob,
		Bridge:  br,
		Logs:    logs,
		PeerURL: func() string { return holder.Get().PeerInboxURL() },
		Clock:   clock,
	})

	snd := sender.New(log, sender.Config{
		Outbox:     ob,
		Watchdog:   peerWatch,
		Client:     client,
		Settings:   holder,
		ConfigPath: cfg.ConfigPath,
		Clock:      clock,
	})

	apiSrv := api.New(log, api.Config{
		Settings:   holder,
		ConfigPath: cfg.ConfigPath,
		Inbox:      ib,
		Outbox:     ob,
		Params:     ps,
		Logs:       logs,
		Watchdog:   peerWatch,
		Version:    cfg.Version,
	})

	httpSrv := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: apiSrv.Handler(),
	}

	errCh := make(chan error, 4)

	go func() {
		errCh <- rt.Run(ctx)
	}()
	go func() {
		errCh <- snd.Run(ctx)
	}()
	go func() {
		log.Info("api listening", "addr", settings.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
			return
		}
		errCh <- nil
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			runErr = err
			log.Error("component failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", "error", err)
		}
	}
	return runErr
}

// lineWatchHost picks the PLC's ping target: the dedicated watchdog host
// when configured, the protocol host otherwise.
func lineWatchHost(s config.Settings) string {
	if s.LineWatchdogHost != "" {
		return s.LineWatchdogHost
	}
	return s.LineHost
}
