package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/maslabs/databridge/internal/config"
	"github.com/maslabs/databridge/internal/runtime"
)

// set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "path to the configuration file")
	metricsAddr := pflag.String("metrics-addr", "", "serve prometheus metrics on this address")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("databridged %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	log := newLogger(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("databridged starting", "version", version, "config", *configPath)
	if err := runtime.Run(ctx, log, runtime.Config{
		ConfigPath:  *configPath,
		MetricsAddr: *metricsAddr,
		Version:     version,
		Commit:      commit,
		Date:        date,
	}); err != nil {
		log.Error("databridged exited", "error", err)
		os.Exit(1)
	}
	log.Info("databridged stopped")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		},
	}))
}
