// Package config loads the bridge's JSON configuration file. Every key is
// optional; missing keys keep their defaults and unknown keys are ignored,
// so the file can be edited while the daemon runs (the sender loop reloads
// it each iteration).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultPath is where the daemon looks when -config is not given.
const DefaultPath = "/etc/databridge/config.json"

// Settings is the full on-disk configuration.
type Settings struct {
	// Storage
	DBPath string `json:"db_path"`
	LogDir string `json:"log_dir"`

	// API server
	ListenAddr   string `json:"listen_addr"`
	UIToken      string `json:"ui_token"`
	SharedSecret string `json:"shared_secret"`

	// Peer
	PeerBaseURL      string  `json:"peer_base_url"`
	PeerWatchdogHost string  `json:"peer_watchdog_host"`
	PeerHealthPath   string  `json:"peer_health_path"`
	WatchdogInterval float64 `json:"watchdog_interval_s"`
	WatchdogTimeout  float64 `json:"watchdog_timeout_s"`
	WatchdogDown     int     `json:"watchdog_down_after"`

	// Outbound HTTP
	SourceIP    string  `json:"source_ip"`
	TLSVerify   bool    `json:"tls_verify"`
	HTTPTimeout float64 `json:"http_timeout_s"`
	RetryBase   float64 `json:"retry_base_s"`
	RetryCap    float64 `json:"retry_cap_s"`

	// Field devices
	LineHost           string `json:"esp_host"`
	LinePort           int    `json:"esp_port"`
	LineSimulation     bool   `json:"esp_simulation"`
	LineWatchdogHost   string `json:"esp_watchdog_host"`
	ZBCHost            string `json:"vj6530_host"`
	ZBCPort            int    `json:"vj6530_port"`
	ZBCSimulation      bool   `json:"vj6530_simulation"`
	UltimateHost       string `json:"vj3350_host"`
	UltimatePort       int    `json:"vj3350_port"`
	UltimateSimulation bool   `json:"vj3350_simulation"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		DBPath:           "/var/lib/databridge/databridge.db",
		LogDir:           "/var/lib/databridge/logs",
		ListenAddr:       "0.0.0.0:8080",
		UIToken:          "change-me",
		PeerBaseURL:      "https://192.168.1.10",
		PeerWatchdogHost: "192.168.1.10",
		PeerHealthPath:   "/health",
		WatchdogInterval: 2.0,
		WatchdogTimeout:  1.0,
		WatchdogDown:     3,
		TLSVerify:        true,
		HTTPTimeout:      10.0,
		RetryBase:        1.0,
		RetryCap:         60.0,

		LineSimulation:     true,
		ZBCSimulation:      true,
		UltimateSimulation: true,
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// any other read or parse failure is an error.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings to path.
func (s Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// HealthURL joins the peer base URL and health path, or "" when no health
// path is configured.
func (s Settings) HealthURL() string {
	if s.PeerHealthPath == "" {
		return ""
	}
	return strings.TrimRight(s.PeerBaseURL, "/") + s.PeerHealthPath
}

// PeerInboxURL is where reply lines are POSTed.
func (s Settings) PeerInboxURL() string {
	return strings.TrimRight(s.PeerBaseURL, "/") + "/api/inbox"
}

func (s Settings) HTTPTimeoutDuration() time.Duration {
	return secs(s.HTTPTimeout, 10*time.Second)
}

func (s Settings) WatchdogIntervalDuration() time.Duration {
	return secs(s.WatchdogInterval, 2*time.Second)
}

func (s Settings) WatchdogTimeoutDuration() time.Duration {
	return secs(s.WatchdogTimeout, time.Second)
}

func secs(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

// Holder publishes the live settings to the daemon's loops. Writers replace
// the whole snapshot; readers never see a partial update.
type Holder struct {
	v atomic.Pointer[Settings]
}

func NewHolder(s Settings) *Holder {
	h := &Holder{}
	h.Set(s)
	return h
}

func (h *Holder) Get() Settings { return *h.v.Load() }

func (h *Holder) Set(s Settings) { h.v.Store(&s) }

// Patch is a partial settings update; nil fields keep the current value.
type Patch struct {
	UIToken      *string `json:"ui_token"`
	SharedSecret *string `json:"shared_secret"`

	PeerBaseURL      *string  `json:"peer_base_url"`
	PeerWatchdogHost *string  `json:"peer_watchdog_host"`
	PeerHealthPath   *string  `json:"peer_health_path"`
	WatchdogInterval *float64 `json:"watchdog_interval_s"`
	WatchdogTimeout  *float64 `json:"watchdog_timeout_s"`
	WatchdogDown     *int     `json:"watchdog_down_after"`

	SourceIP    *string  `json:"source_ip"`
	TLSVerify   *bool    `json:"tls_verify"`
	HTTPTimeout *float64 `json:"http_timeout_s"`
	RetryBase   *float64 `json:"retry_base_s"`
	RetryCap    *float64 `json:"retry_cap_s"`

	LineHost           *string `json:"esp_host"`
	LinePort           *int    `json:"esp_port"`
	LineSimulation     *bool   `json:"esp_simulation"`
	LineWatchdogHost   *string `json:"esp_watchdog_host"`
	ZBCHost            *string `json:"vj6530_host"`
	ZBCPort            *int    `json:"vj6530_port"`
	ZBCSimulation      *bool   `json:"vj6530_simulation"`
	UltimateHost       *string `json:"vj3350_host"`
	UltimatePort       *int    `json:"vj3350_port"`
	UltimateSimulation *bool   `json:"vj3350_simulation"`
}

// Apply merges the patch over s and returns the result.
func (p Patch) Apply(s Settings) Settings {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setStr(&s.UIToken, p.UIToken)
	setStr(&s.SharedSecret, p.SharedSecret)
	setStr(&s.PeerBaseURL, p.PeerBaseURL)
	setStr(&s.PeerWatchdogHost, p.PeerWatchdogHost)
	setStr(&s.PeerHealthPath, p.PeerHealthPath)
	setF(&s.WatchdogInterval, p.WatchdogInterval)
	setF(&s.WatchdogTimeout, p.WatchdogTimeout)
	setInt(&s.WatchdogDown, p.WatchdogDown)
	setStr(&s.SourceIP, p.SourceIP)
	setBool(&s.TLSVerify, p.TLSVerify)
	setF(&s.HTTPTimeout, p.HTTPTimeout)
	setF(&s.RetryBase, p.RetryBase)
	setF(&s.RetryCap, p.RetryCap)
	setStr(&s.LineHost, p.LineHost)
	setInt(&s.LinePort, p.LinePort)
	setBool(&s.LineSimulation, p.LineSimulation)
	setStr(&s.LineWatchdogHost, p.LineWatchdogHost)
	setStr(&s.ZBCHost, p.ZBCHost)
	setInt(&s.ZBCPort, p.ZBCPort)
	setBool(&s.ZBCSimulation, p.ZBCSimulation)
	setStr(&s.UltimateHost, p.UltimateHost)
	setInt(&s.UltimatePort, p.UltimatePort)
	setBool(&s.UltimateSimulation, p.UltimateSimulation)
	return s
}
