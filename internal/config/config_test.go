package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_LoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, Default(), s)
	require.True(t, s.TLSVerify)
	require.Equal(t, 10*time.Second, s.HTTPTimeoutDuration())
}

func TestConfig_LoadOverridesAndIgnoresUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"peer_base_url": "https://10.0.0.1",
		"retry_base_s": 0.5,
		"vj6530_simulation": false,
		"some_future_key": 42
	}`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://10.0.0.1", s.PeerBaseURL)
	require.Equal(t, 0.5, s.RetryBase)
	require.False(t, s.ZBCSimulation)
	// untouched keys keep defaults
	require.Equal(t, 60.0, s.RetryCap)
}

func TestConfig_LoadRejectsBadJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_URLHelpers(t *testing.T) {
	t.Parallel()

	s := Default()
	s.PeerBaseURL = "https://peer.example/"
	s.PeerHealthPath = "/health"
	require.Equal(t, "https://peer.example/health", s.HealthURL())
	require.Equal(t, "https://peer.example/api/inbox", s.PeerInboxURL())

	s.PeerHealthPath = ""
	require.Empty(t, s.HealthURL())
}

func TestConfig_PatchApply(t *testing.T) {
	t.Parallel()

	s := Default()
	base := "https://10.1.1.1"
	verify := false
	port := 9100
	p := Patch{PeerBaseURL: &base, TLSVerify: &verify, ZBCPort: &port}

	got := p.Apply(s)
	require.Equal(t, base, got.PeerBaseURL)
	require.False(t, got.TLSVerify)
	require.Equal(t, 9100, got.ZBCPort)
	// unpatched fields unchanged
	require.Equal(t, s.UIToken, got.UIToken)
	require.Equal(t, s.RetryCap, got.RetryCap)
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s := Default()
	s.PeerBaseURL = "https://saved.example"
	require.NoError(t, s.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, s, got)
}
