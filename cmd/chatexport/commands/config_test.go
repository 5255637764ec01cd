package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	"webchat-export/internal/credentials"

	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	err := os.WriteFile(path, []byte(`{
		// comments are allowed
		session_token: "secret",
		cookies: {"cf_clearance": "abc", "b": "2"},
		item_delay: "250ms",
		topology: {regions: ["eastus"]},
	}`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := readConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://chatgpt.com", cfg.Origin)
	require.Equal(t, credentials.DefaultTTL, cfg.TokenTTL.Std())
	require.Equal(t, 250*time.Millisecond, cfg.ItemDelay.Std())
	require.Equal(t, []string{"eastus"}, cfg.Topology.Regions)

	var names []string
	for _, cookie := range cfg.sessionCookies() {
		names = append(names, cookie.Name)
	}
	require.Equal(t, []string{credentials.SessionCookie, "b", "cf_clearance"}, names)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "config.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
