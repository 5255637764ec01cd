package configutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Origin  string   `json:"origin"`
	Regions []string `json:"regions"`
	Delay   Duration `json:"delay"`
	Verbose bool     `json:"verbose"`
}

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "config.json5"), []byte(`{
		// comments are allowed
		origin: "https://chat.example.com",
		regions: ["westus", "eastus"],
		delay: "500ms",
	}`), 0600)
	if err != nil {
		t.Fatal(err)
	}
	err = os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{
		delay: 2,
		verbose: true,
	}`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "https://chat.example.com", cfg.Origin)
	require.Equal(t, []string{"westus", "eastus"}, cfg.Regions)
	require.Equal(t, 2*time.Second, cfg.Delay.Std())
	require.True(t, cfg.Verbose)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "config.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	require.Error(t, d.UnmarshalJSON([]byte(`true`)))
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	require.Equal(t, 90*time.Second, d.Std())
}
