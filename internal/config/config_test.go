package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Remote.ConnectTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.Window)
	assert.Equal(t, []string{"deploy", "release", "cd", "production"}, cfg.Discovery.Keywords)
	assert.Equal(t, MatchFuzzy, cfg.Discovery.Match)
	assert.True(t, cfg.Provisioning.VerifyRepository)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
remote:
  host: 203.0.113.7
  port: 2223
discovery:
  keywords: [ship]
  match: exact
`))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", cfg.Remote.Host)
	assert.Equal(t, 2223, cfg.Remote.Port)
	assert.Equal(t, "/home/deployer/apps", cfg.Remote.AppsRoot)
	assert.Equal(t, []string{"ship"}, cfg.Discovery.Keywords)
	assert.Equal(t, MatchExact, cfg.Discovery.Match)
	assert.Equal(t, 50, cfg.Monitor.FetchLimit)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad match":     "discovery:\n  match: regex\n",
		"empty keyword": "discovery:\n  keywords: [deploy, \"\"]\n",
		"fetch limit":   "monitor:\n  fetch_limit: 500\n",
		"apps root":     "remote:\n  apps_root: apps\n",
		"webhook url":   "webhooks:\n  - secret: x\n",
		"not yaml":      "remote: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndResolve(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	cfg.Resolve(dir)
	assert.Equal(t, filepath.Join(dir, ".deployline", "pipelines.json"), cfg.Registry.Path)
	assert.Equal(t, filepath.Join(dir, ".deployline", "journal.db"), cfg.Journal.Path)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte("github:\n  owner: acme\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.GitHub.Owner)
}
