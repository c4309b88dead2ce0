package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_NoConfigFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 9078, cfg.Port)
	require.Empty(t, cfg.Sources)
	require.Empty(t, cfg.Clients)
}

func TestLoad_TomlSourcesAndClients(t *testing.T) {
	dir := t.TempDir()
	content := `
port = 9999
logLevel = "debug"

[[sources]]
name = "my-spotify"
type = "spotify"
enable = true

[sources.data]
clientId = "abc"

[[clients]]
name = "my-lastfm"
type = "lastfm"

[clients.data]
apiKey = "key"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Sources, 1)
	require.Equal(t, "my-spotify", cfg.Sources[0].Name)
	require.Equal(t, "abc", cfg.Sources[0].Data["clientId"])
	require.True(t, cfg.Sources[0].Enabled())
	require.Len(t, cfg.Clients, 1)
	require.Equal(t, "my-lastfm", cfg.Clients[0].Name)
}

func TestLoad_JsonFallback(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"port": 8000,
		"sources": [{"name": "jf", "type": "jellyfin", "enable": false}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.Port)
	require.Len(t, cfg.Sources, 1)
	require.False(t, cfg.Sources[0].Enabled())
}

func TestLoad_InvalidToml(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("not = [[["), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestComponent_Enabled(t *testing.T) {
	disabled := false
	require.True(t, Component{}.Enabled())
	require.True(t, Component{Enable: boolPtr(true)}.Enabled())
	require.False(t, Component{Enable: &disabled}.Enabled())
}

func TestComponent_PlayTransform(t *testing.T) {
	c := Component{Options: map[string]any{
		"playTransform": map[string]any{
			"preCompare": map[string]any{"title": []any{"(Album Version)"}},
		},
	}}
	pt := c.PlayTransform()
	require.NotNil(t, pt)
	require.Contains(t, pt, "preCompare")

	require.Nil(t, Component{}.PlayTransform())
}

func TestResolveDefaults_MergesData(t *testing.T) {
	dir := t.TempDir()
	content := `
[sourceDefaults.jellyfin]
[sourceDefaults.jellyfin.data]
baseUrl = "http://default"

[[sources]]
name = "living-room"
type = "jellyfin"

[sources.data]
baseUrl = "http://override"
user = "alice"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 1)
	got := cfg.Sources[0]
	require.Equal(t, "http://override", got.Data["baseUrl"])
	require.Equal(t, "alice", got.Data["user"])
}

func TestApplyEnvOverrides_Port(t *testing.T) {
	t.Setenv("PORT", "1234")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg := &Config{Port: 9078, LogLevel: "info"}
	applyEnvOverrides(cfg)
	require.Equal(t, 1234, cfg.Port)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestDir_UsesConfigDirEnv(t *testing.T) {
	t.Setenv("CONFIG_DIR", "/tmp/ms-config-dir-test")
	require.Equal(t, "/tmp/ms-config-dir-test", Dir())
}

func TestIsDocker(t *testing.T) {
	t.Setenv("IS_DOCKER", "")
	require.False(t, IsDocker())
	t.Setenv("IS_DOCKER", "1")
	require.True(t, IsDocker())
}

func boolPtr(b bool) *bool { return &b }
