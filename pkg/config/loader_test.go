package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	require.Equal(t, "brand-supervisor", cfg.App.Name)
	require.Equal(t, 6379, cfg.Store.Port)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: custom-booter
  version: 2.0.0
  environment: staging
store:
  port: 6380
log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	require.NoError(t, err)

	require.Equal(t, "custom-booter", cfg.App.Name)
	require.Equal(t, "2.0.0", cfg.App.Version)
	require.Equal(t, 6380, cfg.Store.Port)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	os.Setenv("BRAND_APP_NAME", "env-supervisor")
	os.Setenv("BRAND_STORE_PORT", "6381")
	defer func() {
		os.Unsetenv("BRAND_APP_NAME")
		os.Unsetenv("BRAND_STORE_PORT")
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	require.Equal(t, "env-supervisor", cfg.App.Name)
	require.Equal(t, 6381, cfg.Store.Port)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: file-supervisor
store:
  port: 6382
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	os.Setenv("BRAND_APP_NAME", "env-override")
	defer os.Unsetenv("BRAND_APP_NAME")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	require.NoError(t, err)

	require.Equal(t, "env-override", cfg.App.Name)
	require.Equal(t, 6382, cfg.Store.Port) // from file, env didn't touch it
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	os.Setenv("CUSTOM_APP_NAME", "custom-prefix-booter")
	defer os.Unsetenv("CUSTOM_APP_NAME")

	cfg, err := NewLoader(WithEnvPrefix("CUSTOM_")).Load()
	require.NoError(t, err)
	require.Equal(t, "custom-prefix-booter", cfg.App.Name)
}

func TestMustLoad_Success(t *testing.T) {
	require.NotPanics(t, func() {
		cfg := MustLoad()
		require.NotNil(t, cfg)
	})
}

func TestLoad_Simple(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestLoadForComponent(t *testing.T) {
	cfg, err := LoadForComponent("brand-booter")
	require.NoError(t, err)
	require.Equal(t, "brand-booter", cfg.App.Name)
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")

	configContent := `
app:
  name: config-env-var-supervisor
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.Equal(t, "config-env-var-supervisor", cfg.App.Name)
}
