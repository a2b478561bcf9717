package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
}

func TestLoader_EnvOverridesYAMLAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0o644))

	t.Setenv("ROUTER_GATEWAY_SERVER_HTTP_PORT", "7000")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.HTTPPort)
}

func TestLoader_RejectsInvalidPort(t *testing.T) {
	t.Setenv("ROUTER_GATEWAY_SERVER_HTTP_PORT", "99999")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_CustomValidatorIsApplied(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return assertAlwaysFails()
	}).Load()
	assert.Error(t, err)
}

func assertAlwaysFails() error {
	return errAlways
}

var errAlways = assertError("always fails")

type assertError string

func (e assertError) Error() string { return string(e) }
