package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dgellow/kvoauth/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, generateDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	result := config.ValidateDocument(data)
	assert.Empty(t, result.Errors)

	t.Setenv("GITHUB_CLIENT_ID", "id")
	t.Setenv("GITHUB_CLIENT_SECRET", "secret")
	t.Setenv("SESSION_ENCRYPTION_KEY", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, config.ProviderGitHub, cfg.Provider.Kind)
	assert.Equal(t, config.StorageRedis, cfg.Storage.Kind)
	assert.Equal(t, "kvoauth:", cfg.Storage.Redis.KeyPrefix)
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, generateDefaultConfig(good))
	assert.NoError(t, validateConfig(good))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version": "v0.0.1"}`), 0644))
	assert.Error(t, validateConfig(bad))

	_, err := os.Stat(filepath.Join(dir, "missing.json"))
	require.True(t, os.IsNotExist(err))
	assert.Error(t, validateConfig(filepath.Join(dir, "missing.json")))
}
