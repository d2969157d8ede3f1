package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveConfigDefaultsWhenNothingSet(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := resolveConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, 5000, cfg.Port)
	require.Equal(t, "claude", cfg.ClaudeCommand)
}

func TestResolveConfigYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 6000\nclaude: my-claude\n"), 0o644))

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	cfg, err := resolveConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, 6000, cfg.Port)
	require.Equal(t, "my-claude", cfg.ClaudeCommand)
}

func TestResolveConfigCLIOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 6000\n"), 0o644))

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--port", "7000"}))

	cfg, err := resolveConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
}

func TestResolveConfigMissingFileErrors(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", "/no/such/file.yaml"}))

	_, err := resolveConfig(cmd)
	require.Error(t, err)
}
