package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/configs"
	"github.com/Aman-CERP/vectorsync/internal/config"
)

func TestConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	out, err := runCmd(t, "config", "path")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vectorsync", "config.yaml")+"\n", out)
}

func TestConfigInit_WritesTemplate(t *testing.T) {
	// Given: no user config
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	// When: running config init
	_, err := runCmd(t, "--no-color", "config", "init")

	// Then: the template is written and loads cleanly
	require.NoError(t, err)
	data, err := os.ReadFile(config.GetUserConfigPath())
	require.NoError(t, err)
	assert.Equal(t, configs.ConfigTemplate, string(data))
	_, err = config.Load("")
	assert.NoError(t, err)
}

func TestConfigInit_RefusesOverwriteWithoutForce(t *testing.T) {
	// Given: an existing user config
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := config.GetUserConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	// When: running config init without --force
	_, err := runCmd(t, "config", "init")

	// Then: it refuses and leaves the file alone
	require.Error(t, err)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "log:\n  level: warn\n", string(data))

	// When: running with --force
	_, err = runCmd(t, "--no-color", "config", "init", "--force")

	// Then: the old file is backed up and can be restored
	require.NoError(t, err)
	backups, err := config.ListUserConfigBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	_, err = runCmd(t, "--no-color", "config", "restore")
	require.NoError(t, err)
	data, _ = os.ReadFile(path)
	assert.Equal(t, "log:\n  level: warn\n", string(data))
}

func TestConfigShow_JSON(t *testing.T) {
	// Given: an explicit config file
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "vectorsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nbackfill:\n  workers: 7\n"), 0o600))

	// When: showing it as JSON
	out, err := runCmd(t, "--config", path, "config", "show", "--json")

	// Then: file values and derived paths are present
	require.NoError(t, err)
	var got config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 7, got.Backfill.Workers)
	assert.Equal(t, filepath.Join(dir, "vectorsync.sock"), got.Server.SocketPath)
}

func TestConfigShow_DebugFlagRaisesLevel(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	out, err := runCmd(t, "--debug", "config", "show")

	require.NoError(t, err)
	assert.Contains(t, out, "level: debug")
}
