package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/patterns"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "initialized workspace")
	assert.FileExists(t, filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile))

	_, err = execute(t, "init", dir)
	assert.Error(t, err, "second init must refuse to overwrite")
}

func seededConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "patterns.json")

	store, err := patterns.Open(context.Background(), config.PatternsConfig{Backend: "json", Path: storePath}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, "https://shop.example.com", "click:checkout", intent.StrategyTestID, "testid:checkout", patterns.Success))
	require.NoError(t, store.Record(ctx, "https://mail.example.com", "click:send", intent.StrategyText, "text:Send", patterns.Success))
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Record(ctx, "https://mail.example.com", "click:send", intent.StrategyText, "text:Send", patterns.Failure))
	}
	require.NoError(t, store.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	raw := "browser:\n  auto_start: false\npatterns:\n  backend: json\n  path: " + storePath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(raw), 0o644))
	return cfgPath
}

func TestPatternsListCommand(t *testing.T) {
	cfgPath := seededConfig(t)

	out, err := execute(t, "patterns", "list", "--no-workspace", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SITE")
	assert.Contains(t, out, "click:checkout")
	assert.Contains(t, out, "click:send")

	out, err = execute(t, "patterns", "list", "--no-workspace", "--config", cfgPath, "--site", "https://shop.example.com/cart", "--json")
	require.NoError(t, err)
	var entries []patterns.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "testid:checkout", entries[0].Payload)

	out, err = execute(t, "patterns", "list", "--no-workspace", "--config", cfgPath, "--demoted", "--json")
	require.NoError(t, err)
	entries = nil
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "click:send", entries[0].Intent)
}

func TestPatternsStatsCommand(t *testing.T) {
	cfgPath := seededConfig(t)

	out, err := execute(t, "patterns", "stats", "--no-workspace", "--config", cfgPath)
	require.NoError(t, err)
	var stats patterns.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.Demoted)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("patterns:\n  backend: carrier-pigeon\n"), 0o644))

	_, err := execute(t, "serve", "--no-workspace", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
