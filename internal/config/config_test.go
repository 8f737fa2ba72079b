package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
url: ws://localhost:4000/socket
params:
  _csrf_token: abc
topic: sync:todos
database: data/replica.db
schema: schema.cue
timeouts:
  join: 2s
  push: 3s
  leave: 1s
reconnect:
  min: 50ms
  max: 10s
  factor: 1.5
batch_size: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:4000/socket", cfg.URL)
	assert.Equal(t, map[string]string{"_csrf_token": "abc"}, cfg.Params)
	assert.Equal(t, filepath.Join(dir, "data/replica.db"), cfg.Database)
	assert.Equal(t, filepath.Join(dir, "schema.cue"), cfg.Schema)
	assert.Equal(t, Timeouts{Join: 2 * time.Second, Push: 3 * time.Second, Leave: time.Second}, cfg.Timeouts)
	assert.Equal(t, Reconnect{Min: 50 * time.Millisecond, Max: 10 * time.Second, Factor: 1.5}, cfg.Reconnect)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat, "unset keys keep their defaults")
}

func TestParse_TablesWithoutSchema(t *testing.T) {
	cfg, err := Parse([]byte("version: 2\ntables: [todos, notes]\n"), "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, []string{"todos", "notes"}, cfg.Tables)
	assert.Equal(t, "syncdb.db", cfg.Database)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "tables: [todos]\ntabels: [x]\n", "failed to parse YAML"},
		{"no tables", "url: ws://h/socket\n", "tables list is required"},
		{"bad version", "version: 0\ntables: [todos]\n", "version must be >= 1"},
		{"bad timeout", "tables: [todos]\ntimeouts: {join: 0s, push: 1s, leave: 1s}\n", "timeouts must be positive"},
		{"bad reconnect", "tables: [todos]\nreconnect: {min: 2s, max: 1s, factor: 2}\n", "reconnect"},
		{"bad factor", "tables: [todos]\nreconnect: {min: 1s, max: 2s, factor: 0.5}\n", "factor"},
		{"empty topic", "tables: [todos]\ntopic: \"\"\n", "topic is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
