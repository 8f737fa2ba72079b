package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: test_scenario
description: "Test scenario for validation"
tables: [todos]
server:
  lsn: 2
  rows:
    todos:
      - {id: s1, title: "seeded"}
steps:
  - write:
      ops:
        - {op: insert, table: todos, data: {id: c1, title: "local"}}
      wait: true
  - start: true
  - reject: {field: title, equals: "", message: "can't be blank"}
  - offline: false
    expect: TIMEOUT
assertions:
  - type: view_count
    table: todos
    count: 2
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, []string{"todos"}, scenario.Tables)
	assert.Equal(t, int64(2), scenario.Server.LSN)
	assert.Equal(t, "seeded", scenario.Server.Rows["todos"][0]["title"])
	require.Len(t, scenario.Steps, 4)
	assert.True(t, scenario.Steps[0].Write.Wait)
	assert.Equal(t, "insert", scenario.Steps[0].Write.Ops[0].Op)
	assert.True(t, scenario.Steps[1].Start)
	assert.Equal(t, "can't be blank", scenario.Steps[2].Reject.Message)
	require.NotNil(t, scenario.Steps[3].Offline)
	assert.False(t, *scenario.Steps[3].Offline)
	assert.Equal(t, "TIMEOUT", scenario.Steps[3].Expect)
}

func TestLoadScenario_ResolvesSchemaRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.cue"), []byte("version: 1\ntable: todos: {id: string}\n"), 0644))
	path := writeScenario(t, dir, `
name: with_schema
description: "schema path"
schema: schema.cue
steps:
  - start: true
assertions:
  - type: cursor
    lsn: 0
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "schema.cue"), scenario.Schema)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: typo
description: "typo"
tables: [todos]
steps:
  - start: true
assertion:
  - type: cursor
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: x\ntables: [todos]\nsteps: [{start: true}]\nassertions: [{type: cursor}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\ntables: [todos]\nsteps: [{start: true}]\nassertions: [{type: cursor}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no tables",
			content: "name: x\ndescription: x\nsteps: [{start: true}]\nassertions: [{type: cursor}]\n",
			wantErr: "schema or tables is required",
		},
		{
			name:    "missing schema file",
			content: "name: x\ndescription: x\nschema: nope.cue\nsteps: [{start: true}]\nassertions: [{type: cursor}]\n",
			wantErr: "schema file not found",
		},
		{
			name:    "no steps",
			content: "name: x\ndescription: x\ntables: [todos]\nassertions: [{type: cursor}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{start: true}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "empty step",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{expect: ok}]\nassertions: [{type: cursor}]\n",
			wantErr: "steps[0]: no action set",
		},
		{
			name:    "two actions",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{start: true, sync: true}]\nassertions: [{type: cursor}]\n",
			wantErr: "steps[0]: more than one action set",
		},
		{
			name:    "empty write",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{write: {ops: []}}]\nassertions: [{type: cursor}]\n",
			wantErr: "write needs at least one op",
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{start: true}]\nassertions: [{type: trace_contains}]\n",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "view without table",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{start: true}]\nassertions: [{type: view}]\n",
			wantErr: "table is required for view",
		},
		{
			name:    "view_contains without where",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{start: true}]\nassertions: [{type: view_contains, table: todos, expect: {a: 1}}]\n",
			wantErr: "where is required",
		},
		{
			name:    "state without value",
			content: "name: x\ndescription: x\ntables: [todos]\nsteps: [{start: true}]\nassertions: [{type: state}]\n",
			wantErr: "state is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStepKind(t *testing.T) {
	online := true
	tests := []struct {
		step Step
		want string
	}{
		{Step{Write: &WriteStep{}}, StepWrite},
		{Step{Start: true}, StepStart},
		{Step{Sync: true}, StepSync},
		{Step{Stop: true}, StepStop},
		{Step{Discard: 3}, StepDiscard},
		{Step{Resubmit: &ResubmitStep{LogID: 1}}, StepResubmit},
		{Step{Commit: []OpSpec{{Op: "insert"}}}, StepCommit},
		{Step{Resync: true}, StepResync},
		{Step{Reject: &RejectRule{Field: "title"}}, StepReject},
		{Step{Accept: true}, StepAccept},
		{Step{Hang: 1}, StepHang},
		{Step{Drop: true}, StepDrop},
		{Step{Offline: &online}, StepOffline},
		{Step{AwaitLSN: 2}, StepAwaitLSN},
	}
	for _, tt := range tests {
		got, err := tt.step.Kind()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
