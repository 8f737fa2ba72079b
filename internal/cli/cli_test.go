package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/testutil"
)

const testSchema = `
version: 1
table: todos: {
	id:    string
	title: string
	done?: bool
}
`

type cliFixture struct {
	dir    string
	config string
	server *testutil.FakeServer
	phx    *testutil.PhoenixServer
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	srv := testutil.NewFakeServer("sync:todos", "todos")
	phx := testutil.NewPhoenixServer(t, srv)
	srv.Attach(phx)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.cue"), []byte(testSchema), 0o644))
	config := filepath.Join(dir, "syncdb.yaml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf(`
url: %s
params:
  _csrf_token: test-token
topic: sync:todos
database: replica.db
schema: schema.cue
timeouts:
  join: 2s
  push: 2s
  leave: 500ms
reconnect:
  min: 10ms
  max: 50ms
  factor: 2
`, phx.URL())), 0o644))

	return &cliFixture{dir: dir, config: config, server: srv, phx: phx}
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return f.runContext(t, context.Background(), args...)
}

func (f *cliFixture) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", f.config}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// decodeData unwraps a successful JSON response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func decodeError(t *testing.T, out string) CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "error", resp.Status, out)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func todo(id, title string) ir.Record {
	return ir.NewRecord(ir.StringID(id), ir.Object{"title": ir.String(title)})
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncdb", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"run"}, {"sync"}, {"read"}, {"write"}, {"status"}, {"validate"}, {"test"},
		{"wal"}, {"wal", "discard"}, {"wal", "resubmit"},
	}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestInvalidFormat(t *testing.T) {
	f := newCLIFixture(t)
	_, err := f.run(t, "--format", "yaml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestConfigNotFound(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--format", "json", "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeNotFound, decodeError(t, out.String()).Code)
}

func TestWriteThenReadOffline(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":"buy milk"}`)
	require.NoError(t, err)
	assert.Equal(t, "queued insert todos id=a1 log=1\n", out)

	_, err = f.run(t, "write", "todos", "--data", `{"id":"a2","title":"walk dog"}`)
	require.NoError(t, err)
	_, err = f.run(t, "write", "todos", "--op", "update", "--data", `{"id":"a2","done":true}`)
	require.NoError(t, err)

	out, err = f.run(t, "read", "todos")
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":"a1","title":"buy milk"}`+"\n"+`{"done":true,"id":"a2","title":"walk dog"}`+"\n", out)

	out, err = f.run(t, "--format", "json", "read", "todos", "--where", `title startsWith "buy"`)
	require.NoError(t, err)
	var result ReadResult
	decodeData(t, out, &result)
	assert.Equal(t, 1, result.Count)
	require.Len(t, result.Records, 1)
	assert.Equal(t, ir.StringID("a1"), result.Records[0].ID)

	assert.Empty(t, f.server.Writes(), "nothing is pushed without a connection")
}

func TestReadDigest(t *testing.T) {
	f := newCLIFixture(t)
	_, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":"buy milk"}`)
	require.NoError(t, err)

	out, err := f.run(t, "read", "todos", "--digest")
	require.NoError(t, err)

	want, err := ir.ViewDigest("todos", []ir.Record{todo("a1", "buy milk")})
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)
}

func TestReadErrors(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "--format", "json", "read", "notes")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeNotFound, decodeError(t, out).Code)

	out, err = f.run(t, "--format", "json", "read", "todos", "--where", "title ==")
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidInput, decodeError(t, out).Code)
}

func TestWriteRejectsBadInput(t *testing.T) {
	f := newCLIFixture(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad op", []string{"--op", "upsert", "--data", `{"id":"a1","title":"x"}`}},
		{"bad json", []string{"--data", `{"id":`}},
		{"float id", []string{"--data", `{"id":1.5,"title":"x"}`}},
		{"schema", []string{"--data", `{"id":"a1"}`}},
		{"unknown field", []string{"--data", `{"id":"a1","title":"x","color":"red"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--format", "json", "write", "todos"}, tt.args...)
			out, err := f.run(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Equal(t, ErrCodeInvalidInput, decodeError(t, out).Code)
		})
	}

	out, err := f.run(t, "wal")
	require.NoError(t, err)
	assert.Equal(t, "Log is empty.\n", out)
}

func TestSyncPushesPendingWrites(t *testing.T) {
	f := newCLIFixture(t)
	f.server.Seed("todos", todo("s1", "from server"))
	f.server.SetLSN(3)

	_, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":"buy milk"}`)
	require.NoError(t, err)

	out, err := f.run(t, "--format", "json", "sync")
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, out, &status)
	assert.Equal(t, "live", status.State)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 0, status.Parked)
	assert.GreaterOrEqual(t, status.LSN, int64(3))

	assert.Equal(t, []int64{1}, f.server.WrittenLogIDs())
	assert.Len(t, f.server.Rows("todos"), 2)
	params := f.phx.Params()
	require.NotEmpty(t, params)
	assert.Equal(t, "test-token", params[0].Get("_csrf_token"))

	out, err = f.run(t, "read", "todos")
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":"a1","title":"buy milk"}`+"\n"+`{"id":"s1","title":"from server"}`+"\n", out)

	out, err = f.run(t, "wal")
	require.NoError(t, err)
	assert.Equal(t, "Log is empty.\n", out)
}

func TestWriteWait(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "--format", "json", "write", "todos", "--wait", "--data", `{"id":"a1","title":"buy milk"}`)
	require.NoError(t, err)
	var result WriteResult
	decodeData(t, out, &result)
	assert.True(t, result.Acked)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, int64(1), result.Entries[0].LogID)
	assert.Len(t, f.server.Rows("todos"), 1)
}

func TestRejectedWriteIsParkedAndResubmitted(t *testing.T) {
	f := newCLIFixture(t)
	f.server.RejectWrites(func(op ir.Op) ir.FieldErrors {
		if op.Data.Fields["title"] == ir.String("") {
			return ir.FieldErrors{"title": {"can't be blank"}}
		}
		return nil
	})

	_, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":""}`)
	require.NoError(t, err)

	out, err := f.run(t, "--format", "json", "sync")
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, out, &status)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 1, status.Parked)

	out, err = f.run(t, "wal")
	require.NoError(t, err)
	assert.Contains(t, out, "parked")
	assert.Contains(t, out, "title: can't be blank")

	out, err = f.run(t, "read", "todos")
	require.NoError(t, err)
	assert.Empty(t, out, "parked writes are not part of the view")

	out, err = f.run(t, "wal", "resubmit", "1", "--data", `{"title":"buy milk"}`)
	require.NoError(t, err)
	assert.Equal(t, "Resubmitted 1 as 2\n", out)

	out, err = f.run(t, "--format", "json", "sync")
	require.NoError(t, err)
	decodeData(t, out, &status)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 0, status.Parked)
	assert.Equal(t, []ir.Record{todo("a1", "buy milk")}, f.server.Rows("todos"))
}

func TestWALDiscard(t *testing.T) {
	f := newCLIFixture(t)
	f.server.RejectWrites(func(ir.Op) ir.FieldErrors {
		return ir.FieldErrors{"base": {"read only"}}
	})

	_, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":"x"}`)
	require.NoError(t, err)
	_, err = f.run(t, "sync")
	require.NoError(t, err)

	out, err := f.run(t, "--format", "json", "wal")
	require.NoError(t, err)
	var entries []ir.LogEntry
	decodeData(t, out, &entries)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Parked)
	assert.Equal(t, ir.FieldErrors{"base": {"read only"}}, entries[0].Errors)

	out, err = f.run(t, "wal", "discard", "1")
	require.NoError(t, err)
	assert.Equal(t, "Discarded 1\n", out)

	out, err = f.run(t, "--format", "json", "wal", "discard", "1")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, out).Code)

	_, err = f.run(t, "wal", "discard", "one")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatusOffline(t *testing.T) {
	f := newCLIFixture(t)
	_, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":"x"}`)
	require.NoError(t, err)

	out, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    disconnected")
	assert.Contains(t, out, "Cursor:   lsn=0 snapmin=0")
	assert.Contains(t, out, "Pending:  1")
	assert.Contains(t, out, "Parked:   0")
	assert.NotContains(t, out, "\x1b[", "no color codes when stdout is not a terminal")
}

func TestDBFlagOverridesConfig(t *testing.T) {
	f := newCLIFixture(t)
	other := filepath.Join(t.TempDir(), "other.db")

	out, err := f.run(t, "--db", other, "--format", "json", "status")
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, out, &status)
	assert.Equal(t, other, status.Database)
	assert.FileExists(t, other)
}

func TestSyncJoinRejected(t *testing.T) {
	f := newCLIFixture(t)
	f.server.RejectJoin("unauthorized")

	out, err := f.run(t, "--format", "json", "sync", "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, ErrCodeJoinRejected, decodeError(t, out).Code)
}

func TestSyncTimeoutWhenUnreachable(t *testing.T) {
	f := newCLIFixture(t)
	_, err := f.run(t, "write", "todos", "--data", `{"id":"a1","title":"x"}`)
	require.NoError(t, err)
	f.phx.SetSilent(true)

	out, err := f.run(t, "--format", "json", "sync", "--timeout", "300ms")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, ErrCodeTimeout, decodeError(t, out).Code)

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:  1", "unacknowledged writes stay in the log")
}

func TestRunUntilCancelled(t *testing.T) {
	f := newCLIFixture(t)
	f.server.Seed("todos", todo("s1", "from server"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(500*time.Millisecond, cancel)

	out, err := f.runContext(t, ctx, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Replica live on sync:todos.")
	assert.Equal(t, 1, f.server.Joins())

	out, err = f.run(t, "read", "todos")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"s1","title":"from server"}`+"\n", out)
}

func TestValidateSchema(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Schema valid (version 1, 1 table(s))")
	assert.Contains(t, out, "todos (3 fields)")

	bad := filepath.Join(f.dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte(`
version: 1
table: todos: {
	title: string
	score: bytes
}
table: notes: {
	id?:  string
	body: string
}
`), 0o644))

	out, err = f.run(t, "--format", "json", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Error struct {
			Code    string           `json:"code"`
			Details ValidationResult `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ErrCodeSchema, resp.Error.Code)
	assert.False(t, resp.Error.Details.Valid)
	require.Len(t, resp.Error.Details.Errors, 2)
	assert.Equal(t, "todos.score", resp.Error.Details.Errors[0].Field)
	assert.Equal(t, "notes.id", resp.Error.Details.Errors[1].Field)
	assert.Positive(t, resp.Error.Details.Errors[0].Line)
}
