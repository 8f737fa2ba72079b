package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/syncdb/internal/ir"
)

// Sync channel events.
const (
	EventSync   = "sync"
	EventWrite  = "write"
	EventCommit = "commit"
	EventResync = "resync"

	// Channel-level failures reported by the server for the joined topic.
	EventChannelError = "phx_error"
	EventChannelClose = "phx_close"
)

// SyncRequest asks for a snapshot no older than Snapmin.
type SyncRequest struct {
	Snapmin int64 `json:"snapmin"`
}

// SyncResponse is a consistent snapshot of every table as of LSN.
// Skipped counts rows that could not be decoded and were left out.
type SyncResponse struct {
	Data    []ir.TableRows
	LSN     int64
	Snapmin int64
	Skipped int
}

// UnmarshalJSON decodes {data: [[table, [record]]], lsn, snapmin}. A row
// that is not a valid record is skipped rather than failing the snapshot.
func (r *SyncResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Data    [][2]json.RawMessage `json:"data"`
		LSN     int64                `json:"lsn"`
		Snapmin int64                `json:"snapmin"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode sync response: %w", err)
	}

	out := SyncResponse{LSN: raw.LSN, Snapmin: raw.Snapmin, Data: make([]ir.TableRows, 0, len(raw.Data))}
	for i, pair := range raw.Data {
		var tr ir.TableRows
		if err := json.Unmarshal(pair[0], &tr.Table); err != nil {
			return fmt.Errorf("decode sync response: data[%d] table: %w", i, err)
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(pair[1], &rows); err != nil {
			return fmt.Errorf("decode sync response: %s rows: %w", tr.Table, err)
		}
		tr.Rows = make([]ir.Record, 0, len(rows))
		for _, row := range rows {
			var rec ir.Record
			if err := json.Unmarshal(row, &rec); err != nil {
				out.Skipped++
				continue
			}
			tr.Rows = append(tr.Rows, rec)
		}
		out.Data = append(out.Data, tr)
	}
	*r = out
	return nil
}

// Event is a decoded server push.
type Event interface {
	event()
}

// Commit is a server-pushed batch of mutations at LSN.
type Commit struct {
	LSN     int64   `json:"lsn"`
	Ops     []ir.Op `json:"ops"`
	Skipped int     `json:"-"`
}

// UnmarshalJSON decodes {lsn, ops}, skipping ops that do not decode.
func (c *Commit) UnmarshalJSON(data []byte) error {
	var raw struct {
		LSN int64             `json:"lsn"`
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Commit{LSN: raw.LSN, Ops: make([]ir.Op, 0, len(raw.Ops))}
	for _, rawOp := range raw.Ops {
		var op ir.Op
		if err := json.Unmarshal(rawOp, &op); err != nil {
			out.Skipped++
			continue
		}
		out.Ops = append(out.Ops, op)
	}
	*c = out
	return nil
}

// Resync tells the client to fetch a fresh snapshot.
type Resync struct{}

// ChannelLost reports that the server closed or crashed the channel.
type ChannelLost struct {
	Event string
}

func (Commit) event()      {}
func (Resync) event()      {}
func (ChannelLost) event() {}

// WriteRequest pushes pending log entries as {ops: [[logId, op, table, data]]}.
type WriteRequest struct {
	Ops []ir.LogEntry
}

// MarshalJSON implements json.Marshaler.
func (w WriteRequest) MarshalJSON() ([]byte, error) {
	ops := make([][4]any, len(w.Ops))
	for i, e := range w.Ops {
		ops[i] = [4]any{e.LogID, e.Op.Kind, e.Op.Table, e.Op.Data}
	}
	return json.Marshal(struct {
		Ops [][4]any `json:"ops"`
	}{Ops: ops})
}

// RejectedWrite is the server's refusal of one op in a write batch. The
// batch is not applied.
type RejectedWrite struct {
	LogID  int64
	Op     ir.Op
	Errors ir.FieldErrors
}

func (e *RejectedWrite) Error() string {
	fields := make([]string, 0, len(e.Errors))
	for f, msgs := range e.Errors {
		fields = append(fields, f+": "+strings.Join(msgs, ", "))
	}
	sort.Strings(fields)
	if e.LogID > 0 {
		return fmt.Sprintf("write rejected: log %d (%s %s): %s", e.LogID, e.Op.Kind, e.Op.Table, strings.Join(fields, "; "))
	}
	return fmt.Sprintf("write rejected: %s %s: %s", e.Op.Kind, e.Op.Table, strings.Join(fields, "; "))
}

// decodeRejectedWrite parses {op, errors}. op is either the request tuple
// [logId, op, table, data] or an {op, table, data} object; errors maps
// fields to a message or a list of messages.
func decodeRejectedWrite(data []byte) (*RejectedWrite, error) {
	var raw struct {
		Op     json.RawMessage            `json:"op"`
		Errors map[string]json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode write error: %w", err)
	}

	rej := &RejectedWrite{Errors: make(ir.FieldErrors, len(raw.Errors))}
	op := bytes.TrimSpace(raw.Op)
	switch {
	case len(op) == 0 || bytes.Equal(op, []byte("null")):
	case op[0] == '[':
		var tuple [4]json.RawMessage
		if err := json.Unmarshal(op, &tuple); err != nil {
			return nil, fmt.Errorf("decode write error op: %w", err)
		}
		if err := json.Unmarshal(tuple[0], &rej.LogID); err != nil {
			return nil, fmt.Errorf("decode write error log id: %w", err)
		}
		var kind ir.OpKind
		if err := json.Unmarshal(tuple[1], &kind); err != nil {
			return nil, fmt.Errorf("decode write error op kind: %w", err)
		}
		rej.Op.Kind = kind
		if err := json.Unmarshal(tuple[2], &rej.Op.Table); err != nil {
			return nil, fmt.Errorf("decode write error table: %w", err)
		}
		if err := json.Unmarshal(tuple[3], &rej.Op.Data); err != nil {
			return nil, fmt.Errorf("decode write error data: %w", err)
		}
	default:
		if err := json.Unmarshal(op, &rej.Op); err != nil {
			return nil, fmt.Errorf("decode write error op: %w", err)
		}
	}

	for field, msg := range raw.Errors {
		var one string
		if err := json.Unmarshal(msg, &one); err == nil {
			rej.Errors[field] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(msg, &many); err != nil {
			return nil, fmt.Errorf("decode write error %q: %w", field, err)
		}
		rej.Errors[field] = many
	}
	return rej, nil
}
