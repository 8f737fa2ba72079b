package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sync scenario: a server seed, a sequence of client
// and server steps, and assertions on the final replica.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is a CUE table schema. Relative paths are resolved against
	// the scenario file. When set, local writes are schema-checked.
	Schema string `yaml:"schema,omitempty"`

	// Tables declares the replica when no schema is given.
	Tables []string `yaml:"tables,omitempty"`

	// Topic is the sync channel topic. Defaults to sync:todos.
	Topic string `yaml:"topic,omitempty"`

	// IDs are handed out in order to inserts that carry no id.
	IDs []string `yaml:"ids,omitempty"`

	// Server is the server state before the first step.
	Server ServerSetup `yaml:"server,omitempty"`

	// Steps run in order. Each step sets exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final replica and server state.
	Assertions []Assertion `yaml:"assertions"`
}

// ServerSetup seeds the fake server.
type ServerSetup struct {
	LSN  int64                               `yaml:"lsn,omitempty"`
	Rows map[string][]map[string]interface{} `yaml:"rows,omitempty"`
}

// OpSpec is one mutation in YAML form.
type OpSpec struct {
	Op    string                 `yaml:"op"`
	Table string                 `yaml:"table"`
	Data  map[string]interface{} `yaml:"data"`
}

// WriteStep submits local ops as one batch.
type WriteStep struct {
	Ops []OpSpec `yaml:"ops"`

	// Wait blocks until the server acknowledges or rejects the batch.
	Wait bool `yaml:"wait,omitempty"`
}

// ResubmitStep amends a parked entry and queues it again.
type ResubmitStep struct {
	LogID int64                  `yaml:"log_id"`
	Data  map[string]interface{} `yaml:"data,omitempty"`
	Wait  bool                   `yaml:"wait,omitempty"`
}

// RejectRule makes the server reject ops whose Field equals Equals.
type RejectRule struct {
	Field   string      `yaml:"field"`
	Equals  interface{} `yaml:"equals"`
	Message string      `yaml:"message"`
}

// Step is one scenario action. Exactly one field other than Expect is set.
type Step struct {
	Write    *WriteStep    `yaml:"write,omitempty"`
	Start    bool          `yaml:"start,omitempty"`
	Sync     bool          `yaml:"sync,omitempty"`
	Stop     bool          `yaml:"stop,omitempty"`
	Discard  int64         `yaml:"discard,omitempty"`
	Resubmit *ResubmitStep `yaml:"resubmit,omitempty"`

	// Server side.
	Commit  []OpSpec    `yaml:"commit,omitempty"`
	Resync  bool        `yaml:"resync,omitempty"`
	Reject  *RejectRule `yaml:"reject,omitempty"`
	Accept  bool        `yaml:"accept,omitempty"`
	Hang    int         `yaml:"hang,omitempty"`
	Drop    bool        `yaml:"drop,omitempty"`
	Offline *bool       `yaml:"offline,omitempty"`

	// AwaitLSN waits until the replica's cursor reaches this LSN.
	AwaitLSN int64 `yaml:"await_lsn,omitempty"`

	// Expect is the expected outcome: "ok" (default) or a sync error code
	// such as WRITE_REJECTED.
	Expect string `yaml:"expect,omitempty"`
}

// Step kinds as they appear in the trace.
const (
	StepWrite    = "write"
	StepStart    = "start"
	StepSync     = "sync"
	StepStop     = "stop"
	StepDiscard  = "discard"
	StepResubmit = "resubmit"
	StepCommit   = "commit"
	StepResync   = "resync"
	StepReject   = "reject"
	StepAccept   = "accept"
	StepHang     = "hang"
	StepDrop     = "drop"
	StepOffline  = "offline"
	StepAwaitLSN = "await_lsn"
)

// Kind returns the step's action name, or an error unless exactly one
// action is set.
func (s Step) Kind() (string, error) {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(s.Write != nil, StepWrite)
	add(s.Start, StepStart)
	add(s.Sync, StepSync)
	add(s.Stop, StepStop)
	add(s.Discard != 0, StepDiscard)
	add(s.Resubmit != nil, StepResubmit)
	add(len(s.Commit) > 0, StepCommit)
	add(s.Resync, StepResync)
	add(s.Reject != nil, StepReject)
	add(s.Accept, StepAccept)
	add(s.Hang != 0, StepHang)
	add(s.Drop, StepDrop)
	add(s.Offline != nil, StepOffline)
	add(s.AwaitLSN != 0, StepAwaitLSN)

	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", fmt.Errorf("no action set")
	default:
		return "", fmt.Errorf("more than one action set: %v", kinds)
	}
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "view": the table's view equals Rows exactly, in id order
	// - "view_contains": the row matching Where has the Expect fields
	// - "view_count": the table's view has Count rows
	// - "wal_count": Count entries are pending
	// - "parked_count": Count entries are parked
	// - "cursor": the sync cursor is at LSN
	// - "server_count": the server table has Count rows
	// - "state": the connection state before shutdown was State
	Type string `yaml:"type"`

	Table  string                   `yaml:"table,omitempty"`
	Where  map[string]interface{}   `yaml:"where,omitempty"`
	Expect map[string]interface{}   `yaml:"expect,omitempty"`
	Rows   []map[string]interface{} `yaml:"rows,omitempty"`
	Count  int                      `yaml:"count,omitempty"`
	LSN    int64                    `yaml:"lsn,omitempty"`
	State  string                   `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertView         = "view"
	AssertViewContains = "view_contains"
	AssertViewCount    = "view_count"
	AssertWALCount     = "wal_count"
	AssertParkedCount  = "parked_count"
	AssertCursor       = "cursor"
	AssertServerCount  = "server_count"
	AssertState        = "state"
)

// LoadScenario reads and parses a scenario YAML file. The schema path is
// resolved against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	// Resolve schema path relative to base path BEFORE validation
	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Schema == "" && len(s.Tables) == 0 {
		return fmt.Errorf("schema or tables is required")
	}

	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		kind, err := step.Kind()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if kind == StepWrite && len(step.Write.Ops) == 0 {
			return fmt.Errorf("steps[%d]: write needs at least one op", i)
		}
		if kind == StepReject && step.Reject.Field == "" {
			return fmt.Errorf("steps[%d]: reject needs a field", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertView, AssertViewCount, AssertServerCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for %s", index, a.Type)
		}
	case AssertViewContains:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for view_contains", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for view_contains", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for view_contains", index)
		}
	case AssertWALCount, AssertParkedCount, AssertCursor:
	case AssertState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	return nil
}
