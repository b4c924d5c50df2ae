// Package protocol defines the Action/Observation vocabulary exchanged
// between the agent loop and a sandbox runtime, plus the wire constants
// shared by every execution backend.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ActionType discriminates the decode shape of an Action.
type ActionType string

const (
	ActionRun             ActionType = "run"
	ActionWrite           ActionType = "write"
	ActionRead            ActionType = "read"
	ActionEdit            ActionType = "edit"
	ActionDelete          ActionType = "delete"
	ActionCreateDirectory ActionType = "create_directory"
	ActionSearch          ActionType = "search"
)

// KnownActionTypes lists every valid discriminator, in wire order.
var KnownActionTypes = []ActionType{
	ActionRun, ActionWrite, ActionRead, ActionEdit,
	ActionDelete, ActionCreateDirectory, ActionSearch,
}

// Action is a structured request for one sandboxed operation. It is built
// once by the caller and consumed exactly once by a runtime; nothing
// mutates it after construction.
type Action struct {
	Type ActionType `json:"action_type"`

	// Run fields
	Command    string `json:"command,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
	Background bool   `json:"background,omitempty"`

	// File fields (write, read, edit, delete, create_directory)
	Path     string `json:"path,omitempty"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"` // "" (utf-8 text) or "base64"

	// Edit fields
	OldString string `json:"old_string,omitempty"`
	NewString string `json:"new_string,omitempty"`

	// Search fields
	Query      string `json:"query,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// DecodeAction parses and validates a wire-encoded Action.
func DecodeAction(data []byte) (Action, error) {
	var act Action
	if err := json.Unmarshal(data, &act); err != nil {
		return Action{}, fmt.Errorf("decoding action: %w", err)
	}
	if !validActionType(act.Type) {
		return Action{}, fmt.Errorf("unknown action_type: %q", act.Type)
	}
	return act, nil
}

func validActionType(t ActionType) bool {
	for _, known := range KnownActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EncodingBase64 marks content that is not valid UTF-8 and travels
// base64-encoded.
const EncodingBase64 = "base64"

// MaxOutputBytes caps command output carried in an Observation.
const MaxOutputBytes = 5 * 1024 * 1024 // 5 MB

// DefaultMaxReadBytes caps file reads unless the caller asks for less.
const DefaultMaxReadBytes = 10 * 1024 * 1024 // 10 MB

// DefaultTimeoutMs applies when a run Action carries no timeout.
const DefaultTimeoutMs = 30_000

// ExitCodeTimeout is the sentinel exit code reported when a command was
// killed on timeout or its exit status could not be recovered.
const ExitCodeTimeout = -1

// SentinelBegin is the marker printed before a command's output on the
// shared pty stream.
const SentinelBegin = "__KAPSEL_BEGIN__"

// SentinelEnd prefixes the probe line printed after a command completes;
// the full line is "__KAPSEL_END__:<id>:<exit_code>:<pwd>".
const SentinelEnd = "__KAPSEL_END__"

// SessionAPIKeyHeader carries the shared secret checked by the execution
// server when one was configured at startup.
const SessionAPIKeyHeader = "X-Session-API-Key"
