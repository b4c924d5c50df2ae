package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ObservationType discriminates the shape of an Observation.
type ObservationType string

const (
	ObservationCommandResult ObservationType = "command_result"
	ObservationFileRead      ObservationType = "file_read"
	ObservationFileWritten   ObservationType = "file_written"
	ObservationFileEdited    ObservationType = "file_edited"
	ObservationError         ObservationType = "error"
	ObservationSuccess       ObservationType = "success"
	ObservationNull          ObservationType = "null"
)

// Observation is the terminal result of executing one Action. Every
// Observation carries Success and a textual Content; the remaining fields
// are populated per type. Observations are never mutated after creation.
type Observation struct {
	Type    ObservationType `json:"observation_type"`
	Success bool            `json:"success"`
	Content string          `json:"content"`

	// command_result fields
	ExitCode   int    `json:"exit_code,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	PID        int    `json:"pid,omitempty"` // background spawns only

	// file observation fields
	Path     string `json:"path,omitempty"`
	Encoding string `json:"encoding,omitempty"` // "" or "base64"
}

// DecodeObservation parses a wire-encoded Observation.
func DecodeObservation(data []byte) (Observation, error) {
	var obs Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return Observation{}, fmt.Errorf("decoding observation: %w", err)
	}
	if obs.Type == "" {
		return Observation{}, fmt.Errorf("missing observation_type")
	}
	return obs, nil
}

// NewCommandResult reports a finished foreground command. Success tracks
// the exit code; a non-zero exit is a meaningful failure, not an error.
func NewCommandResult(output string, exitCode int, cwd string, durationMs int64, truncated bool) Observation {
	return Observation{
		Type:       ObservationCommandResult,
		Success:    exitCode == 0,
		Content:    output,
		ExitCode:   exitCode,
		Cwd:        cwd,
		DurationMs: durationMs,
		Truncated:  truncated,
	}
}

// NewBackgroundStarted reports a background spawn: no output is awaited,
// only the PID is known.
func NewBackgroundStarted(pid int, id string) Observation {
	return Observation{
		Type:    ObservationSuccess,
		Success: true,
		Content: fmt.Sprintf("started background process %s (pid %d)", id, pid),
		PID:     pid,
	}
}

// NewFileRead wraps file content read from the sandbox. Content that is
// not valid UTF-8 is base64-encoded with Encoding set.
func NewFileRead(path string, content []byte) Observation {
	obs := Observation{
		Type:    ObservationFileRead,
		Success: true,
		Path:    path,
	}
	if utf8.Valid(content) {
		obs.Content = string(content)
	} else {
		obs.Content = base64.StdEncoding.EncodeToString(content)
		obs.Encoding = EncodingBase64
	}
	return obs
}

// Bytes returns the decoded content of a file_read Observation.
func (o Observation) Bytes() ([]byte, error) {
	if o.Encoding == EncodingBase64 {
		data, err := base64.StdEncoding.DecodeString(o.Content)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 content: %w", err)
		}
		return data, nil
	}
	return []byte(o.Content), nil
}

func NewFileWritten(path string, bytesWritten int) Observation {
	return Observation{
		Type:    ObservationFileWritten,
		Success: true,
		Content: fmt.Sprintf("wrote %d bytes to %s", bytesWritten, path),
		Path:    path,
	}
}

func NewFileEdited(path string) Observation {
	return Observation{
		Type:    ObservationFileEdited,
		Success: true,
		Content: "edited " + path,
		Path:    path,
	}
}

// NewErrorObservation encodes an action-level failure. It is the only
// shape ExecuteAction produces for handler errors; nothing throws past
// that boundary.
func NewErrorObservation(msg string) Observation {
	return Observation{
		Type:    ObservationError,
		Success: false,
		Content: msg,
	}
}

func NewSuccessObservation(msg string) Observation {
	return Observation{
		Type:    ObservationSuccess,
		Success: true,
		Content: msg,
	}
}

// NullObservation is returned for actions that legitimately produce no
// result.
func NullObservation() Observation {
	return Observation{Type: ObservationNull, Success: true}
}
