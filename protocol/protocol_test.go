package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionRoundtripAllVariants(t *testing.T) {
	actions := []Action{
		{Type: ActionRun, Command: "echo hello", Cwd: "/workspace", TimeoutMs: 5000},
		{Type: ActionRun, Command: "python serve.py", Background: true},
		{Type: ActionWrite, Path: "main.py", Content: "print('hi')\n"},
		{Type: ActionWrite, Path: "blob.bin", Content: "AAEC", Encoding: EncodingBase64},
		{Type: ActionRead, Path: "main.py"},
		{Type: ActionEdit, Path: "main.py", OldString: "hi", NewString: "bye"},
		{Type: ActionDelete, Path: "main.py"},
		{Type: ActionCreateDirectory, Path: "src/pkg"},
		{Type: ActionSearch, Query: "TODO", Path: "src", MaxResults: 50},
	}

	for _, act := range actions {
		data, err := json.Marshal(act)
		require.NoError(t, err)

		decoded, err := DecodeAction(data)
		require.NoError(t, err)
		assert.Equal(t, act, decoded, "round trip for %s", act.Type)
	}
}

func TestDecodeActionRejectsUnknownType(t *testing.T) {
	_, err := DecodeAction([]byte(`{"action_type":"teleport","path":"/x"}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action_type")
}

func TestDecodeActionRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeAction([]byte(`{"action_type":`))
	assert.Error(t, err)
}

func TestObservationRoundtripAllVariants(t *testing.T) {
	observations := []Observation{
		NewCommandResult("hello\n", 0, "/workspace", 42, false),
		NewCommandResult("boom", 1, "/workspace", 10, true),
		NewBackgroundStarted(4242, "bg-1"),
		NewFileRead("a.txt", []byte("text content")),
		NewFileRead("a.bin", []byte{0xff, 0xfe, 0x00}),
		NewFileWritten("b.txt", 12),
		NewFileEdited("c.txt"),
		NewErrorObservation("file not found: d.txt"),
		NewSuccessObservation("created directory src"),
		NullObservation(),
	}

	for _, obs := range observations {
		data, err := json.Marshal(obs)
		require.NoError(t, err)

		decoded, err := DecodeObservation(data)
		require.NoError(t, err)
		assert.Equal(t, obs, decoded, "round trip for %s", obs.Type)
	}
}

func TestDecodeObservationRequiresType(t *testing.T) {
	_, err := DecodeObservation([]byte(`{"success":true,"content":"x"}`))
	assert.Error(t, err)
}

func TestFileReadEncoding(t *testing.T) {
	text := NewFileRead("a.txt", []byte("plain text"))
	assert.Empty(t, text.Encoding)
	assert.Equal(t, "plain text", text.Content)

	raw := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	binary := NewFileRead("a.png", raw)
	assert.Equal(t, EncodingBase64, binary.Encoding)

	decoded, err := binary.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestCommandResultSuccessTracksExitCode(t *testing.T) {
	assert.True(t, NewCommandResult("ok", 0, "/", 1, false).Success)
	assert.False(t, NewCommandResult("", 42, "/", 1, false).Success)
	assert.False(t, NewCommandResult("", ExitCodeTimeout, "/", 1, false).Success)
}

func TestErrorObservationShape(t *testing.T) {
	obs := NewErrorObservation("path escapes workspace")
	assert.Equal(t, ObservationError, obs.Type)
	assert.False(t, obs.Success)
	assert.Equal(t, "path escapes workspace", obs.Content)
}

func TestOmitEmptyFields(t *testing.T) {
	data, err := json.Marshal(Action{Type: ActionRead, Path: "x.txt"})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.NotContains(t, raw, "command")
	assert.NotContains(t, raw, "content")
	assert.NotContains(t, raw, "old_string")
	assert.NotContains(t, raw, "max_results")
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 5*1024*1024, MaxOutputBytes)
	assert.Equal(t, 10*1024*1024, DefaultMaxReadBytes)
	assert.Equal(t, "__KAPSEL_BEGIN__", SentinelBegin)
	assert.Equal(t, "__KAPSEL_END__", SentinelEnd)
	assert.Equal(t, "X-Session-API-Key", SessionAPIKeyHeader)
}
