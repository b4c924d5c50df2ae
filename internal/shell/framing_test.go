package shell

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t-brandt/kapsel/protocol"
)

const (
	testBegin = protocol.SentinelBegin + ":abc123"
	testEnd   = protocol.SentinelEnd + ":abc123"
)

func TestFrameCompleteSingleChunk(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	stream := testBegin + "\r\nhello\r\nworld\r\n" + testEnd + ":0:/workspace\r\n"
	done := p.Feed([]byte(stream))
	require.True(t, done)

	res := p.Result()
	assert.Equal(t, "hello\nworld", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "/workspace", res.Cwd)
	assert.False(t, res.TimedOut)
}

func TestFrameSplitAcrossChunks(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	stream := testBegin + "\r\npartial out" + "put line\r\n" + testEnd + ":42:/tmp/dir\r\n"
	var done bool
	// Two-byte chunks: sentinels and the probe line straddle boundaries.
	for i := 0; i < len(stream); i += 2 {
		end := i + 2
		if end > len(stream) {
			end = len(stream)
		}
		done = p.Feed([]byte(stream[i:end]))
	}
	require.True(t, done)

	res := p.Result()
	assert.Equal(t, "partial output line", res.Output)
	assert.Equal(t, 42, res.ExitCode)
	assert.Equal(t, "/tmp/dir", res.Cwd)
}

func TestFrameWaitsForTerminatedProbeLine(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	// Probe line present but not newline-terminated: exit code may still
	// be cut mid-chunk, so the frame must not complete yet.
	assert.False(t, p.Feed([]byte(testBegin+"\r\nout\r\n"+testEnd+":4")))
	assert.True(t, p.Feed([]byte("2:/ws\r\n")))

	res := p.Result()
	assert.Equal(t, 42, res.ExitCode)
	assert.Equal(t, "/ws", res.Cwd)
}

func TestFrameIgnoresEchoedMarkers(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	// An echoed wrapper command carries the marker mid-line (after a
	// quote), never at line start. Only the real printf output counts.
	echo := "printf '%s\\n' '" + testBegin + "'\r\n"
	stream := echo + testBegin + "\r\nreal output\r\n" + testEnd + ":0:/ws\r\n"
	require.True(t, p.Feed([]byte(stream)))

	res := p.Result()
	assert.Equal(t, "real output", res.Output)
	assert.Equal(t, 0, res.ExitCode)
}

func TestFrameTimeoutReturnsPartialOutput(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	p.Feed([]byte(testBegin + "\r\nsome output before hanging\r\n"))
	p.Abort()

	res := p.Result()
	assert.True(t, res.TimedOut)
	assert.Equal(t, protocol.ExitCodeTimeout, res.ExitCode)
	assert.Equal(t, "some output before hanging", res.Output)

	// Feeding after abort never resurrects the frame.
	assert.False(t, p.Feed([]byte(testEnd+":0:/ws\r\n")))
}

func TestFrameExitCodeParseFailureDefaultsToTimeoutSentinel(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	require.True(t, p.Feed([]byte(testBegin+"\r\nout\r\n"+testEnd+":garbage:/ws\r\n")))
	res := p.Result()
	assert.Equal(t, protocol.ExitCodeTimeout, res.ExitCode)
}

func TestFrameStripsANSIEscapes(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	colored := "\x1b[31mred\x1b[0m text"
	require.True(t, p.Feed([]byte(testBegin+"\r\n"+colored+"\r\n"+testEnd+":0:/ws\r\n")))

	res := p.Result()
	assert.Equal(t, "red text", res.Output)
}

func TestFrameCompactsRunawayOutput(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)
	p.Feed([]byte(testBegin + "\r\n"))

	filler := strings.Repeat("x", 1024*1024)
	for i := 0; i < 12; i++ {
		p.Feed([]byte(filler))
	}
	assert.LessOrEqual(t, len(p.buf), protocol.MaxOutputBytes+1024*1024+4096)

	// End sentinel arriving in the tail window still completes the frame.
	require.True(t, p.Feed([]byte("\r\n"+testEnd+":0:/ws\r\n")))
	res := p.Result()
	assert.True(t, res.Truncated)
	assert.Equal(t, 0, res.ExitCode)
}

func TestFrameCwdWithColons(t *testing.T) {
	p := newFrameParser(testBegin, testEnd)

	require.True(t, p.Feed([]byte(testBegin+"\r\n"+testEnd+":0:/ws/odd:dir\r\n")))
	res := p.Result()
	assert.Equal(t, "/ws/odd:dir", res.Cwd)
}
