package shell

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/t-brandt/kapsel/protocol"
)

// frameState tracks sentinel framing over the pty stream. The parser is a
// plain state machine fed byte chunks, so the timeout and partial-output
// paths are testable against a fake stream without a real shell.
type frameState int

const (
	stateAwaitBegin frameState = iota
	stateAwaitEnd
	stateDone
	stateTimedOut
)

// FrameResult is the parsed outcome of one framed command.
type FrameResult struct {
	Output    string
	ExitCode  int
	Cwd       string
	Truncated bool
	TimedOut  bool
}

type frameParser struct {
	begin string // full begin marker, id included
	end   string // full end marker prefix, id included
	state frameState
	buf   []byte
}

func newFrameParser(begin, end string) *frameParser {
	return &frameParser{begin: begin, end: end, state: stateAwaitBegin}
}

// beginLine/endLine are the real sentinel lines (printf output at line
// start). The pty also echoes the typed wrapper commands; those echoes
// never have the marker preceded by a newline, so matching "\n"+marker
// skips them.
func (p *frameParser) beginLine() string { return "\n" + p.begin }
func (p *frameParser) endLine() string   { return "\n" + p.end }

// Feed appends a chunk and advances the state machine. It returns true
// once the end sentinel line is complete and a result can be parsed.
func (p *frameParser) Feed(chunk []byte) bool {
	if p.state == stateDone || p.state == stateTimedOut {
		return p.state == stateDone
	}
	p.buf = append(p.buf, chunk...)
	p.compact()

	full := string(p.buf)
	if p.state == stateAwaitBegin {
		if strings.Contains(full, p.beginLine()) || strings.HasPrefix(full, p.begin) {
			p.state = stateAwaitEnd
		}
	}
	if p.state == stateAwaitEnd {
		if idx := strings.Index(full, p.endLine()); idx >= 0 {
			// The probe line carries exit code and pwd; wait until it is
			// newline-terminated so neither is cut mid-chunk.
			rest := full[idx+1:]
			if strings.Contains(rest, "\n") {
				p.state = stateDone
				return true
			}
		}
	}
	return false
}

// Abort marks the frame as timed out. Further Feed calls are ignored.
func (p *frameParser) Abort() {
	if p.state != stateDone {
		p.state = stateTimedOut
	}
}

// Result parses the completed or aborted frame. On timeout it returns the
// best-effort partial output with the timeout exit code.
func (p *frameParser) Result() FrameResult {
	full := string(p.buf)

	if p.state != stateDone {
		return FrameResult{
			Output:   cleanOutput(p.interior(full), p.begin, p.end),
			ExitCode: protocol.ExitCodeTimeout,
			TimedOut: true,
		}
	}

	exitCode, cwd := p.parseEndLine(full)
	res := FrameResult{
		Output:   cleanOutput(p.interior(full), p.begin, p.end),
		ExitCode: exitCode,
		Cwd:      cwd,
	}
	if len(res.Output) > protocol.MaxOutputBytes {
		res.Output = res.Output[:protocol.MaxOutputBytes]
		res.Truncated = true
	}
	return res
}

// interior extracts the bytes between the real begin line and the real
// end line (or everything after begin when the frame never completed).
func (p *frameParser) interior(full string) string {
	out := full
	if idx := strings.Index(out, p.beginLine()); idx >= 0 {
		out = out[idx+len(p.beginLine()):]
		if nl := strings.Index(out, "\n"); nl >= 0 {
			out = out[nl+1:]
		}
	} else if strings.HasPrefix(out, p.begin) {
		out = out[len(p.begin):]
		if nl := strings.Index(out, "\n"); nl >= 0 {
			out = out[nl+1:]
		}
	}
	if idx := strings.Index(out, p.endLine()); idx >= 0 {
		out = out[:idx]
	}
	return out
}

// parseEndLine recovers the exit code and pwd from the probe line
// "<end>:<exit_code>:<pwd>". A parse failure yields the timeout sentinel.
func (p *frameParser) parseEndLine(full string) (exitCode int, cwd string) {
	exitCode = protocol.ExitCodeTimeout

	idx := strings.Index(full, p.endLine())
	if idx < 0 {
		return
	}
	line := full[idx+1:]
	if nl := strings.Index(line, "\n"); nl >= 0 {
		line = line[:nl]
	}
	line = strings.TrimRight(line, "\r")

	// line = __KAPSEL_END__:<id>:<exit_code>:<pwd>
	parts := strings.SplitN(line, ":", 4)
	if len(parts) >= 3 {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil {
			exitCode = n
		}
	}
	if len(parts) >= 4 {
		cwd = parts[3]
	}
	return
}

// compact bounds buffer growth for runaway output: keep the head (which
// holds the begin marker and the reported output window) and a tail
// window large enough for the end line.
func (p *frameParser) compact() {
	if len(p.buf) <= protocol.MaxOutputBytes+4096 {
		return
	}
	head := p.buf[:protocol.MaxOutputBytes]
	tail := p.buf[len(p.buf)-4096:]
	next := make([]byte, 0, len(head)+len(tail))
	next = append(next, head...)
	next = append(next, tail...)
	p.buf = next
}

var ansiRegex = regexp.MustCompile("[\u001b\u009b][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")

// cleanOutput normalizes line endings, strips ANSI escapes, and drops any
// line still carrying a sentinel (the echoed wrapper commands).
func cleanOutput(s, begin, end string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = ansiRegex.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, begin) || strings.Contains(line, end) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n")
}
