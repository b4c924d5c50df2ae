package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
)

// ErrPathEscape marks a path whose normalized form leaves /workspace.
var ErrPathEscape = errors.New("path escapes workspace")

const defaultSearchResults = 100

// containerPath maps a request path to an absolute in-container path
// confined to the workspace mount. Relative paths resolve from
// /workspace; absolute paths must already be inside it.
func containerPath(p string) (string, error) {
	abs := p
	if !path.IsAbs(abs) {
		abs = path.Join(workspaceRoot, abs)
	}
	abs = path.Clean(abs)
	if abs != workspaceRoot && !strings.HasPrefix(abs, workspaceRoot+"/") {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return abs, nil
}

// ReadFile transfers the file out of the container base64-encoded, which
// survives the exec stream for arbitrary binary content.
func (r *Runtime) ReadFile(ctx context.Context, p string) (protocol.Observation, error) {
	cp, err := containerPath(p)
	if err != nil {
		return protocol.Observation{}, err
	}

	res, err := r.exec(ctx, []string{"sh", "-c", "base64 < " + shellQuote(cp)})
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("reading %s: %w", p, err)
	}
	if res.ExitCode != 0 {
		return protocol.Observation{}, fmt.Errorf("reading %s: %s", p, strings.TrimSpace(res.Stderr))
	}

	data, err := base64.StdEncoding.DecodeString(strings.Map(dropWhitespace, res.Stdout))
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("reading %s: decoding transfer: %w", p, err)
	}
	if int64(len(data)) > protocol.DefaultMaxReadBytes {
		return protocol.Observation{}, fmt.Errorf("reading %s: file is %d bytes (max %d)", p, len(data), protocol.DefaultMaxReadBytes)
	}
	return protocol.NewFileRead(p, data), nil
}

// WriteFile pushes content into the container by embedding it base64 in
// the exec script. Parent directories are created as needed.
func (r *Runtime) WriteFile(ctx context.Context, p, content, encoding string) (protocol.Observation, error) {
	cp, err := containerPath(p)
	if err != nil {
		return protocol.Observation{}, err
	}
	if !r.cfg.ExtensionAllowed(cp) {
		return protocol.Observation{}, fmt.Errorf("writing %s: extension not allowed", p)
	}

	data := []byte(content)
	if encoding == protocol.EncodingBase64 {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return protocol.Observation{}, fmt.Errorf("writing %s: invalid base64 content: %w", p, err)
		}
	}
	if int64(len(data)) > r.cfg.MaxFileBytes() {
		return protocol.Observation{}, fmt.Errorf("writing %s: content is %d bytes (max %d)", p, len(data), r.cfg.MaxFileBytes())
	}

	script := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
		shellQuote(path.Dir(cp)),
		base64.StdEncoding.EncodeToString(data),
		shellQuote(cp))
	res, err := r.exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("writing %s: %w", p, err)
	}
	if res.ExitCode != 0 {
		return protocol.Observation{}, fmt.Errorf("writing %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return protocol.NewFileWritten(p, len(data)), nil
}

// EditFile replaces the first occurrence of oldString. The file is
// pulled out, edited host-side and pushed back, so the replacement is
// exact bytes rather than a shell pattern.
func (r *Runtime) EditFile(ctx context.Context, p, oldString, newString string) (protocol.Observation, error) {
	if oldString == "" {
		return protocol.Observation{}, fmt.Errorf("editing %s: old_string is empty", p)
	}

	obs, err := r.ReadFile(ctx, p)
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("editing %s: %w", p, err)
	}
	content, err := obs.Bytes()
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("editing %s: %w", p, err)
	}
	if !bytes.Contains(content, []byte(oldString)) {
		return protocol.Observation{}, fmt.Errorf("editing %s: old_string not found", p)
	}

	edited := bytes.Replace(content, []byte(oldString), []byte(newString), 1)
	if _, err := r.WriteFile(ctx, p, base64.StdEncoding.EncodeToString(edited), protocol.EncodingBase64); err != nil {
		return protocol.Observation{}, fmt.Errorf("editing %s: %w", p, err)
	}
	return protocol.NewFileEdited(p), nil
}

func (r *Runtime) DeleteFile(ctx context.Context, p string) (protocol.Observation, error) {
	cp, err := containerPath(p)
	if err != nil {
		return protocol.Observation{}, err
	}
	if cp == workspaceRoot {
		return protocol.Observation{}, fmt.Errorf("deleting %s: refusing to delete workspace root", p)
	}

	script := fmt.Sprintf("if [ -e %[1]s ] || [ -L %[1]s ]; then rm -rf %[1]s; else echo 'no such file' >&2; exit 1; fi", shellQuote(cp))
	res, err := r.exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("deleting %s: %w", p, err)
	}
	if res.ExitCode != 0 {
		return protocol.Observation{}, fmt.Errorf("deleting %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return protocol.NewSuccessObservation("deleted " + p), nil
}

func (r *Runtime) CreateDirectory(ctx context.Context, p string) (protocol.Observation, error) {
	cp, err := containerPath(p)
	if err != nil {
		return protocol.Observation{}, err
	}
	res, err := r.exec(ctx, []string{"sh", "-c", "mkdir -p " + shellQuote(cp)})
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("creating directory %s: %w", p, err)
	}
	if res.ExitCode != 0 {
		return protocol.Observation{}, fmt.Errorf("creating directory %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return protocol.NewSuccessObservation("created directory " + p), nil
}

// ListFiles shells out to find, one entry per line as type, size, mtime
// and name.
func (r *Runtime) ListFiles(ctx context.Context, p string) ([]runtime.FileInfo, error) {
	cp, err := containerPath(p)
	if err != nil {
		return nil, err
	}

	script := fmt.Sprintf(`find %s -maxdepth 1 -mindepth 1 -printf '%%y\t%%s\t%%T@\t%%f\n'`, shellQuote(cp))
	res, err := r.exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing %s: %s", p, strings.TrimSpace(res.Stderr))
	}

	var files []runtime.FileInfo
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		mtime, _ := strconv.ParseFloat(parts[2], 64)
		files = append(files, runtime.FileInfo{
			Name:        parts[3],
			IsDirectory: parts[0] == "d",
			Size:        size,
			Modified:    time.Unix(int64(mtime), 0).UTC(),
		})
	}
	return files, nil
}

// Search runs fixed-string grep over the workspace, capped at maxResults
// lines. Binary files are skipped by grep itself.
func (r *Runtime) Search(ctx context.Context, query, p string, maxResults int) (protocol.Observation, error) {
	if query == "" {
		return protocol.Observation{}, fmt.Errorf("search: empty query")
	}
	cp, err := containerPath(p)
	if err != nil {
		return protocol.Observation{}, err
	}
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}

	script := fmt.Sprintf("grep -rnI -F -- %s %s | head -n %d",
		shellQuote(query), shellQuote(cp), maxResults)
	res, err := r.exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("search: %w", err)
	}

	matches := strings.TrimRight(res.Stdout, "\n")
	if matches == "" {
		return protocol.NewSuccessObservation(fmt.Sprintf("no matches for %q", query)), nil
	}

	// Report paths relative to the workspace mount.
	lines := strings.Split(matches, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, workspaceRoot+"/")
	}
	return protocol.NewSuccessObservation(strings.Join(lines, "\n")), nil
}

func dropWhitespace(r rune) rune {
	switch r {
	case '\n', '\r', ' ', '\t':
		return -1
	}
	return r
}
