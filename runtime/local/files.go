package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
)

// ErrPathEscape marks a path whose normalized form leaves the workspace.
var ErrPathEscape = errors.New("path escapes workspace")

// searchFileSizeCap skips files too large to scan line by line.
const searchFileSizeCap = 1 << 20 // 1 MB

const defaultSearchResults = 100

// resolvePath confines p to the workspace. Relative paths resolve from
// the workspace root; any normalized result outside it is rejected. This
// check guards every file operation of the local runtime.
func (r *Runtime) resolvePath(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.workspace, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(r.workspace, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return abs, nil
}

// ResolvePath exposes the confinement check for callers composing their
// own command strings around workspace paths.
func (r *Runtime) ResolvePath(p string) (string, error) {
	return r.resolvePath(p)
}

func (r *Runtime) ReadFile(ctx context.Context, path string) (protocol.Observation, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return protocol.Observation{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return protocol.Observation{}, fmt.Errorf("reading %s: is a directory", path)
	}
	if info.Size() > protocol.DefaultMaxReadBytes {
		return protocol.Observation{}, fmt.Errorf("reading %s: file is %d bytes (max %d)", path, info.Size(), protocol.DefaultMaxReadBytes)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return protocol.NewFileRead(path, content), nil
}

func (r *Runtime) WriteFile(ctx context.Context, path, content, encoding string) (protocol.Observation, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return protocol.Observation{}, err
	}
	if !r.cfg.ExtensionAllowed(abs) {
		return protocol.Observation{}, fmt.Errorf("writing %s: extension not allowed", path)
	}

	data := []byte(content)
	if encoding == protocol.EncodingBase64 {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return protocol.Observation{}, fmt.Errorf("writing %s: invalid base64 content: %w", path, err)
		}
	}
	if int64(len(data)) > r.cfg.MaxFileBytes() {
		return protocol.Observation{}, fmt.Errorf("writing %s: content is %d bytes (max %d)", path, len(data), r.cfg.MaxFileBytes())
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return protocol.Observation{}, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return protocol.Observation{}, fmt.Errorf("writing %s: %w", path, err)
	}
	return protocol.NewFileWritten(path, len(data)), nil
}

// EditFile replaces the first occurrence of oldString. A missing
// occurrence is an action-level failure; callers wanting a unique match
// include more surrounding context in oldString.
func (r *Runtime) EditFile(ctx context.Context, path, oldString, newString string) (protocol.Observation, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return protocol.Observation{}, err
	}
	if oldString == "" {
		return protocol.Observation{}, fmt.Errorf("editing %s: old_string is empty", path)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("editing %s: %w", path, err)
	}
	if !bytes.Contains(content, []byte(oldString)) {
		return protocol.Observation{}, fmt.Errorf("editing %s: old_string not found", path)
	}

	edited := bytes.Replace(content, []byte(oldString), []byte(newString), 1)
	if err := os.WriteFile(abs, edited, 0o644); err != nil {
		return protocol.Observation{}, fmt.Errorf("editing %s: %w", path, err)
	}
	return protocol.NewFileEdited(path), nil
}

func (r *Runtime) DeleteFile(ctx context.Context, path string) (protocol.Observation, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return protocol.Observation{}, err
	}
	if abs == r.workspace {
		return protocol.Observation{}, fmt.Errorf("deleting %s: refusing to delete workspace root", path)
	}
	if _, err := os.Stat(abs); err != nil {
		return protocol.Observation{}, fmt.Errorf("deleting %s: %w", path, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return protocol.Observation{}, fmt.Errorf("deleting %s: %w", path, err)
	}
	return protocol.NewSuccessObservation("deleted " + path), nil
}

func (r *Runtime) CreateDirectory(ctx context.Context, path string) (protocol.Observation, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return protocol.Observation{}, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return protocol.Observation{}, fmt.Errorf("creating directory %s: %w", path, err)
	}
	return protocol.NewSuccessObservation("created directory " + path), nil
}

func (r *Runtime) ListFiles(ctx context.Context, path string) ([]runtime.FileInfo, error) {
	abs, err := r.resolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	files := make([]runtime.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // entry vanished between readdir and stat
		}
		files = append(files, runtime.FileInfo{
			Name:        entry.Name(),
			IsDirectory: entry.IsDir(),
			Size:        info.Size(),
			Modified:    info.ModTime().UTC(),
		})
	}
	return files, nil
}

// Search scans workspace files line by line for a substring match.
// Binary-looking and oversized files are skipped.
func (r *Runtime) Search(ctx context.Context, query, path string, maxResults int) (protocol.Observation, error) {
	if query == "" {
		return protocol.Observation{}, fmt.Errorf("search: empty query")
	}
	root, err := r.resolvePath(path)
	if err != nil {
		return protocol.Observation{}, err
	}
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}

	var matches []string
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil || info.Size() > searchFileSizeCap {
			return nil
		}
		rel, err := filepath.Rel(r.workspace, p)
		if err != nil {
			rel = p
		}
		matches = append(matches, scanFile(p, rel, query, maxResults-len(matches))...)
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, filepath.SkipAll) {
		return protocol.Observation{}, fmt.Errorf("search: %w", walkErr)
	}

	if len(matches) == 0 {
		return protocol.NewSuccessObservation(fmt.Sprintf("no matches for %q", query)), nil
	}
	return protocol.NewSuccessObservation(strings.Join(matches, "\n")), nil
}

func scanFile(abs, rel, query string, budget int) []string {
	f, err := os.Open(abs)
	if err != nil {
		return nil
	}
	defer f.Close()

	// Binary sniff: a NUL in the first chunk means skip.
	head := make([]byte, 8192)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil
	}

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	lineNo := 0
	for scanner.Scan() && len(out) < budget {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, query) {
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
		}
	}
	return out
}
