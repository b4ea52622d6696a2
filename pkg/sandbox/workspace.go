package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a uniquely named directory owned by one invocation.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh directory under root. Callers must Close it.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	dir := filepath.Join(root, "run-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// containers may run as a different uid than the grader
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(w.Dir, name)
}

// WriteFile writes content to name inside the workspace and returns its path.
func (w *Workspace) WriteFile(name, content string) (string, error) {
	path := w.Path(name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// cappedBuffer keeps at most limit bytes and silently discards the rest so
// a chatty program cannot block on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
