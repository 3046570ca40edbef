package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ExecutionLog is the append-only log of one node's execution across
// all of its attempts. Attempt isolation works by byte offset: the
// executor captures Size() before an attempt starts and again when it
// ends, and the enclosed range belongs to exactly that attempt.
type ExecutionLog struct {
	mu   sync.Mutex
	path string
	file *os.File

	// lines is an in-memory index of appended entries, used for tail
	// queries without re-reading the file.
	lines []string
}

// OpenExecutionLog opens (creating if needed) the execution log file.
func OpenExecutionLog(path string) (*ExecutionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	return &ExecutionLog{path: path, file: file}, nil
}

// Path returns the log file path.
func (el *ExecutionLog) Path() string {
	return el.path
}

// Append writes one log entry tagged with phase and level.
func (el *ExecutionLog) Append(phase, level, message string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.file == nil {
		return fmt.Errorf("execution log is closed")
	}
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().Format(time.RFC3339), level, phase, strings.TrimRight(message, "\n"))
	if _, err := el.file.WriteString(line); err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	el.lines = append(el.lines, line)
	return nil
}

// Size returns the current byte size of the log file. Captured before
// an attempt starts so the attempt record can slice out its own logs.
func (el *ExecutionLog) Size() (int64, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.file == nil {
		return 0, fmt.Errorf("execution log is closed")
	}
	info, err := el.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat execution log: %w", err)
	}
	return info.Size(), nil
}

// LineCount returns the in-memory line index position.
func (el *ExecutionLog) LineCount() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.lines)
}

// ReadRange returns the bytes between two offsets, typically the
// start/end offsets of one attempt.
func (el *ExecutionLog) ReadRange(start, end int64) (string, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.file == nil {
		return "", fmt.Errorf("execution log is closed")
	}
	if end < start {
		return "", fmt.Errorf("invalid range %d..%d", start, end)
	}
	buf := make([]byte, end-start)
	n, err := el.file.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read execution log: %w", err)
	}
	return string(buf[:n]), nil
}

// TailLines returns up to n most recent entries from the in-memory
// index. Used to feed failure context to auto-heal agents.
func (el *ExecutionLog) TailLines(n int) []string {
	el.mu.Lock()
	defer el.mu.Unlock()

	if n >= len(el.lines) {
		return append([]string(nil), el.lines...)
	}
	return append([]string(nil), el.lines[len(el.lines)-n:]...)
}

// TailBytes returns up to n bytes from the end of the log file. Used
// for retry instruction synthesis.
func (el *ExecutionLog) TailBytes(n int64) (string, error) {
	size, err := el.Size()
	if err != nil {
		return "", err
	}
	start := size - n
	if start < 0 {
		start = 0
	}
	return el.ReadRange(start, size)
}

// Close closes the log file.
func (el *ExecutionLog) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.file == nil {
		return nil
	}
	err := el.file.Close()
	el.file = nil
	return err
}

// -----------------------------------------------------------------------------
// ExecLogs - per-node log registry
// -----------------------------------------------------------------------------

// ExecLogs hands out one ExecutionLog per (plan, node), all stored
// under a single logs directory.
type ExecLogs struct {
	mu   sync.Mutex
	dir  string
	open map[string]*ExecutionLog
}

// NewExecLogs creates a registry rooted at dir.
func NewExecLogs(dir string) *ExecLogs {
	return &ExecLogs{dir: dir, open: make(map[string]*ExecutionLog)}
}

// ForNode returns the execution log for a node, opening it on first use.
func (r *ExecLogs) ForNode(planID, nodeID string) (*ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := planID + "/" + nodeID
	if el, ok := r.open[key]; ok {
		return el, nil
	}
	path := filepath.Join(r.dir, SafeName(planID)+"_"+SafeName(nodeID)+".log")
	el, err := OpenExecutionLog(path)
	if err != nil {
		return nil, err
	}
	r.open[key] = el
	return el, nil
}

// CloseAll closes every open log. Logs for deleted plans stay on disk;
// DeletePlan removal is the store's concern.
func (r *ExecLogs) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, el := range r.open {
		_ = el.Close()
		delete(r.open, key)
	}
}

// SafeName replaces path-hostile characters so an ID can be used as a
// file name component.
func SafeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, id)
}
