package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gantry-io/gantry/internal/plan"
)

// nodeDir returns the spec directory for one node.
func (s *Store) nodeDir(planID, nodeID string) string {
	return filepath.Join(s.planDir(planID), specsDirName, nodeID)
}

// attemptDir returns the directory for one attempt of one node.
func (s *Store) attemptDir(planID, nodeID string, attempt int) string {
	return filepath.Join(s.nodeDir(planID, nodeID), attemptsDir, strconv.Itoa(attempt))
}

// CurrentAttemptDir returns the directory the node's "current" link
// points at, resolving the link. Returns ErrNotFound if no current
// attempt exists.
func (s *Store) CurrentAttemptDir(planID, nodeID string) (string, error) {
	link := filepath.Join(s.nodeDir(planID, nodeID), currentLink)
	target, err := readCurrentLink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("current attempt for node %s: %w", nodeID, ErrNotFound)
		}
		return "", fmt.Errorf("resolve current attempt: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.nodeDir(planID, nodeID), target)
	}
	return target, nil
}

// ExecutionLogPath returns the path of the current attempt's archived
// execution log slice. The executor writes the file when the attempt
// ends, so it may not exist for an attempt still in flight.
func (s *Store) ExecutionLogPath(planID, nodeID string) (string, error) {
	dir, err := s.CurrentAttemptDir(planID, nodeID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, execLogName), nil
}

// WriteNodeSpec persists a phase spec into the node's current spec
// directory. Agent specs have their instructions split into a sibling
// markdown file, with the JSON document carrying only a reference.
func (s *Store) WriteNodeSpec(planID, nodeID string, phase plan.Phase, spec *plan.PhaseSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.ensureCurrentDirLocked(planID, nodeID)
	if err != nil {
		return err
	}
	return writeSpecFile(dir, phase, spec)
}

func writeSpecFile(dir string, phase plan.Phase, spec *plan.PhaseSpec) error {
	stored := spec.Clone()
	if stored.Type == plan.PhaseAgent && stored.Instructions != "" {
		mdName := string(phase) + ".md"
		if err := atomicWriteFile(filepath.Join(dir, mdName), []byte(stored.Instructions), 0644); err != nil {
			return fmt.Errorf("write instructions: %w", err)
		}
		stored.InstructionsRef = mdName
		stored.Instructions = ""
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	return atomicWriteFile(filepath.Join(dir, string(phase)+".json"), data, 0644)
}

// ReadNodeSpec loads a phase spec from the node's current spec
// directory, rehydrating agent instructions from the markdown sidecar.
// Returns ErrNotFound when the spec file does not exist.
func (s *Store) ReadNodeSpec(planID, nodeID string, phase plan.Phase) (*plan.PhaseSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.CurrentAttemptDir(planID, nodeID)
	if err != nil {
		return nil, err
	}
	return readSpecFile(dir, phase)
}

func readSpecFile(dir string, phase plan.Phase) (*plan.PhaseSpec, error) {
	data, err := os.ReadFile(filepath.Join(dir, string(phase)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spec %s: %w", phase, ErrNotFound)
		}
		return nil, fmt.Errorf("read spec: %w", err)
	}
	var spec plan.PhaseSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	if spec.InstructionsRef != "" && spec.Instructions == "" {
		md, err := os.ReadFile(filepath.Join(dir, spec.InstructionsRef))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read instructions: %w", err)
		}
		spec.Instructions = string(md)
	}
	return &spec, nil
}

// ensureCurrentDirLocked makes sure a current attempt directory exists,
// bootstrapping attempts/1 for a node that has never run.
func (s *Store) ensureCurrentDirLocked(planID, nodeID string) (string, error) {
	link := filepath.Join(s.nodeDir(planID, nodeID), currentLink)
	if target, err := readCurrentLink(link); err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(s.nodeDir(planID, nodeID), target)
		}
		return target, nil
	}

	dir := s.attemptDir(planID, nodeID, 1)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create attempt directory: %w", err)
	}
	if err := setCurrentLink(link, filepath.Join(attemptsDir, "1")); err != nil {
		return "", err
	}
	return dir, nil
}

// SnapshotSpecsForAttempt prepares the spec directory for attempt n and
// retargets "current" at it.
//
// For n == 1, any pre-existing plain "current" directory (from the
// legacy layout) is promoted into attempts/1. For n > 1, the spec files
// of attempt n-1 are copied forward; the execution log is never copied,
// so each attempt starts with a fresh log.
func (s *Store) SnapshotSpecsForAttempt(planID, nodeID string, n int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 1 {
		return "", fmt.Errorf("attempt number must be >= 1, got %d", n)
	}

	nodeDir := s.nodeDir(planID, nodeID)
	link := filepath.Join(nodeDir, currentLink)
	dir := s.attemptDir(planID, nodeID, n)

	if n == 1 {
		// Promote a legacy plain "current" directory if present.
		if info, err := os.Lstat(link); err == nil && info.IsDir() {
			if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
				return "", fmt.Errorf("create attempts directory: %w", err)
			}
			if err := os.Rename(link, dir); err != nil {
				return "", fmt.Errorf("promote legacy current directory: %w", err)
			}
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create attempt directory: %w", err)
		}
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create attempt directory: %w", err)
		}
		prev := s.attemptDir(planID, nodeID, n-1)
		if err := copySpecFiles(prev, dir); err != nil {
			return "", err
		}
	}

	if err := setCurrentLink(link, filepath.Join(attemptsDir, strconv.Itoa(n))); err != nil {
		return "", err
	}
	return dir, nil
}

// copySpecFiles copies spec documents and instruction sidecars from one
// attempt directory to another, skipping the execution log.
func copySpecFiles(from, to string) error {
	entries, err := os.ReadDir(from)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read attempt directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == execLogName {
			continue
		}
		if err := copyFile(filepath.Join(from, entry.Name()), filepath.Join(to, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// MoveFileToSpec moves a file from inside the workspace into the
// node's current spec directory. Sources outside the workspace root
// and basenames ".", "..", and ".git" are rejected.
func (s *Store) MoveFileToSpec(planID, nodeID, srcPath, workspaceRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	rel, err := filepath.Rel(absRoot, absSrc)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("source %s is outside the workspace", srcPath)
	}
	// Check the caller-supplied basename before cleaning, so "a/.."
	// cannot smuggle a directory through the guard.
	base := filepath.Base(srcPath)
	if base == "." || base == ".." || base == ".git" {
		return fmt.Errorf("refusing to move %q into spec directory", base)
	}

	dir, err := s.ensureCurrentDirLocked(planID, nodeID)
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, base)
	if err := os.Rename(absSrc, dst); err != nil {
		// Cross-device moves fall back to copy + remove.
		if copyErr := copyFile(absSrc, dst); copyErr != nil {
			return fmt.Errorf("move file to spec: %w", err)
		}
		_ = os.Remove(absSrc)
	}
	return nil
}
