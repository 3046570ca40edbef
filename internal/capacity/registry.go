package capacity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gantry-io/gantry/internal/proc"
)

const (
	registryFileName = "capacity.json"
	lockFileName     = "capacity.lock"

	// Entries untouched for this long are dropped even if their pid is
	// alive, in case the pid was recycled.
	entryTTL = 5 * time.Minute
)

// registryEntry is one orchestrator process's published capacity usage.
type registryEntry struct {
	PID       int       `json:"pid"`
	Running   int       `json:"running"`
	PlanIDs   []string  `json:"plan_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is a cross-process ledger of running work counts, one entry
// per orchestrator process, kept in a flock-guarded JSON file. Entries
// whose process has died are pruned on every access.
type Registry struct {
	dir  string
	pid  int
	lock fileLock
	now  func() time.Time

	alive func(pid int) bool
}

// NewRegistry creates a registry rooted at dir, creating the directory
// if needed.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{
		dir:   dir,
		pid:   os.Getpid(),
		lock:  fileLock{path: filepath.Join(dir, lockFileName)},
		now:   time.Now,
		alive: proc.Alive,
	}, nil
}

func (r *Registry) filePath() string {
	return filepath.Join(r.dir, registryFileName)
}

// Publish records this process's current running work count and active
// plan IDs, and returns the global running total across all live
// processes including this one.
func (r *Registry) Publish(running int, planIDs []string) (int, error) {
	if err := r.lock.Lock(); err != nil {
		return 0, err
	}
	defer func() { _ = r.lock.Unlock() }()

	entries, err := r.readLocked()
	if err != nil {
		return 0, err
	}

	entries[strconv.Itoa(r.pid)] = registryEntry{
		PID:       r.pid,
		Running:   running,
		PlanIDs:   append([]string(nil), planIDs...),
		UpdatedAt: r.now(),
	}
	entries = r.pruneLocked(entries)

	if err := r.writeLocked(entries); err != nil {
		return 0, err
	}

	total := 0
	for _, e := range entries {
		total += e.Running
	}
	return total, nil
}

// GlobalRunning returns the sum of running counts across live
// processes without publishing anything.
func (r *Registry) GlobalRunning() (int, error) {
	if err := r.lock.Lock(); err != nil {
		return 0, err
	}
	defer func() { _ = r.lock.Unlock() }()

	entries, err := r.readLocked()
	if err != nil {
		return 0, err
	}
	entries = r.pruneLocked(entries)

	total := 0
	for _, e := range entries {
		total += e.Running
	}
	return total, nil
}

// Withdraw removes this process's entry. Called on shutdown.
func (r *Registry) Withdraw() error {
	if err := r.lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = r.lock.Unlock() }()

	entries, err := r.readLocked()
	if err != nil {
		return err
	}
	delete(entries, strconv.Itoa(r.pid))
	return r.writeLocked(entries)
}

func (r *Registry) readLocked() (map[string]registryEntry, error) {
	data, err := os.ReadFile(r.filePath())
	if os.IsNotExist(err) {
		return map[string]registryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var entries map[string]registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt registry file only costs stale counts; start over.
		return map[string]registryEntry{}, nil
	}
	if entries == nil {
		entries = map[string]registryEntry{}
	}
	return entries, nil
}

// pruneLocked drops entries for dead or stale processes. The caller's
// own entry is never pruned.
func (r *Registry) pruneLocked(entries map[string]registryEntry) map[string]registryEntry {
	cutoff := r.now().Add(-entryTTL)
	for key, e := range entries {
		if e.PID == r.pid {
			continue
		}
		if !r.alive(e.PID) || e.UpdatedAt.Before(cutoff) {
			delete(entries, key)
		}
	}
	return entries
}

func (r *Registry) writeLocked(entries map[string]registryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := r.filePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.filePath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}
