// Package store persists plans and per-node attempt artifacts on disk.
//
// Layout under the storage root:
//
//	<root>/<planId>/plan.json
//	<root>/<planId>/specs/<nodeId>/attempts/<N>/{prechecks|work|postchecks}.json
//	<root>/<planId>/specs/<nodeId>/attempts/<N>/execution.log
//	<root>/<planId>/specs/<nodeId>/current        -> attempts/<N>
//	<root>/plans-index.json
//	<root>/logs/<planId>_<nodeId>.log
//
// All document writes are atomic (temp file + rename). Reads of absent
// documents return ErrNotFound rather than failing, so callers can
// treat optional specs as simply missing.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/plan"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// schemaVersion is the current plan document schema. Documents with no
// version are treated as legacy single-document plans and migrated on
// read.
const schemaVersion = 2

const (
	planFileName  = "plan.json"
	indexFileName = "plans-index.json"
	specsDirName  = "specs"
	attemptsDir   = "attempts"
	currentLink   = "current"
	execLogName   = "execution.log"
)

// Store is the file-backed plan store. Safe for concurrent use.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// LogsDir returns the directory holding per-node execution logs.
func (s *Store) LogsDir() string {
	return filepath.Join(s.root, "logs")
}

// planDir returns the directory for one plan.
func (s *Store) planDir(planID string) string {
	return filepath.Join(s.root, planID)
}

// planDocument wraps a plan with its schema version on disk.
type planDocument struct {
	SchemaVersion int        `json:"schemaVersion"`
	Plan          *plan.Plan `json:"plan"`

	// Specs is only populated in legacy (unversioned) documents, where
	// phase specs were embedded in the plan document itself.
	Specs map[string]map[string]*plan.PhaseSpec `json:"specs,omitempty"`
}

// WritePlan atomically persists the plan metadata document.
func (s *Store) WritePlan(p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePlanLocked(p)
}

func (s *Store) writePlanLocked(p *plan.Plan) error {
	dir := s.planDir(p.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	doc := planDocument{SchemaVersion: schemaVersion, Plan: p}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return atomicWriteFile(filepath.Join(dir, planFileName), data, 0644)
}

// ReadPlan loads a plan document. Legacy single-document plans are
// migrated to the split form as a side effect.
func (s *Store) ReadPlan(planID string) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.planDir(planID), planFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", planID, err)
	}
	if doc.Plan == nil {
		return nil, fmt.Errorf("parse plan %s: document has no plan", planID)
	}
	normalizePlan(doc.Plan)

	if doc.SchemaVersion < schemaVersion {
		if err := s.migrateLegacyLocked(&doc); err != nil {
			return nil, fmt.Errorf("migrate plan %s: %w", planID, err)
		}
	}
	return doc.Plan, nil
}

// normalizePlan restores map fields that JSON may have left nil.
func normalizePlan(p *plan.Plan) {
	if p.NodeIDByName == nil {
		p.NodeIDByName = make(map[string]string)
	}
	for _, node := range p.Nodes {
		if node.Exec == nil {
			node.Exec = plan.NewExecutionState()
			continue
		}
		if node.Exec.PhaseStatuses == nil {
			node.Exec.PhaseStatuses = make(map[plan.Phase]plan.PhaseStatus)
		}
		if node.Exec.ConsumedByDependents == nil {
			node.Exec.ConsumedByDependents = make(map[string]bool)
		}
		if node.Exec.AutoHealAttempted == nil {
			node.Exec.AutoHealAttempted = make(map[plan.Phase]bool)
		}
		if node.Exec.AttemptHistory == nil {
			node.Exec.AttemptHistory = []plan.AttemptRecord{}
		}
	}
}

// ListPlanIDs returns the IDs in the index. Plans whose directories
// exist but are missing from the index are also included, so a damaged
// index never hides plans.
func (s *Store) ListPlanIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(idx.Plans))
	ids := make([]string, 0, len(idx.Plans))
	for id := range idx.Plans {
		seen[id] = true
		ids = append(ids, id)
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan storage root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "logs" || seen[entry.Name()] {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), planFileName)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// DeletePlan removes a plan's directory, execution logs, and index
// entry. Idempotent: missing files are tolerated.
func (s *Store) DeletePlan(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.planDir(planID)); err != nil {
		return fmt.Errorf("remove plan directory: %w", err)
	}

	// Best-effort removal of this plan's execution logs.
	pattern := filepath.Join(s.LogsDir(), globEscape(planID)+"_*.log")
	if matches, err := filepath.Glob(pattern); err == nil {
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}

	idx, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	if _, ok := idx.Plans[planID]; ok {
		delete(idx.Plans, planID)
		return s.writeIndexLocked(idx)
	}
	return nil
}

// globEscape escapes glob metacharacters in a literal path component.
func globEscape(s string) string {
	var out []rune
	for _, r := range s {
		switch r {
		case '*', '?', '[', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// -----------------------------------------------------------------------------
// Index
// -----------------------------------------------------------------------------

// IndexEntry summarizes one plan for fast listing.
type IndexEntry struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Status    string    `json:"status,omitempty"`
}

type index struct {
	Plans map[string]IndexEntry `json:"plans"`
}

// UpdateIndex upserts the index entry for a plan.
func (s *Store) UpdateIndex(planID string, entry IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	idx.Plans[planID] = entry
	return s.writeIndexLocked(idx)
}

func (s *Store) readIndexLocked() (*index, error) {
	data, err := os.ReadFile(filepath.Join(s.root, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &index{Plans: make(map[string]IndexEntry)}, nil
		}
		return nil, fmt.Errorf("read plans index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse plans index: %w", err)
	}
	if idx.Plans == nil {
		idx.Plans = make(map[string]IndexEntry)
	}
	return &idx, nil
}

func (s *Store) writeIndexLocked(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plans index: %w", err)
	}
	return atomicWriteFile(filepath.Join(s.root, indexFileName), data, 0644)
}

// -----------------------------------------------------------------------------
// Atomic writes
// -----------------------------------------------------------------------------

// atomicWriteFile writes data to a temp file and renames it into place.
// A failed write removes the temp file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
