package store

import (
	"fmt"

	"github.com/gantry-io/gantry/internal/plan"
)

// migrateLegacyLocked upgrades a legacy single-document plan to the
// split schema. Legacy documents embedded every node's phase specs in
// plan.json under a "specs" key; the split form stores them as
// individual files under specs/<nodeId>/attempts/<N>/.
//
// Migration is idempotent: spec files are written into the node's
// current attempt directory, then the plan document is rewritten with
// the current schema version and without the embedded specs.
func (s *Store) migrateLegacyLocked(doc *planDocument) error {
	p := doc.Plan

	for nodeID, phases := range doc.Specs {
		if p.Node(nodeID) == nil {
			// Spec for a node the plan no longer knows; drop it.
			continue
		}
		for phaseName, spec := range phases {
			if spec.IsZero() {
				continue
			}
			dir, err := s.ensureCurrentDirLocked(p.ID, nodeID)
			if err != nil {
				return err
			}
			if err := writeSpecFile(dir, plan.Phase(phaseName), spec); err != nil {
				return fmt.Errorf("migrate spec %s/%s: %w", nodeID, phaseName, err)
			}
		}
	}

	doc.Specs = nil
	if err := s.writePlanLocked(p); err != nil {
		return fmt.Errorf("rewrite migrated plan: %w", err)
	}
	return nil
}
