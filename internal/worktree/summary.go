package worktree

import (
	"fmt"
	"strings"

	"github.com/gantry-io/gantry/internal/plan"
)

// Summarize computes a work summary of the changes between two
// commits: commit list plus added/modified/deleted file counts.
func (g *Gateway) Summarize(base, head string) (*plan.WorkSummary, error) {
	summary := &plan.WorkSummary{}

	logOut, err := g.git(g.repoDir, "log", "--format=%h%x09%s", base+".."+head)
	if err != nil {
		return nil, fmt.Errorf("log %s..%s: %w\n%s", base, head, err, logOut)
	}
	for _, line := range splitNonEmpty(logOut) {
		hash, msg, _ := strings.Cut(line, "\t")
		summary.Commits = append(summary.Commits, plan.CommitInfo{ShortHash: hash, Message: msg})
	}
	summary.CommitCount = len(summary.Commits)

	diffOut, err := g.git(g.repoDir, "diff", "--name-status", base, head)
	if err != nil {
		return nil, fmt.Errorf("diff %s %s: %w\n%s", base, head, err, diffOut)
	}
	for _, line := range splitNonEmpty(diffOut) {
		status, _, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		switch status[0] {
		case 'A':
			summary.FilesAdded++
		case 'D':
			summary.FilesDeleted++
		default:
			// M, R, C, T all count as modifications.
			summary.FilesModified++
		}
	}
	return summary, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
