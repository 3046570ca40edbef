//go:build unix

package store

import (
	"os"
)

// setCurrentLink points the "current" symlink at target, replacing any
// existing link atomically via a temp link + rename.
func setCurrentLink(link, target string) error {
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// readCurrentLink returns the target of the "current" symlink.
func readCurrentLink(link string) (string, error) {
	return os.Readlink(link)
}
