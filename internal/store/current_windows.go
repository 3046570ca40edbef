//go:build windows

package store

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// setCurrentLink creates a directory junction named "current" pointing
// at target. Junctions do not require elevated privileges, unlike
// symlinks on Windows.
func setCurrentLink(link, target string) error {
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove existing junction: %w", err)
		}
	}
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(filepath.Dir(link), target)
	}
	cmd := exec.Command("cmd", "/c", "mklink", "/J", link, abs)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create junction: %w\n%s", err, out)
	}
	return nil
}

// readCurrentLink resolves the junction target.
func readCurrentLink(link string) (string, error) {
	if _, err := os.Lstat(link); err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(link)
}
