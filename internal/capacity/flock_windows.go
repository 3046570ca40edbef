//go:build windows

package capacity

import (
	"fmt"
	"os"
	"time"
)

// fileLock approximates flock on Windows with an exclusively created
// marker file. Registry updates are infrequent and short, so a bounded
// spin is acceptable.
type fileLock struct {
	path string
	file *os.File
}

func (fl *fileLock) Lock() error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(fl.path+".held", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			fl.file = f
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("open lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %s: timed out", fl.path)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (fl *fileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	if rmErr := os.Remove(fl.path + ".held"); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
