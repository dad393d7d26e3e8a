package storage

import (
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Disk is the Files implementation backed by the operating system.
type Disk struct{}

func (Disk) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (Disk) WriteFile(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}

// Replace moves src over dst atomically. An existing dst keeps its
// permission bits.
func (Disk) Replace(src, dst string) error {
	if info, err := os.Stat(dst); err == nil {
		if err := os.Chmod(src, info.Mode().Perm()); err != nil {
			return fmt.Errorf("chmod %s: %w", src, err)
		}
	}
	return atomic.ReplaceFile(src, dst)
}

func (Disk) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
