package ipc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/AarC10/ipcbench/lib/logger"
	"go.uber.org/zap"
)

// ownedPath is a filesystem name created by this process. It is unlinked on
// release only while it still refers to the object that was created, so a
// consumer never removes a resource that a later run put in its place.
type ownedPath struct {
	path string
	info os.FileInfo
}

// removeStale clears whatever a previous run left at path.
func removeStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale %s: %w", path, err)
	}
	logger.Info("removed stale resource", zap.String("path", path), zap.Stringer("mode", info.Mode()))
	return nil
}

func claimPath(path string) (*ownedPath, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return &ownedPath{path: path, info: info}, nil
}

func (p *ownedPath) release() error {
	if p == nil {
		return nil
	}
	current, err := os.Lstat(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if !os.SameFile(current, p.info) {
		logger.Warn("resource was replaced, leaving it in place", zap.String("path", p.path))
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
