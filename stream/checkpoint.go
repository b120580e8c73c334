package stream

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/n0madic/go-online-rls/rrls"
)

// LoadCheckpoint restores an estimator saved by a previous run.
func LoadCheckpoint(path string) (*rrls.Estimator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return rrls.Load(f)
}

// writeCheckpoint saves the estimator next to path and renames it into place
// so that a crash never leaves a truncated snapshot.
func (l *Loop) writeCheckpoint() error {
	dir := filepath.Dir(l.checkpointPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.checkpointPath)+".tmp*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := l.Snapshot(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.checkpointPath); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
