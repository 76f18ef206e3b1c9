package receiver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caio-sobreiro/rtexport/dicom"
)

// Sink persists received objects.
type Sink interface {
	Write(dir, name string, meta dicom.FileMeta, dataset []byte) error
}

// DirSink writes Part 10 files to the local file system, creating
// directories on demand. Files appear under their final name only once
// complete.
type DirSink struct{}

// Write implements Sink.
func (DirSink) Write(dir, name string, meta dicom.FileMeta, dataset []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return fmt.Errorf("failed to create file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if err := dicom.WritePart10(tmp, meta, dataset); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}
