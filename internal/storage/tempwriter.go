package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/otcheredev/imaging-gateway/internal/config"
	"github.com/otcheredev/imaging-gateway/internal/models"
)

// TempWriter buffers received bytes until the upload worker moves them to
// the object store. Mode Disk writes under the local temporary path; Memory
// keeps the bytes on the metadata record.
type TempWriter struct {
	mode config.TemporaryStorage
	root string
}

// NewTempWriter creates a writer for the configured temporary storage.
func NewTempWriter(cfg config.StorageConfig) (*TempWriter, error) {
	w := &TempWriter{mode: cfg.TemporaryDataStorage, root: cfg.LocalTemporaryPath}
	if w.mode == config.TemporaryStorageDisk {
		if err := os.MkdirAll(w.root, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create temporary storage path: %w", err)
		}
	}
	return w, nil
}

// Write buffers data and returns the FileInfo describing it. name must be
// unique per correlation id.
func (w *TempWriter) Write(correlationID, name string, data []byte, contentType string) (models.FileInfo, error) {
	info := models.FileInfo{ContentType: contentType}

	if w.mode == config.TemporaryStorageMemory {
		info.Data = data
		return info, nil
	}

	dir := filepath.Join(w.root, correlationID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return info, fmt.Errorf("failed to create temp dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return info, fmt.Errorf("failed to write temp data: %w", err)
	}
	info.TemporaryPath = path
	return info, nil
}
