package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/celerix-dev/marauder/internal/vault"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// Exporter writes a user's retained history to disk for the export_data
// capability. The store itself is never persisted.
type Exporter struct {
	Dir string
	key []byte
	mu  sync.Mutex // Protects concurrent writes to the filesystem
}

// Export is the document written by Exporter.
type Export struct {
	UserID     string                 `json:"user_id"`
	ExportedAt time.Time              `json:"exported_at"`
	Events     []schema.LocationEvent `json:"events"`
}

// NewExporter initializes an exporter. When key is non-nil, files are sealed
// with vault.Seal and carry a ".sealed" suffix.
func NewExporter(dir string, key []byte) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create export dir %s", dir)
	}
	return &Exporter{Dir: dir, key: key}, nil
}

// Sealed reports whether exports are encrypted.
func (p *Exporter) Sealed() bool {
	return p.key != nil
}

// Write stores doc atomically and returns the file path.
func (p *Exporter) Write(doc Export) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := fmt.Sprintf("%s-%d.json", doc.UserID, doc.ExportedAt.UnixNano())
	if p.key != nil {
		name += ".sealed"
	}
	filePath := filepath.Join(p.Dir, name)
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if p.key != nil {
		if bytes, err = vault.Seal(bytes, p.key); err != nil {
			return "", errors.Wrap(err, "seal export")
		}
	}

	if err := os.WriteFile(tempPath, bytes, 0o600); err != nil {
		return "", err
	}
	// Rename is atomic on POSIX: readers see the old file or the new one.
	if err := os.Rename(tempPath, filePath); err != nil {
		return "", err
	}
	return filePath, nil
}

// Read loads an export written by Write, opening it when sealed.
func (p *Exporter) Read(path string) (Export, error) {
	var doc Export
	content, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if filepath.Ext(path) == ".sealed" {
		if content, err = vault.Open(content, p.key); err != nil {
			return doc, errors.Wrapf(err, "open %s", filepath.Base(path))
		}
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return doc, errors.Wrapf(err, "unmarshal %s", filepath.Base(path))
	}
	return doc, nil
}
