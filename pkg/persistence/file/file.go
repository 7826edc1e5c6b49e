// Package file provides file-based persistence for workflows, experiments and execution steps.
//
// Every document is a JSON file under the root directory. A single mutex
// serializes access, which also serves as the experiment lock; it targets
// tests and single-process development setups.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukex/crucible/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{
		root: strings.Replace(root, "file://", "", 1),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

var _ persistence.Persistence = (*Persistence)(nil)

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) filePath(parts ...string) string {
	return filepath.Clean(path.Join(append([]string{fp.root}, parts...)...))
}

// readJSON decodes the file into target. It reports false when the file does not exist.
func (fp *Persistence) readJSON(target any, parts ...string) (bool, error) {
	body, err := os.ReadFile(fp.filePath(parts...))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", path.Join(parts...), err)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", path.Join(parts...), err)
	}

	return true, nil
}

func (fp *Persistence) writeJSON(value any, parts ...string) error {
	target := fp.filePath(parts...)

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path.Join(parts...), err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path.Join(parts...), err)
	}

	return os.WriteFile(target, data, 0600)
}

// listIDs returns the ids of every <id>.json document in dir.
func (fp *Persistence) listIDs(dir string) ([]string, error) {
	if _, err := os.Stat(fp.filePath(dir)); os.IsNotExist(err) {
		return nil, nil
	}

	files, err := fs.Glob(os.DirFS(fp.filePath(dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}
