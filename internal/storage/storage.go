package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cargoport/internal/models"
)

// NewStorage opens the JSON-backed datastore at path, creating parent
// directories as needed. An empty path keeps the dataset purely in memory,
// which is what most tests want.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	s := &Storage{
		filePath: path,
		data:     newDataset(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	loaded := newDataset()
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("decode datastore: %w", err)
	}
	if loaded.Organizations == nil {
		loaded.Organizations = make(map[string]models.Organization)
	}
	if loaded.Spaces == nil {
		loaded.Spaces = make(map[string]models.Space)
	}
	if loaded.Apps == nil {
		loaded.Apps = make(map[string]models.App)
	}
	if loaded.Processes == nil {
		loaded.Processes = make(map[string]models.Process)
	}
	if loaded.ServiceBindings == nil {
		loaded.ServiceBindings = make(map[string]models.ServiceBinding)
	}
	if loaded.Packages == nil {
		loaded.Packages = make(map[string]models.Package)
	}
	if loaded.Droplets == nil {
		loaded.Droplets = make(map[string]models.Droplet)
	}
	s.data = loaded
	return nil
}

// persist writes the dataset to disk. Callers must hold the write lock.
func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create datastore directory: %w", err)
		}
	}
	encoded, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

// Ping reports datastore availability. The JSON store is always available
// once constructed.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// WithAppLock serializes fn against all other mutations and rolls back any
// package changes fn made when it returns an error. The app is re-resolved
// inside the critical section through the AppMutation view.
func (s *Storage) WithAppLock(ctx context.Context, appGUID string, fn func(tx AppMutation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before := make(map[string]models.Package, len(s.data.Packages))
	for guid, pkg := range s.data.Packages {
		before[guid] = pkg
	}

	tx := &memoryAppMutation{storage: s, appGUID: appGUID}
	if err := fn(tx); err != nil {
		s.data.Packages = before
		return err
	}
	if err := s.persist(); err != nil {
		s.data.Packages = before
		return err
	}
	return nil
}

type memoryAppMutation struct {
	storage *Storage
	appGUID string
}

func (tx *memoryAppMutation) App() (models.App, bool) {
	app, ok := tx.storage.data.Apps[tx.appGUID]
	return app, ok
}

func (tx *memoryAppMutation) CreatePackage(pkg models.Package) (models.Package, error) {
	if _, ok := tx.storage.data.Apps[tx.appGUID]; !ok {
		return models.Package{}, ErrAppNotFound
	}
	if err := validatePackage(pkg); err != nil {
		return models.Package{}, err
	}
	if pkg.GUID == "" {
		pkg.GUID = generateGUID()
	}
	now := time.Now().UTC()
	pkg.CreatedAt = now
	pkg.UpdatedAt = now
	tx.storage.data.Packages[pkg.GUID] = pkg
	return pkg, nil
}

func (tx *memoryAppMutation) DeletePackage(guid string) error {
	if _, ok := tx.storage.data.Packages[guid]; !ok {
		return ErrPackageNotFound
	}
	delete(tx.storage.data.Packages, guid)
	return nil
}
