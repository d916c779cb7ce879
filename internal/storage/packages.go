package storage

import (
	"time"

	"cargoport/internal/models"
)

func (s *Storage) GetPackage(guid string) (models.Package, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.data.Packages[guid]
	return pkg, ok
}

// UpdatePackage applies the non-nil fields of update to the package row. It
// is how upload acceptance (state) and the ingest job (hash, error, final
// state) record their progress.
func (s *Storage) UpdatePackage(guid string, update PackageUpdate) (models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.data.Packages[guid]
	if !ok {
		return models.Package{}, ErrPackageNotFound
	}
	previous := pkg
	if update.State != nil {
		pkg.State = *update.State
	}
	if update.Hash != nil {
		hash := *update.Hash
		pkg.Hash = &hash
	}
	if update.Error != nil {
		message := *update.Error
		pkg.Error = &message
	}
	pkg.UpdatedAt = time.Now().UTC()
	s.data.Packages[guid] = pkg
	if err := s.persist(); err != nil {
		s.data.Packages[guid] = previous
		return models.Package{}, err
	}
	return pkg, nil
}
