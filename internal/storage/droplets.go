package storage

import (
	"sort"
	"time"

	"cargoport/internal/models"
)

func (s *Storage) CreateDroplet(params CreateDropletParams) (models.Droplet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Apps[params.AppGUID]; !ok {
		return models.Droplet{}, ErrAppNotFound
	}
	if params.DropletHash == "" {
		return models.Droplet{}, InvalidRecordError{Reason: "droplet_hash presence"}
	}
	droplet := models.Droplet{
		GUID:        generateGUID(),
		AppGUID:     params.AppGUID,
		DropletHash: params.DropletHash,
		CreatedAt:   time.Now().UTC(),
	}
	s.data.Droplets[droplet.GUID] = droplet
	if err := s.persist(); err != nil {
		delete(s.data.Droplets, droplet.GUID)
		return models.Droplet{}, err
	}
	return droplet, nil
}

func (s *Storage) GetDroplet(guid string) (models.Droplet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	droplet, ok := s.data.Droplets[guid]
	return droplet, ok
}

// DropletRefs projects the filtered droplets down to the two fields the bulk
// delete workflow needs.
func (s *Storage) DropletRefs(filter DropletFilter) ([]DropletRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []DropletRef
	for _, droplet := range s.data.Droplets {
		if filter.matches(droplet) {
			refs = append(refs, DropletRef{GUID: droplet.GUID, DropletHash: droplet.DropletHash})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].GUID < refs[j].GUID })
	return refs, nil
}

// DestroyDroplets removes every row matching the filter and reports how many
// were destroyed.
func (s *Storage) DestroyDroplets(filter DropletFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]models.Droplet)
	for guid, droplet := range s.data.Droplets {
		if filter.matches(droplet) {
			removed[guid] = droplet
			delete(s.data.Droplets, guid)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for guid, droplet := range removed {
			s.data.Droplets[guid] = droplet
		}
		return 0, err
	}
	return len(removed), nil
}
