package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cargoport/internal/models"
)

func (s *Storage) CreateOrganization(params CreateOrganizationParams) (models.Organization, error) {
	status := strings.TrimSpace(params.Status)
	if status == "" {
		status = models.OrganizationStatusActive
	}
	if status != models.OrganizationStatusActive && status != models.OrganizationStatusSuspended {
		return models.Organization{}, InvalidRecordError{Reason: fmt.Sprintf("organization status %q is not valid", status)}
	}
	org := models.Organization{
		GUID:      generateGUID(),
		Name:      strings.TrimSpace(params.Name),
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Organizations[org.GUID] = org
	if err := s.persist(); err != nil {
		delete(s.data.Organizations, org.GUID)
		return models.Organization{}, err
	}
	return org, nil
}

func (s *Storage) GetOrganization(guid string) (models.Organization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.data.Organizations[guid]
	return org, ok
}

func (s *Storage) CreateSpace(params CreateSpaceParams) (models.Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Organizations[params.OrganizationGUID]; !ok {
		return models.Space{}, InvalidRecordError{Reason: "organization presence"}
	}
	space := models.Space{
		GUID:             generateGUID(),
		OrganizationGUID: params.OrganizationGUID,
		Name:             strings.TrimSpace(params.Name),
		CreatedAt:        time.Now().UTC(),
	}
	s.data.Spaces[space.GUID] = space
	if err := s.persist(); err != nil {
		delete(s.data.Spaces, space.GUID)
		return models.Space{}, err
	}
	return space, nil
}

func (s *Storage) GetSpace(guid string) (models.Space, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	space, ok := s.data.Spaces[guid]
	return space, ok
}

func (s *Storage) CreateApp(params CreateAppParams) (models.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Spaces[params.SpaceGUID]; !ok {
		return models.App{}, InvalidRecordError{Reason: "space presence"}
	}
	s.data.NextAppID++
	now := time.Now().UTC()
	app := models.App{
		ID:        s.data.NextAppID,
		GUID:      generateGUID(),
		SpaceGUID: params.SpaceGUID,
		Name:      strings.TrimSpace(params.Name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Apps[app.GUID] = app
	if err := s.persist(); err != nil {
		delete(s.data.Apps, app.GUID)
		s.data.NextAppID--
		return models.App{}, err
	}
	return app, nil
}

func (s *Storage) GetApp(guid string) (models.App, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.data.Apps[guid]
	return app, ok
}

func (s *Storage) AppWithProcesses(guid string) (models.App, []models.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.data.Apps[guid]
	if !ok {
		return models.App{}, nil, false
	}
	var processes []models.Process
	for _, process := range s.data.Processes {
		if process.AppGUID == guid {
			processes = append(processes, process)
		}
	}
	sort.Slice(processes, func(i, j int) bool { return processes[i].GUID < processes[j].GUID })
	return app, processes, true
}

func (s *Storage) CreateProcess(params CreateProcessParams) (models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Apps[params.AppGUID]; !ok {
		return models.Process{}, ErrAppNotFound
	}
	processType := strings.TrimSpace(params.Type)
	if processType == "" {
		processType = "web"
	}
	instances := params.Instances
	if instances <= 0 {
		instances = 1
	}
	process := models.Process{
		GUID:      generateGUID(),
		AppGUID:   params.AppGUID,
		Type:      processType,
		Instances: instances,
		CreatedAt: time.Now().UTC(),
	}
	s.data.Processes[process.GUID] = process
	if err := s.persist(); err != nil {
		delete(s.data.Processes, process.GUID)
		return models.Process{}, err
	}
	return process, nil
}

func (s *Storage) CreateServiceBinding(params CreateServiceBindingParams) (models.ServiceBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Apps[params.AppGUID]; !ok {
		return models.ServiceBinding{}, ErrAppNotFound
	}
	binding := models.ServiceBinding{
		GUID:           generateGUID(),
		AppGUID:        params.AppGUID,
		SyslogDrainURL: strings.TrimSpace(params.SyslogDrainURL),
		CreatedAt:      time.Now().UTC(),
	}
	s.data.ServiceBindings[binding.GUID] = binding
	if err := s.persist(); err != nil {
		delete(s.data.ServiceBindings, binding.GUID)
		return models.ServiceBinding{}, err
	}
	return binding, nil
}

// SyslogDrainURLBatch walks apps in row-id order starting after afterID and
// collects those with at least one non-empty drain URL until the page holds
// batchSize entries or the source is exhausted.
func (s *Storage) SyslogDrainURLBatch(batchSize int, afterID int64) (DrainURLBatch, error) {
	if batchSize <= 0 {
		return DrainURLBatch{NextID: afterID}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	apps := make([]models.App, 0, len(s.data.Apps))
	for _, app := range s.data.Apps {
		if app.ID > afterID {
			apps = append(apps, app)
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })

	batch := DrainURLBatch{NextID: afterID}
	for _, app := range apps {
		urls := s.drainURLsLocked(app.GUID)
		if len(urls) == 0 {
			continue
		}
		batch.Results = append(batch.Results, AppDrainURLs{AppID: app.ID, AppGUID: app.GUID, URLs: urls})
		batch.NextID = app.ID
		if len(batch.Results) == batchSize {
			break
		}
	}
	return batch, nil
}

func (s *Storage) drainURLsLocked(appGUID string) []string {
	type entry struct {
		createdAt time.Time
		guid      string
		url       string
	}
	var entries []entry
	for _, binding := range s.data.ServiceBindings {
		if binding.AppGUID != appGUID || binding.SyslogDrainURL == "" {
			continue
		}
		entries = append(entries, entry{createdAt: binding.CreatedAt, guid: binding.GUID, url: binding.SyslogDrainURL})
	}
	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].guid < entries[j].guid
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		urls = append(urls, e.url)
	}
	return urls
}
