package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cargoport/internal/models"
)

// Snapshot captures a complete JSON-serialisable view of the datastore,
// keyed by each record's GUID. Its layout matches the JSON repository file
// on disk, so an existing store.json loads directly.
type Snapshot struct {
	Organizations   map[string]models.Organization   `json:"organizations"`
	Spaces          map[string]models.Space          `json:"spaces"`
	Apps            map[string]models.App            `json:"apps"`
	Processes       map[string]models.Process        `json:"processes"`
	ServiceBindings map[string]models.ServiceBinding `json:"serviceBindings"`
	Packages        map[string]models.Package        `json:"packages"`
	Droplets        map[string]models.Droplet        `json:"droplets"`
	NextAppID       int64                            `json:"nextAppId"`
}

// SnapshotCounts summarises the size of each collection in a Snapshot so
// operators can sanity-check what a migration will move.
type SnapshotCounts struct {
	Organizations   int
	Spaces          int
	Apps            int
	Processes       int
	ServiceBindings int
	Packages        int
	Droplets        int
}

// Counts tallies every collection in the snapshot.
func (s *Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Organizations:   len(s.Organizations),
		Spaces:          len(s.Spaces),
		Apps:            len(s.Apps),
		Processes:       len(s.Processes),
		ServiceBindings: len(s.ServiceBindings),
		Packages:        len(s.Packages),
		Droplets:        len(s.Droplets),
	}
}

// LoadSnapshotFromJSON reads a previously persisted JSON datastore from disk
// so it can be imported into another backing store or inspected.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Organizations == nil {
		s.Organizations = make(map[string]models.Organization)
	}
	if s.Spaces == nil {
		s.Spaces = make(map[string]models.Space)
	}
	if s.Apps == nil {
		s.Apps = make(map[string]models.App)
	}
	if s.Processes == nil {
		s.Processes = make(map[string]models.Process)
	}
	if s.ServiceBindings == nil {
		s.ServiceBindings = make(map[string]models.ServiceBinding)
	}
	if s.Packages == nil {
		s.Packages = make(map[string]models.Package)
	}
	if s.Droplets == nil {
		s.Droplets = make(map[string]models.Droplet)
	}
}

// ImportSnapshotToPostgres bulk-loads a Snapshot into a Postgres-backed
// repository inside a single transaction. Existing rows with matching GUIDs
// cause the import to fail rather than be silently overwritten.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	for _, org := range snapshot.Organizations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organizations (guid, name, status, created_at)
			VALUES ($1, $2, $3, $4)
		`, org.GUID, org.Name, org.Status, org.CreatedAt); err != nil {
			return fmt.Errorf("import organization %s: %w", org.GUID, err)
		}
	}
	for _, space := range snapshot.Spaces {
		if _, err := tx.Exec(ctx, `
			INSERT INTO spaces (guid, organization_guid, name, created_at)
			VALUES ($1, $2, $3, $4)
		`, space.GUID, space.OrganizationGUID, space.Name, space.CreatedAt); err != nil {
			return fmt.Errorf("import space %s: %w", space.GUID, err)
		}
	}
	var maxAppID int64
	for _, app := range snapshot.Apps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO apps (id, guid, space_guid, name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, app.ID, app.GUID, app.SpaceGUID, app.Name, app.CreatedAt, app.UpdatedAt); err != nil {
			return fmt.Errorf("import app %s: %w", app.GUID, err)
		}
		if app.ID > maxAppID {
			maxAppID = app.ID
		}
	}
	for _, process := range snapshot.Processes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO processes (guid, app_guid, type, instances, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, process.GUID, process.AppGUID, process.Type, process.Instances, process.CreatedAt); err != nil {
			return fmt.Errorf("import process %s: %w", process.GUID, err)
		}
	}
	for _, binding := range snapshot.ServiceBindings {
		if _, err := tx.Exec(ctx, `
			INSERT INTO service_bindings (guid, app_guid, syslog_drain_url, created_at)
			VALUES ($1, $2, $3, $4)
		`, binding.GUID, binding.AppGUID, binding.SyslogDrainURL, binding.CreatedAt); err != nil {
			return fmt.Errorf("import service binding %s: %w", binding.GUID, err)
		}
	}
	for _, pkg := range snapshot.Packages {
		if _, err := tx.Exec(ctx, `
			INSERT INTO packages (guid, app_guid, type, url, state, hash, error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, pkg.GUID, pkg.AppGUID, string(pkg.Type), pkg.URL, string(pkg.State), pkg.Hash, pkg.Error, pkg.CreatedAt, pkg.UpdatedAt); err != nil {
			return fmt.Errorf("import package %s: %w", pkg.GUID, err)
		}
	}
	for _, droplet := range snapshot.Droplets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO droplets (guid, app_guid, droplet_hash, created_at)
			VALUES ($1, $2, $3, $4)
		`, droplet.GUID, droplet.AppGUID, droplet.DropletHash, droplet.CreatedAt); err != nil {
			return fmt.Errorf("import droplet %s: %w", droplet.GUID, err)
		}
	}

	// The apps id sequence must advance past every imported row id, or the
	// next CreateApp would collide with an imported key.
	if maxAppID > 0 {
		if _, err := tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('apps', 'id'), $1)`, maxAppID); err != nil {
			return fmt.Errorf("advance apps id sequence: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import transaction: %w", err)
	}
	return nil
}
