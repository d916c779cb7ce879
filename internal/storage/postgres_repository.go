package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cargoport/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...PostgresOption) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close drains the pool, bounded by ctx.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		_ = err
	}
}

func (r *postgresRepository) CreateOrganization(params CreateOrganizationParams) (models.Organization, error) {
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
	_, err := r.pool.Exec(context.Background(), `
		INSERT INTO organizations (guid, name, status, created_at)
		VALUES ($1, $2, $3, $4)
	`, org.GUID, org.Name, org.Status, org.CreatedAt)
	if err != nil {
		return models.Organization{}, fmt.Errorf("insert organization: %w", err)
	}
	return org, nil
}

func (r *postgresRepository) GetOrganization(guid string) (models.Organization, bool) {
	var org models.Organization
	err := r.pool.QueryRow(context.Background(), `
		SELECT guid, name, status, created_at FROM organizations WHERE guid = $1
	`, guid).Scan(&org.GUID, &org.Name, &org.Status, &org.CreatedAt)
	if err != nil {
		return models.Organization{}, false
	}
	return org, true
}

func (r *postgresRepository) CreateSpace(params CreateSpaceParams) (models.Space, error) {
	space := models.Space{
		GUID:             generateGUID(),
		OrganizationGUID: params.OrganizationGUID,
		Name:             strings.TrimSpace(params.Name),
		CreatedAt:        time.Now().UTC(),
	}
	_, err := r.pool.Exec(context.Background(), `
		INSERT INTO spaces (guid, organization_guid, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, space.GUID, space.OrganizationGUID, space.Name, space.CreatedAt)
	if err != nil {
		return models.Space{}, fmt.Errorf("insert space: %w", err)
	}
	return space, nil
}

func (r *postgresRepository) GetSpace(guid string) (models.Space, bool) {
	var space models.Space
	err := r.pool.QueryRow(context.Background(), `
		SELECT guid, organization_guid, name, created_at FROM spaces WHERE guid = $1
	`, guid).Scan(&space.GUID, &space.OrganizationGUID, &space.Name, &space.CreatedAt)
	if err != nil {
		return models.Space{}, false
	}
	return space, true
}

func (r *postgresRepository) CreateApp(params CreateAppParams) (models.App, error) {
	now := time.Now().UTC()
	app := models.App{
		GUID:      generateGUID(),
		SpaceGUID: params.SpaceGUID,
		Name:      strings.TrimSpace(params.Name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.pool.QueryRow(context.Background(), `
		INSERT INTO apps (guid, space_guid, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, app.GUID, app.SpaceGUID, app.Name, app.CreatedAt, app.UpdatedAt).Scan(&app.ID)
	if err != nil {
		return models.App{}, fmt.Errorf("insert app: %w", err)
	}
	return app, nil
}

const appColumns = `id, guid, space_guid, name, created_at, updated_at`

func scanApp(row pgx.Row) (models.App, error) {
	var app models.App
	err := row.Scan(&app.ID, &app.GUID, &app.SpaceGUID, &app.Name, &app.CreatedAt, &app.UpdatedAt)
	return app, err
}

func (r *postgresRepository) GetApp(guid string) (models.App, bool) {
	app, err := scanApp(r.pool.QueryRow(context.Background(), `
		SELECT `+appColumns+` FROM apps WHERE guid = $1
	`, guid))
	if err != nil {
		return models.App{}, false
	}
	return app, true
}

func (r *postgresRepository) AppWithProcesses(guid string) (models.App, []models.Process, bool) {
	ctx := context.Background()
	app, err := scanApp(r.pool.QueryRow(ctx, `
		SELECT `+appColumns+` FROM apps WHERE guid = $1
	`, guid))
	if err != nil {
		return models.App{}, nil, false
	}
	rows, err := r.pool.Query(ctx, `
		SELECT guid, app_guid, type, instances, created_at
		FROM processes WHERE app_guid = $1
		ORDER BY guid
	`, guid)
	if err != nil {
		return models.App{}, nil, false
	}
	defer rows.Close()
	var processes []models.Process
	for rows.Next() {
		var process models.Process
		if err := rows.Scan(&process.GUID, &process.AppGUID, &process.Type, &process.Instances, &process.CreatedAt); err != nil {
			return models.App{}, nil, false
		}
		processes = append(processes, process)
	}
	if rows.Err() != nil {
		return models.App{}, nil, false
	}
	return app, processes, true
}

func (r *postgresRepository) CreateProcess(params CreateProcessParams) (models.Process, error) {
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
	_, err := r.pool.Exec(context.Background(), `
		INSERT INTO processes (guid, app_guid, type, instances, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, process.GUID, process.AppGUID, process.Type, process.Instances, process.CreatedAt)
	if err != nil {
		return models.Process{}, fmt.Errorf("insert process: %w", err)
	}
	return process, nil
}

func (r *postgresRepository) CreateServiceBinding(params CreateServiceBindingParams) (models.ServiceBinding, error) {
	binding := models.ServiceBinding{
		GUID:           generateGUID(),
		AppGUID:        params.AppGUID,
		SyslogDrainURL: strings.TrimSpace(params.SyslogDrainURL),
		CreatedAt:      time.Now().UTC(),
	}
	_, err := r.pool.Exec(context.Background(), `
		INSERT INTO service_bindings (guid, app_guid, syslog_drain_url, created_at)
		VALUES ($1, $2, $3, $4)
	`, binding.GUID, binding.AppGUID, binding.SyslogDrainURL, binding.CreatedAt)
	if err != nil {
		return models.ServiceBinding{}, fmt.Errorf("insert service binding: %w", err)
	}
	return binding, nil
}

const packageColumns = `guid, app_guid, type, url, state, hash, error, created_at, updated_at`

func scanPackage(row pgx.Row) (models.Package, error) {
	var pkg models.Package
	err := row.Scan(&pkg.GUID, &pkg.AppGUID, &pkg.Type, &pkg.URL, &pkg.State, &pkg.Hash, &pkg.Error, &pkg.CreatedAt, &pkg.UpdatedAt)
	return pkg, err
}

func (r *postgresRepository) GetPackage(guid string) (models.Package, bool) {
	pkg, err := scanPackage(r.pool.QueryRow(context.Background(), `
		SELECT `+packageColumns+` FROM packages WHERE guid = $1
	`, guid))
	if err != nil {
		return models.Package{}, false
	}
	return pkg, true
}

func (r *postgresRepository) UpdatePackage(guid string, update PackageUpdate) (models.Package, error) {
	var state *string
	if update.State != nil {
		value := string(*update.State)
		state = &value
	}
	pkg, err := scanPackage(r.pool.QueryRow(context.Background(), `
		UPDATE packages
		SET state = COALESCE($2::text, state),
		    hash = COALESCE($3::text, hash),
		    error = COALESCE($4::text, error),
		    updated_at = $5
		WHERE guid = $1
		RETURNING `+packageColumns+`
	`, guid, state, update.Hash, update.Error, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Package{}, ErrPackageNotFound
		}
		return models.Package{}, fmt.Errorf("update package: %w", err)
	}
	return pkg, nil
}

// WithAppLock opens a transaction, takes a FOR UPDATE lock on the app row,
// and hands a transaction-scoped view to fn. Any error rolls the transaction
// back.
func (r *postgresRepository) WithAppLock(ctx context.Context, appGUID string, fn func(tx AppMutation) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	mutation := &pgAppMutation{ctx: ctx, tx: tx, appGUID: appGUID}
	app, err := scanApp(tx.QueryRow(ctx, `
		SELECT `+appColumns+` FROM apps WHERE guid = $1 FOR UPDATE
	`, appGUID))
	switch {
	case err == nil:
		mutation.app = app
		mutation.found = true
	case errors.Is(err, pgx.ErrNoRows):
		// App vanished between the pre-check and the lock; fn observes the
		// absence via App().
	default:
		return fmt.Errorf("lock app: %w", err)
	}

	if err := fn(mutation); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgAppMutation struct {
	ctx     context.Context
	tx      pgx.Tx
	appGUID string
	app     models.App
	found   bool
}

func (m *pgAppMutation) App() (models.App, bool) {
	return m.app, m.found
}

func (m *pgAppMutation) CreatePackage(pkg models.Package) (models.Package, error) {
	if !m.found {
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
	_, err := m.tx.Exec(m.ctx, `
		INSERT INTO packages (guid, app_guid, type, url, state, hash, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pkg.GUID, pkg.AppGUID, pkg.Type, pkg.URL, pkg.State, pkg.Hash, pkg.Error, pkg.CreatedAt, pkg.UpdatedAt)
	if err != nil {
		return models.Package{}, fmt.Errorf("insert package: %w", err)
	}
	return pkg, nil
}

func (m *pgAppMutation) DeletePackage(guid string) error {
	tag, err := m.tx.Exec(m.ctx, `DELETE FROM packages WHERE guid = $1`, guid)
	if err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPackageNotFound
	}
	return nil
}

func (r *postgresRepository) CreateDroplet(params CreateDropletParams) (models.Droplet, error) {
	if params.DropletHash == "" {
		return models.Droplet{}, InvalidRecordError{Reason: "droplet_hash presence"}
	}
	droplet := models.Droplet{
		GUID:        generateGUID(),
		AppGUID:     params.AppGUID,
		DropletHash: params.DropletHash,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.pool.Exec(context.Background(), `
		INSERT INTO droplets (guid, app_guid, droplet_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, droplet.GUID, droplet.AppGUID, droplet.DropletHash, droplet.CreatedAt)
	if err != nil {
		return models.Droplet{}, fmt.Errorf("insert droplet: %w", err)
	}
	return droplet, nil
}

func (r *postgresRepository) GetDroplet(guid string) (models.Droplet, bool) {
	var droplet models.Droplet
	err := r.pool.QueryRow(context.Background(), `
		SELECT guid, app_guid, droplet_hash, created_at FROM droplets WHERE guid = $1
	`, guid).Scan(&droplet.GUID, &droplet.AppGUID, &droplet.DropletHash, &droplet.CreatedAt)
	if err != nil {
		return models.Droplet{}, false
	}
	return droplet, true
}

func (r *postgresRepository) DropletRefs(filter DropletFilter) ([]DropletRef, error) {
	if strings.TrimSpace(filter.AppGUID) == "" {
		return nil, nil
	}
	rows, err := r.pool.Query(context.Background(), `
		SELECT guid, droplet_hash FROM droplets WHERE app_guid = $1 ORDER BY guid
	`, filter.AppGUID)
	if err != nil {
		return nil, fmt.Errorf("select droplet refs: %w", err)
	}
	defer rows.Close()
	var refs []DropletRef
	for rows.Next() {
		var ref DropletRef
		if err := rows.Scan(&ref.GUID, &ref.DropletHash); err != nil {
			return nil, fmt.Errorf("scan droplet ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate droplet refs: %w", err)
	}
	return refs, nil
}

func (r *postgresRepository) DestroyDroplets(filter DropletFilter) (int, error) {
	if strings.TrimSpace(filter.AppGUID) == "" {
		return 0, nil
	}
	tag, err := r.pool.Exec(context.Background(), `
		DELETE FROM droplets WHERE app_guid = $1
	`, filter.AppGUID)
	if err != nil {
		return 0, fmt.Errorf("destroy droplets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) SyslogDrainURLBatch(batchSize int, afterID int64) (DrainURLBatch, error) {
	batch := DrainURLBatch{NextID: afterID}
	if batchSize <= 0 {
		return batch, nil
	}
	rows, err := r.pool.Query(context.Background(), `
		SELECT a.id, a.guid, array_agg(sb.syslog_drain_url ORDER BY sb.created_at, sb.guid)
		FROM apps a
		JOIN service_bindings sb ON sb.app_guid = a.guid
		WHERE a.id > $1 AND sb.syslog_drain_url <> ''
		GROUP BY a.id, a.guid
		ORDER BY a.id
		LIMIT $2
	`, afterID, batchSize)
	if err != nil {
		return DrainURLBatch{}, fmt.Errorf("select drain urls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry AppDrainURLs
		if err := rows.Scan(&entry.AppID, &entry.AppGUID, &entry.URLs); err != nil {
			return DrainURLBatch{}, fmt.Errorf("scan drain urls: %w", err)
		}
		batch.Results = append(batch.Results, entry)
		batch.NextID = entry.AppID
	}
	if err := rows.Err(); err != nil {
		return DrainURLBatch{}, fmt.Errorf("iterate drain urls: %w", err)
	}
	return batch, nil
}
