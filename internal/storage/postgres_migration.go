package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		guid TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS spaces (
		guid TEXT PRIMARY KEY,
		organization_guid TEXT NOT NULL REFERENCES organizations(guid) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS apps (
		id BIGSERIAL PRIMARY KEY,
		guid TEXT NOT NULL UNIQUE,
		space_guid TEXT NOT NULL REFERENCES spaces(guid) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS processes (
		guid TEXT PRIMARY KEY,
		app_guid TEXT NOT NULL REFERENCES apps(guid) ON DELETE CASCADE,
		type TEXT NOT NULL DEFAULT 'web',
		instances INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS service_bindings (
		guid TEXT PRIMARY KEY,
		app_guid TEXT NOT NULL REFERENCES apps(guid) ON DELETE CASCADE,
		syslog_drain_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS packages (
		guid TEXT PRIMARY KEY,
		app_guid TEXT NOT NULL REFERENCES apps(guid) ON DELETE CASCADE,
		type TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		hash TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS droplets (
		guid TEXT PRIMARY KEY,
		app_guid TEXT NOT NULL REFERENCES apps(guid) ON DELETE CASCADE,
		droplet_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_app_guid ON processes (app_guid)`,
	`CREATE INDEX IF NOT EXISTS idx_service_bindings_app_guid ON service_bindings (app_guid)`,
	`CREATE INDEX IF NOT EXISTS idx_packages_app_guid ON packages (app_guid)`,
	`CREATE INDEX IF NOT EXISTS idx_droplets_app_guid ON droplets (app_guid)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
