// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// step is one schema migration. Versions start at 1 and run in order;
// each step executes inside its own transaction and is recorded in
// schema_version.
type step struct {
	version     int
	description string
	statements  []string
}

// publicationName is the change-feed publication partitions register
// with. Creating it is the deployment's job; registration is a no-op
// when it does not exist.
const publicationName = "vaultsync_changes"

var migrations = []step{
	{
		version:     1,
		description: "vault registry",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS vault_keys (
				user_id uuid NOT NULL,
				vault_id text NOT NULL,
				encrypted_vault_key text NOT NULL,
				encrypted_vault_name text,
				vault_key_salt text NOT NULL,
				vault_name_salt text NOT NULL,
				vault_key_nonce text,
				vault_name_nonce text,
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now(),
				PRIMARY KEY (user_id, vault_id)
			)`,
			// reference the external identity schema when present
			`DO $$ BEGIN
				IF EXISTS (SELECT FROM information_schema.tables
					WHERE table_schema = 'auth' AND table_name = 'users') THEN
					ALTER TABLE vault_keys
						ADD CONSTRAINT vault_keys_user_fk
						FOREIGN KEY (user_id) REFERENCES auth.users (id) ON DELETE CASCADE;
				END IF;
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
			`ALTER TABLE vault_keys ENABLE ROW LEVEL SECURITY`,
			`DO $$ BEGIN
				CREATE POLICY vault_keys_owner ON vault_keys
					USING (user_id = current_setting('app.user_id', true)::uuid)
					WITH CHECK (user_id = current_setting('app.user_id', true)::uuid);
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
		},
	},
	{
		version:     2,
		description: "partitioned change store",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_changes (
				id uuid NOT NULL DEFAULT gen_random_uuid(),
				user_id uuid NOT NULL,
				vault_id text NOT NULL,
				table_name text NOT NULL,
				row_pks text NOT NULL,
				column_name text,
				hlc_timestamp text NOT NULL,
				device_id text,
				encrypted_value text,
				nonce text,
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now()
			) PARTITION BY LIST (vault_id)`,
			`CREATE TABLE IF NOT EXISTS sync_changes_default
				PARTITION OF sync_changes DEFAULT`,
			// one live record per cell; a null column_name is the
			// whole-row tombstone slot, hence NULLS NOT DISTINCT
			`CREATE UNIQUE INDEX IF NOT EXISTS sync_changes_cell_key
				ON sync_changes (vault_id, table_name, row_pks, column_name)
				NULLS NOT DISTINCT`,
			`CREATE INDEX IF NOT EXISTS sync_changes_pull_cursor
				ON sync_changes (vault_id, updated_at, table_name, row_pks)`,
			`ALTER TABLE sync_changes ENABLE ROW LEVEL SECURITY`,
			`DO $$ BEGIN
				CREATE POLICY sync_changes_owner ON sync_changes
					USING (user_id = current_setting('app.user_id', true)::uuid)
					WITH CHECK (user_id = current_setting('app.user_id', true)::uuid);
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
		},
	},
	{
		version:     3,
		description: "storage credentials",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS user_storage_credentials (
				user_id uuid PRIMARY KEY,
				access_key_id text NOT NULL UNIQUE,
				encrypted_secret_key bytea NOT NULL,
				created_at timestamptz NOT NULL DEFAULT now()
			)`,
			`ALTER TABLE user_storage_credentials ENABLE ROW LEVEL SECURITY`,
			`DO $$ BEGIN
				CREATE POLICY storage_credentials_owner ON user_storage_credentials
					USING (user_id = current_setting('app.user_id', true)::uuid)
					WITH CHECK (user_id = current_setting('app.user_id', true)::uuid);
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
		},
	},
	{
		version:     4,
		description: "storage tiers and quotas",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS storage_tiers (
				name text PRIMARY KEY,
				quota_bytes bigint NOT NULL
			)`,
			`INSERT INTO storage_tiers (name, quota_bytes) VALUES
				('free', 1073741824),
				('plus', 53687091200)
			ON CONFLICT (name) DO NOTHING`,
			`CREATE TABLE IF NOT EXISTS user_storage_quotas (
				user_id uuid PRIMARY KEY,
				tier_name text NOT NULL REFERENCES storage_tiers (name),
				override_quota_bytes bigint,
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now()
			)`,
			// the tier catalog is world readable, quota rows are not
			`ALTER TABLE storage_tiers ENABLE ROW LEVEL SECURITY`,
			`DO $$ BEGIN
				CREATE POLICY storage_tiers_read ON storage_tiers FOR SELECT USING (true);
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
			`ALTER TABLE user_storage_quotas ENABLE ROW LEVEL SECURITY`,
			`DO $$ BEGIN
				CREATE POLICY user_storage_quotas_owner ON user_storage_quotas
					USING (user_id = current_setting('app.user_id', true)::uuid);
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$`,
		},
	},
}

// MigrateToLatest applies all pending schema migrations and then
// repairs partition drift for every known vault.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version int PRIMARY KEY,
		description text NOT NULL,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return Error.Wrap(err)
	}

	var current sql.NullInt64
	err = db.db.QueryRowContext(ctx, `SELECT max(version) FROM schema_version`).Scan(&current)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, migration := range migrations {
		if current.Valid && int64(migration.version) <= current.Int64 {
			continue
		}
		db.log.Info("applying migration",
			zap.Int("version", migration.version),
			zap.String("description", migration.description))

		err = db.withTx(ctx, func(tx *sql.Tx) error {
			for _, statement := range migration.statements {
				if _, err := tx.ExecContext(ctx, statement); err != nil {
					return Error.New("migration %d %q: %v", migration.version, migration.description, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, description) VALUES ($1, $2)`,
				migration.version, migration.description)
			return Error.Wrap(err)
		})
		if err != nil {
			return err
		}
	}

	return db.partitions.EnsureAll(ctx)
}
