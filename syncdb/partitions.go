// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// partitionPrefix is the fixed token every vault partition name starts
// with.
const partitionPrefix = "sync_changes_p_"

// PartitionManager creates and drops the per-vault partitions of the
// change store and keeps their row-level-security policies and
// change-feed registration in place. All of its DDL is idempotent so a
// crashed lifecycle operation can be repaired by running it again.
type PartitionManager struct {
	log *zap.Logger
	db  *DB
}

// PartitionName derives the physical partition name for a vault id:
// bytes that are not valid identifier characters (the dashes of a UUID
// in particular) are replaced with underscores.
func PartitionName(vaultID string) string {
	safe := make([]byte, 0, len(vaultID))
	for i := 0; i < len(vaultID); i++ {
		c := vaultID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			safe = append(safe, c)
		case c >= 'A' && c <= 'Z':
			safe = append(safe, c-'A'+'a')
		default:
			safe = append(safe, '_')
		}
	}
	return partitionPrefix + string(safe)
}

// Ensure creates the vault's partition inside the given transaction,
// moving any rows that already landed in the default partition, and
// attaches policies and change-feed registration. Calling it for an
// existing partition is a no-op.
func (m *PartitionManager) Ensure(ctx context.Context, tx *sql.Tx, vaultID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	name := PartitionName(vaultID)
	ident := quoteIdentifier(name)

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT FROM pg_class WHERE relname = $1 AND relkind = 'r')`,
		name).Scan(&exists)
	if err != nil {
		return Error.Wrap(err)
	}

	if !exists {
		// build detached, adopt strays from the default partition, then
		// attach; attaching directly would fail while the default holds
		// rows for this vault
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (LIKE sync_changes INCLUDING DEFAULTS)`, ident),
			fmt.Sprintf(`WITH strays AS (
				DELETE FROM sync_changes_default WHERE vault_id = %s RETURNING *
			) INSERT INTO %s SELECT * FROM strays`, quoteLiteral(vaultID), ident),
			fmt.Sprintf(`ALTER TABLE sync_changes ATTACH PARTITION %s FOR VALUES IN (%s)`,
				ident, quoteLiteral(vaultID)),
		}
		for _, statement := range statements {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				if isDuplicateDDL(err) {
					continue
				}
				return Error.New("partition %s: %v", name, err)
			}
		}
		m.log.Debug("partition created", zap.String("partition", name))
	}

	return m.decorate(ctx, tx, name)
}

// decorate applies the row-level-security policies and change-feed
// registration a partition needs. Policies are not inherited across the
// partitioning boundary, so each partition carries its own.
func (m *PartitionManager) decorate(ctx context.Context, tx *sql.Tx, name string) error {
	ident := quoteIdentifier(name)

	statements := []string{
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, ident),
		fmt.Sprintf(`DO $$ BEGIN
			CREATE POLICY %s ON %s FOR SELECT
				USING (user_id = current_setting('app.user_id', true)::uuid);
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`, quoteIdentifier(name+"_select"), ident),
		fmt.Sprintf(`DO $$ BEGIN
			CREATE POLICY %s ON %s FOR INSERT
				WITH CHECK (user_id = current_setting('app.user_id', true)::uuid);
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`, quoteIdentifier(name+"_insert"), ident),
		fmt.Sprintf(`ALTER TABLE %s REPLICA IDENTITY FULL`, ident),
		fmt.Sprintf(`DO $$ BEGIN
			IF EXISTS (SELECT FROM pg_publication WHERE pubname = %s) THEN
				ALTER PUBLICATION %s ADD TABLE %s;
			END IF;
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`, quoteLiteral(publicationName), quoteIdentifier(publicationName), ident),
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return Error.New("decorating partition %s: %v", name, err)
		}
	}
	return nil
}

// Drop removes the vault's partition and sweeps any of its rows out of
// the default partition. Dropping the partition is what makes vault
// deletion O(1) regardless of how many changes it held.
func (m *PartitionManager) Drop(ctx context.Context, tx *sql.Tx, vaultID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	name := PartitionName(vaultID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdentifier(name))); err != nil {
		return Error.New("dropping partition %s: %v", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_changes_default WHERE vault_id = $1`, vaultID); err != nil {
		return Error.Wrap(err)
	}
	m.log.Debug("partition dropped", zap.String("partition", name))
	return nil
}

// EnsureAll repairs partition drift on startup: every registered vault
// gets its partition, policies and publication membership.
func (m *PartitionManager) EnsureAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := m.db.db.QueryContext(ctx, `SELECT vault_id FROM vault_keys`)
	if err != nil {
		return Error.Wrap(err)
	}
	var vaultIDs []string
	for rows.Next() {
		var vaultID string
		if err := rows.Scan(&vaultID); err != nil {
			return Error.Wrap(errs.Combine(err, rows.Close()))
		}
		vaultIDs = append(vaultIDs, vaultID)
	}
	if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
		return Error.Wrap(err)
	}

	for _, vaultID := range vaultIDs {
		vaultID := vaultID
		err := m.db.withTx(ctx, func(tx *sql.Tx) error {
			return m.Ensure(ctx, tx, vaultID)
		})
		if err != nil {
			return err
		}
	}
	if len(vaultIDs) > 0 {
		m.log.Info("partition bootstrap complete", zap.Int("vaults", len(vaultIDs)))
	}
	return nil
}
