// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"haex.io/vaultsync/hlc"
	"haex.io/vaultsync/sync"
)

// upsertChunkSize bounds rows per statement; at 9 bind parameters per
// row this stays well under the 65535 parameter limit of the protocol.
const upsertChunkSize = 5000

type changes struct {
	db *DB
}

// Upsert applies the submissions in one transaction. Each cell keeps the
// record with the greatest HLC ever seen; replays and stale writes fall
// out of the conflict clause without touching the row.
func (c *changes) Upsert(ctx context.Context, userID uuid.UUID, vaultID string, submissions []sync.ChangeSubmission) (count int64, committedAt time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	merged := dedupeByCell(submissions)

	err = c.db.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(merged); start += upsertChunkSize {
			end := start + upsertChunkSize
			if end > len(merged) {
				end = len(merged)
			}
			touched, err := c.upsertChunk(ctx, tx, userID, vaultID, merged[start:end])
			if err != nil {
				return err
			}
			count += touched
		}
		// now() is the transaction-start timestamp, deliberately: it
		// matches the updated_at = now() stamps written above, so a
		// client cursoring from this value never skips rows of its
		// own batch. clock_timestamp() would run ahead of them.
		return Error.Wrap(tx.QueryRowContext(ctx, `SELECT now()`).Scan(&committedAt))
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, committedAt.UTC(), nil
}

func (c *changes) upsertChunk(ctx context.Context, tx *sql.Tx, userID uuid.UUID, vaultID string, chunk []sync.ChangeSubmission) (int64, error) {
	var (
		query strings.Builder
		args  = make([]interface{}, 0, len(chunk)*9)
	)
	query.WriteString(`INSERT INTO sync_changes
		(user_id, vault_id, table_name, row_pks, column_name, hlc_timestamp, device_id, encrypted_value, nonce)
	VALUES `)
	for i, change := range chunk {
		if i > 0 {
			query.WriteString(", ")
		}
		base := i * 9
		query.WriteByte('(')
		for p := 1; p <= 9; p++ {
			if p > 1 {
				query.WriteByte(',')
			}
			query.WriteByte('$')
			query.WriteString(strconv.Itoa(base + p))
		}
		query.WriteByte(')')
		args = append(args,
			userID, vaultID, change.TableName, change.RowPKs, change.ColumnName,
			change.HLCTimestamp, change.DeviceID, change.EncryptedValue, change.Nonce)
	}
	query.WriteString(`
	ON CONFLICT (vault_id, table_name, row_pks, column_name) DO UPDATE SET
		hlc_timestamp = excluded.hlc_timestamp,
		device_id = excluded.device_id,
		encrypted_value = excluded.encrypted_value,
		nonce = excluded.nonce,
		updated_at = now()
	WHERE excluded.hlc_timestamp > sync_changes.hlc_timestamp`)

	result, err := tx.ExecContext(ctx, query.String(), args...)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	touched, err := result.RowsAffected()
	return touched, Error.Wrap(err)
}

// dedupeByCell collapses submissions addressing the same cell down to
// the one with the greatest HLC, then orders the result by cell key. A
// multi-values insert cannot affect the same row twice, and the stable
// order keeps concurrent pushes from deadlocking each other.
func dedupeByCell(submissions []sync.ChangeSubmission) []sync.ChangeSubmission {
	type cellKey struct {
		tableName string
		rowPKs    string
		hasColumn bool
		column    string
	}
	keyOf := func(change sync.ChangeSubmission) cellKey {
		key := cellKey{tableName: change.TableName, rowPKs: change.RowPKs}
		if change.ColumnName != nil {
			key.hasColumn = true
			key.column = *change.ColumnName
		}
		return key
	}

	best := make(map[cellKey]sync.ChangeSubmission, len(submissions))
	for _, change := range submissions {
		key := keyOf(change)
		if existing, ok := best[key]; !ok || hlc.Newer(change.HLCTimestamp, existing.HLCTimestamp) {
			best[key] = change
		}
	}

	merged := make([]sync.ChangeSubmission, 0, len(best))
	for _, change := range best {
		merged = append(merged, change)
	}
	sort.Slice(merged, func(i, j int) bool {
		ki, kj := keyOf(merged[i]), keyOf(merged[j])
		if ki.tableName != kj.tableName {
			return ki.tableName < kj.tableName
		}
		if ki.rowPKs != kj.rowPKs {
			return ki.rowPKs < kj.rowPKs
		}
		if ki.hasColumn != kj.hasColumn {
			return !ki.hasColumn
		}
		return ki.column < kj.column
	})
	return merged
}

// pullQuery pages over whole rows: the CTE selects the next rows by the
// composite cursor (max(updated_at), table_name, row_pks), the outer
// query then returns every column of those rows so a device always sees
// complete rows. Device exclusion applies only to row selection; once a
// row qualifies all of its cells ship.
const pullQuery = `
WITH row_page AS (
	SELECT table_name, row_pks, max(updated_at) AS max_updated
	FROM sync_changes
	WHERE user_id = $1 AND vault_id = $2
		AND ($3 = '' OR device_id IS NULL OR device_id <> $3)
	GROUP BY table_name, row_pks
	HAVING $4::timestamptz IS NULL
		OR (max(updated_at), table_name, row_pks) > ($4, $5, $6)
	ORDER BY max_updated, table_name, row_pks
	LIMIT $7
)
SELECT c.id, c.table_name, c.row_pks, c.column_name, c.hlc_timestamp,
	c.device_id, c.encrypted_value, c.nonce, c.created_at, c.updated_at,
	p.max_updated
FROM sync_changes c
	JOIN row_page p USING (table_name, row_pks)
WHERE c.user_id = $1 AND c.vault_id = $2
ORDER BY p.max_updated, c.table_name, c.row_pks, c.column_name NULLS FIRST`

// Pull returns one stable page of changes strictly after the cursor.
func (c *changes) Pull(ctx context.Context, userID uuid.UUID, vaultID string, cursor sync.Cursor, excludeDeviceID string, limit int) (_ sync.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	// one extra row decides HasMore without a second round trip
	rows, err := c.db.db.QueryContext(ctx, pullQuery,
		userID, vaultID, excludeDeviceID,
		cursor.AfterUpdatedAt, cursor.AfterTableName, cursor.AfterRowPKs,
		limit+1)
	if err != nil {
		return sync.Page{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	type rowKey struct {
		tableName string
		rowPKs    string
	}
	var (
		page      sync.Page
		rowOrder  []rowKey
		seen      = make(map[rowKey]bool)
		maxByRow  = make(map[rowKey]time.Time)
		collected []sync.Change
	)
	for rows.Next() {
		var (
			change     sync.Change
			maxUpdated time.Time
		)
		err := rows.Scan(&change.ID, &change.TableName, &change.RowPKs,
			&change.ColumnName, &change.HLCTimestamp, &change.DeviceID,
			&change.EncryptedValue, &change.Nonce,
			&change.CreatedAt, &change.UpdatedAt, &maxUpdated)
		if err != nil {
			return sync.Page{}, Error.Wrap(err)
		}
		change.VaultID = vaultID
		change.CreatedAt = change.CreatedAt.UTC()
		change.UpdatedAt = change.UpdatedAt.UTC()

		key := rowKey{change.TableName, change.RowPKs}
		if !seen[key] {
			seen[key] = true
			rowOrder = append(rowOrder, key)
			maxByRow[key] = maxUpdated.UTC()
		}
		collected = append(collected, change)
	}
	if err := rows.Err(); err != nil {
		return sync.Page{}, Error.Wrap(err)
	}

	if len(rowOrder) > limit {
		// drop the probe row's cells again
		page.HasMore = true
		overflow := rowOrder[limit]
		trimmed := collected[:0]
		for _, change := range collected {
			if change.TableName == overflow.tableName && change.RowPKs == overflow.rowPKs {
				continue
			}
			trimmed = append(trimmed, change)
		}
		collected = trimmed
		rowOrder = rowOrder[:limit]
	} else if len(rowOrder) == limit {
		page.HasMore = true
	}

	page.Changes = collected
	if len(rowOrder) > 0 {
		last := rowOrder[len(rowOrder)-1]
		page.ServerTimestamp = maxByRow[last]
		page.LastTableName = last.tableName
		page.LastRowPKs = last.rowPKs
	}
	return page, nil
}
