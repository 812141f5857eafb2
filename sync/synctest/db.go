// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package synctest provides an in-memory sync.DB with the same merge,
// cursor and ownership semantics as the postgres implementation, for
// tests that do not want a database.
package synctest

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"haex.io/vaultsync/hlc"
	"haex.io/vaultsync/sync"
)

type vaultKey struct {
	userID  uuid.UUID
	vaultID string
}

type cellKey struct {
	vaultID   string
	tableName string
	rowPKs    string
	column    string
	hasColumn bool
}

// DB is an in-memory sync.DB.
type DB struct {
	mu gosync.Mutex

	vaults     map[vaultKey]*sync.Vault
	vaultOrder []vaultKey
	cells      map[cellKey]*sync.Change

	now func() time.Time
}

// NewDB creates an empty in-memory database.
func NewDB() *DB {
	return &DB{
		vaults: make(map[vaultKey]*sync.Vault),
		cells:  make(map[cellKey]*sync.Change),
		now:    time.Now,
	}
}

// SetNow overrides the wall clock used for updated_at stamps. Bulk
// import tests use this to give many rows an identical timestamp.
func (db *DB) SetNow(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// Vaults implements sync.DB.
func (db *DB) Vaults() sync.Vaults { return (*vaults)(db) }

// Changes implements sync.DB.
func (db *DB) Changes() sync.Changes { return (*changes)(db) }

type vaults DB

func (v *vaults) Insert(ctx context.Context, vault sync.Vault) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := vaultKey{vault.UserID, vault.VaultID}
	if _, ok := v.vaults[key]; ok {
		return sync.ErrVaultExists.New("vault %q", vault.VaultID)
	}
	now := v.now().Truncate(time.Microsecond)
	vault.CreatedAt, vault.UpdatedAt = now, now
	v.vaults[key] = &vault
	v.vaultOrder = append(v.vaultOrder, key)
	return nil
}

func (v *vaults) List(ctx context.Context, userID uuid.UUID) ([]sync.Vault, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []sync.Vault
	for _, key := range v.vaultOrder {
		if key.userID == userID {
			if vault, ok := v.vaults[key]; ok {
				out = append(out, *vault)
			}
		}
	}
	return out, nil
}

func (v *vaults) Get(ctx context.Context, userID uuid.UUID, vaultID string) (*sync.Vault, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vault, ok := v.vaults[vaultKey{userID, vaultID}]
	if !ok {
		return nil, sync.ErrVaultNotFound.New("vault %q", vaultID)
	}
	copied := *vault
	return &copied, nil
}

func (v *vaults) Rename(ctx context.Context, userID uuid.UUID, vaultID, encryptedName, nameNonce string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	vault, ok := v.vaults[vaultKey{userID, vaultID}]
	if !ok {
		return sync.ErrVaultNotFound.New("vault %q", vaultID)
	}
	vault.EncryptedVaultName = encryptedName
	vault.VaultNameNonce = nameNonce
	vault.UpdatedAt = v.now().Truncate(time.Microsecond)
	return nil
}

func (v *vaults) Delete(ctx context.Context, userID uuid.UUID, vaultID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := vaultKey{userID, vaultID}
	if _, ok := v.vaults[key]; !ok {
		return sync.ErrVaultNotFound.New("vault %q", vaultID)
	}
	delete(v.vaults, key)

	// dropping the partition removes every change of the vault
	for cell, change := range v.cells {
		if change.VaultID == vaultID {
			delete(v.cells, cell)
		}
	}
	return nil
}

type changes DB

func (c *changes) Upsert(ctx context.Context, userID uuid.UUID, vaultID string, submissions []sync.ChangeSubmission) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Truncate(time.Microsecond)

	// collapse duplicates addressing the same cell to the greatest HLC,
	// the way the database's single-statement upsert does
	best := make(map[cellKey]sync.ChangeSubmission, len(submissions))
	order := make([]cellKey, 0, len(submissions))
	for _, sub := range submissions {
		key := cellKey{
			vaultID:   vaultID,
			tableName: sub.TableName,
			rowPKs:    sub.RowPKs,
		}
		if sub.ColumnName != nil {
			key.column, key.hasColumn = *sub.ColumnName, true
		}
		if kept, ok := best[key]; !ok {
			best[key] = sub
			order = append(order, key)
		} else if hlc.Newer(sub.HLCTimestamp, kept.HLCTimestamp) {
			best[key] = sub
		}
	}

	var count int64
	for _, key := range order {
		sub := best[key]

		existing, ok := c.cells[key]
		if ok && !hlc.Newer(sub.HLCTimestamp, existing.HLCTimestamp) {
			continue
		}

		record := &sync.Change{
			ID:             uuid.New(),
			VaultID:        vaultID,
			TableName:      sub.TableName,
			RowPKs:         sub.RowPKs,
			ColumnName:     sub.ColumnName,
			HLCTimestamp:   sub.HLCTimestamp,
			DeviceID:       sub.DeviceID,
			EncryptedValue: sub.EncryptedValue,
			Nonce:          sub.Nonce,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if ok {
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
		}
		c.cells[key] = record
		count++
	}
	return count, now, nil
}

type rowKey struct {
	tableName string
	rowPKs    string
}

func (c *changes) Pull(ctx context.Context, userID uuid.UUID, vaultID string, cursor sync.Cursor, excludeDeviceID string, limit int) (sync.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// step 1: per-row max(updated_at), excluding the requesting device
	maxUpdated := make(map[rowKey]time.Time)
	for _, change := range c.cells {
		if change.VaultID != vaultID {
			continue
		}
		if excludeDeviceID != "" && change.DeviceID != nil && *change.DeviceID == excludeDeviceID {
			continue
		}
		key := rowKey{change.TableName, change.RowPKs}
		if change.UpdatedAt.After(maxUpdated[key]) {
			maxUpdated[key] = change.UpdatedAt
		}
	}

	// step 2: filter by the composite cursor
	type rowEntry struct {
		key        rowKey
		maxUpdated time.Time
	}
	var rows []rowEntry
	for key, updated := range maxUpdated {
		if cursor.AfterUpdatedAt != nil && !tupleAfter(updated, key, *cursor.AfterUpdatedAt, cursor.AfterTableName, cursor.AfterRowPKs) {
			continue
		}
		rows = append(rows, rowEntry{key, updated})
	}

	// step 3: order by the composite and take the row page
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].maxUpdated.Equal(rows[j].maxUpdated) {
			return rows[i].maxUpdated.Before(rows[j].maxUpdated)
		}
		if rows[i].key.tableName != rows[j].key.tableName {
			return rows[i].key.tableName < rows[j].key.tableName
		}
		return rows[i].key.rowPKs < rows[j].key.rowPKs
	})
	hasMore := false
	if len(rows) > limit {
		rows = rows[:limit]
		hasMore = true
	} else if len(rows) == limit {
		hasMore = true
	}

	// step 4: every column of the selected rows
	page := sync.Page{}
	selected := make(map[rowKey]bool, len(rows))
	for _, row := range rows {
		selected[row.key] = true
	}
	var all []sync.Change
	for _, change := range c.cells {
		if change.VaultID != vaultID {
			continue
		}
		if selected[rowKey{change.TableName, change.RowPKs}] {
			all = append(all, *change)
		}
	}
	rowPos := make(map[rowKey]int, len(rows))
	for i, row := range rows {
		rowPos[row.key] = i
	}
	sort.Slice(all, func(i, j int) bool {
		pi, pj := rowPos[rowKey{all[i].TableName, all[i].RowPKs}], rowPos[rowKey{all[j].TableName, all[j].RowPKs}]
		if pi != pj {
			return pi < pj
		}
		return columnOf(all[i]) < columnOf(all[j])
	})
	page.Changes = all
	page.HasMore = hasMore

	if len(rows) > 0 {
		last := rows[len(rows)-1]
		page.ServerTimestamp = last.maxUpdated
		page.LastTableName = last.key.tableName
		page.LastRowPKs = last.key.rowPKs
	}
	return page, nil
}

func tupleAfter(updated time.Time, key rowKey, afterUpdated time.Time, afterTable, afterRow string) bool {
	if !updated.Equal(afterUpdated) {
		return updated.After(afterUpdated)
	}
	if key.tableName != afterTable {
		return key.tableName > afterTable
	}
	return key.rowPKs > afterRow
}

func columnOf(change sync.Change) string {
	if change.ColumnName == nil {
		return ""
	}
	return *change.ColumnName
}
