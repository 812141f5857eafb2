// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DB aggregates the persistence interfaces the sync service runs on.
type DB interface {
	// Vaults gives access to the vault registry.
	Vaults() Vaults
	// Changes gives access to the change store.
	Changes() Changes
}

// Vaults is the vault registry. Every operation is scoped by owner: a
// vault owned by someone else is indistinguishable from a missing one.
type Vaults interface {
	// Insert stores a new vault record and provisions its partition.
	// Returns ErrVaultExists for a duplicate (user, vault) pair.
	Insert(ctx context.Context, vault Vault) error
	// List returns the user's vaults ordered by creation time.
	List(ctx context.Context, userID uuid.UUID) ([]Vault, error)
	// Get returns one vault's metadata or ErrVaultNotFound.
	Get(ctx context.Context, userID uuid.UUID, vaultID string) (*Vault, error)
	// Rename updates the encrypted vault name and its nonce.
	Rename(ctx context.Context, userID uuid.UUID, vaultID, encryptedName, nameNonce string) error
	// Delete removes the vault, all of its changes and its partition.
	Delete(ctx context.Context, userID uuid.UUID, vaultID string) error
}

// Changes is the cell-addressed CRDT change store.
type Changes interface {
	// Upsert applies the submissions in one transaction with
	// last-write-wins merge gated on the HLC order. It returns the
	// number of rows touched and the server wall-clock at the end of
	// the transaction.
	Upsert(ctx context.Context, userID uuid.UUID, vaultID string, changes []ChangeSubmission) (count int64, committedAt time.Time, err error)
	// Pull returns one stable page of changes after the cursor.
	Pull(ctx context.Context, userID uuid.UUID, vaultID string, cursor Cursor, excludeDeviceID string, limit int) (Page, error)
}

// Vault is a registry entry: opaque encrypted key material plus the two
// salts and nonces for the independent key and name derivations.
type Vault struct {
	UserID             uuid.UUID
	VaultID            string
	EncryptedVaultKey  string
	EncryptedVaultName string
	VaultKeySalt       string
	VaultNameSalt      string
	VaultKeyNonce      string
	VaultNameNonce     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChangeSubmission is one pushed cell change. A nil ColumnName denotes a
// whole-row tombstone; a nil EncryptedValue denotes cell deletion.
type ChangeSubmission struct {
	TableName      string
	RowPKs         string
	ColumnName     *string
	HLCTimestamp   string
	DeviceID       *string
	EncryptedValue *string
	Nonce          *string

	BatchID    *string
	BatchSeq   *int
	BatchTotal *int
}

// Change is a persisted change record as returned by pull.
type Change struct {
	ID             uuid.UUID
	VaultID        string
	TableName      string
	RowPKs         string
	ColumnName     *string
	HLCTimestamp   string
	DeviceID       *string
	EncryptedValue *string
	Nonce          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Cursor is the composite pull cursor. Rows strictly after
// (AfterUpdatedAt, AfterTableName, AfterRowPKs) in lexicographic tuple
// order are returned. A nil AfterUpdatedAt means "from the beginning".
type Cursor struct {
	AfterUpdatedAt *time.Time
	AfterTableName string
	AfterRowPKs    string
}

// Page is one pull response page. ServerTimestamp is the max updated_at
// of the last returned row; together with LastTableName and LastRowPKs
// it forms the next cursor.
type Page struct {
	Changes         []Change
	HasMore         bool
	ServerTimestamp time.Time
	LastTableName   string
	LastRowPKs      string
}

// PushResult reports an accepted push.
type PushResult struct {
	Count           int64
	LastHLC         string
	ServerTimestamp time.Time
}
