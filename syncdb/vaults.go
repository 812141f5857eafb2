// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"haex.io/vaultsync/sync"
)

type vaults struct {
	db *DB
}

// Insert stores the vault record and provisions its partition in the
// same transaction, so a registered vault always has somewhere to put
// its changes.
func (v *vaults) Insert(ctx context.Context, vault sync.Vault) (err error) {
	defer mon.Task()(&ctx)(&err)

	return v.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vault_keys
				(user_id, vault_id, encrypted_vault_key, encrypted_vault_name,
				vault_key_salt, vault_name_salt, vault_key_nonce, vault_name_nonce)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''))`,
			vault.UserID, vault.VaultID, vault.EncryptedVaultKey, vault.EncryptedVaultName,
			vault.VaultKeySalt, vault.VaultNameSalt, vault.VaultKeyNonce, vault.VaultNameNonce)
		if err != nil {
			if isUniqueViolation(err) {
				return sync.ErrVaultExists.New("vault %s", vault.VaultID)
			}
			return Error.Wrap(err)
		}
		return v.db.partitions.Ensure(ctx, tx, vault.VaultID)
	})
}

// List returns the user's vaults ordered by creation time.
func (v *vaults) List(ctx context.Context, userID uuid.UUID) (_ []sync.Vault, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := v.db.db.QueryContext(ctx, `
		SELECT user_id, vault_id, encrypted_vault_key, coalesce(encrypted_vault_name, ''),
			vault_key_salt, vault_name_salt,
			coalesce(vault_key_nonce, ''), coalesce(vault_name_nonce, ''),
			created_at, updated_at
		FROM vault_keys
		WHERE user_id = $1
		ORDER BY created_at, vault_id`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []sync.Vault
	for rows.Next() {
		var vault sync.Vault
		err := rows.Scan(&vault.UserID, &vault.VaultID,
			&vault.EncryptedVaultKey, &vault.EncryptedVaultName,
			&vault.VaultKeySalt, &vault.VaultNameSalt,
			&vault.VaultKeyNonce, &vault.VaultNameNonce,
			&vault.CreatedAt, &vault.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		vault.CreatedAt = vault.CreatedAt.UTC()
		vault.UpdatedAt = vault.UpdatedAt.UTC()
		list = append(list, vault)
	}
	return list, Error.Wrap(rows.Err())
}

// Get returns one vault's metadata or sync.ErrVaultNotFound; a vault
// owned by someone else reports the same way as a missing one.
func (v *vaults) Get(ctx context.Context, userID uuid.UUID, vaultID string) (_ *sync.Vault, err error) {
	defer mon.Task()(&ctx)(&err)

	var vault sync.Vault
	err = v.db.db.QueryRowContext(ctx, `
		SELECT user_id, vault_id, encrypted_vault_key, coalesce(encrypted_vault_name, ''),
			vault_key_salt, vault_name_salt,
			coalesce(vault_key_nonce, ''), coalesce(vault_name_nonce, ''),
			created_at, updated_at
		FROM vault_keys
		WHERE user_id = $1 AND vault_id = $2`, userID, vaultID).Scan(
		&vault.UserID, &vault.VaultID,
		&vault.EncryptedVaultKey, &vault.EncryptedVaultName,
		&vault.VaultKeySalt, &vault.VaultNameSalt,
		&vault.VaultKeyNonce, &vault.VaultNameNonce,
		&vault.CreatedAt, &vault.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, sync.ErrVaultNotFound.New("vault %s", vaultID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	vault.CreatedAt = vault.CreatedAt.UTC()
	vault.UpdatedAt = vault.UpdatedAt.UTC()
	return &vault, nil
}

// Rename updates the encrypted vault name and its nonce.
func (v *vaults) Rename(ctx context.Context, userID uuid.UUID, vaultID, encryptedName, nameNonce string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := v.db.db.ExecContext(ctx, `
		UPDATE vault_keys
		SET encrypted_vault_name = $3, vault_name_nonce = NULLIF($4, ''), updated_at = now()
		WHERE user_id = $1 AND vault_id = $2`,
		userID, vaultID, encryptedName, nameNonce)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return sync.ErrVaultNotFound.New("vault %s", vaultID)
	}
	return nil
}

// Delete removes the registry row and drops the vault's partition in
// one transaction. Dropping the partition discards the change history
// without scanning it.
func (v *vaults) Delete(ctx context.Context, userID uuid.UUID, vaultID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return v.db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM vault_keys WHERE user_id = $1 AND vault_id = $2`,
			userID, vaultID)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return sync.ErrVaultNotFound.New("vault %s", vaultID)
		}
		return v.db.partitions.Drop(ctx, tx, vaultID)
	})
}
