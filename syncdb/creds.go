// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"haex.io/vaultsync/creds"
)

type credentials struct {
	db *DB
}

func (c *credentials) Insert(ctx context.Context, cred creds.Credential) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = c.db.db.ExecContext(ctx, `
		INSERT INTO user_storage_credentials (user_id, access_key_id, encrypted_secret_key, created_at)
		VALUES ($1, $2, $3, $4)`,
		cred.UserID, cred.AccessKeyID, cred.EncryptedSecret, cred.CreatedAt)
	if isUniqueViolation(err) {
		return creds.Error.New("credential already exists for user %s", cred.UserID)
	}
	return Error.Wrap(err)
}

func (c *credentials) GetByUser(ctx context.Context, userID uuid.UUID) (_ *creds.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	cred := creds.Credential{UserID: userID}
	err = c.db.db.QueryRowContext(ctx, `
		SELECT access_key_id, encrypted_secret_key, created_at
		FROM user_storage_credentials
		WHERE user_id = $1`, userID).Scan(
		&cred.AccessKeyID, &cred.EncryptedSecret, &cred.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, creds.ErrNotFound.New("user %s", userID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cred.CreatedAt = cred.CreatedAt.UTC()
	return &cred, nil
}

func (c *credentials) GetByAccessKey(ctx context.Context, accessKeyID string) (_ *creds.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	cred := creds.Credential{AccessKeyID: accessKeyID}
	err = c.db.db.QueryRowContext(ctx, `
		SELECT user_id, encrypted_secret_key, created_at
		FROM user_storage_credentials
		WHERE access_key_id = $1`, accessKeyID).Scan(
		&cred.UserID, &cred.EncryptedSecret, &cred.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, creds.ErrNotFound.New("access key %s", accessKeyID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cred.CreatedAt = cred.CreatedAt.UTC()
	return &cred, nil
}

func (c *credentials) DeleteByUser(ctx context.Context, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = c.db.db.ExecContext(ctx,
		`DELETE FROM user_storage_credentials WHERE user_id = $1`, userID)
	return Error.Wrap(err)
}
