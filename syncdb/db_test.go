// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"haex.io/vaultsync/creds"
	"haex.io/vaultsync/sync"
)

// openTest connects to the database named by VAULTSYNC_TEST_POSTGRES
// and migrates it; without the variable the test is skipped.
func openTest(t *testing.T) (context.Context, *DB) {
	t.Helper()

	dsn := os.Getenv("VAULTSYNC_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("postgres test requires VAULTSYNC_TEST_POSTGRES")
	}

	ctx := context.Background()
	db, err := Open(ctx, zaptest.NewLogger(t), dsn, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.MigrateToLatest(ctx))
	return ctx, db
}

func TestMigrateToLatestIsIdempotent(t *testing.T) {
	ctx, db := openTest(t)
	require.NoError(t, db.MigrateToLatest(ctx))
}

func TestPartitionName(t *testing.T) {
	require.Equal(t,
		"sync_changes_p_0b4e1c52_9a11_4c6e_8f2d_3a7b9d4e5f60",
		PartitionName("0b4e1c52-9a11-4c6e-8f2d-3a7b9d4e5f60"))
	require.Equal(t, "sync_changes_p_abc_def", PartitionName("ABC.def"))
}

func testVault(userID uuid.UUID) sync.Vault {
	return sync.Vault{
		UserID:            userID,
		VaultID:           uuid.NewString(),
		EncryptedVaultKey: "sealed-key",
		VaultKeySalt:      "key-salt",
		VaultNameSalt:     "name-salt",
	}
}

func TestVaultLifecycle(t *testing.T) {
	ctx, db := openTest(t)
	vaults := db.Vaults()

	userID := uuid.New()
	vault := testVault(userID)
	require.NoError(t, vaults.Insert(ctx, vault))

	// the partition exists as soon as the insert commits
	var attached bool
	err := db.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT FROM pg_class WHERE relname = $1)`,
		PartitionName(vault.VaultID)).Scan(&attached)
	require.NoError(t, err)
	require.True(t, attached)

	err = vaults.Insert(ctx, vault)
	require.True(t, sync.ErrVaultExists.Has(err))

	got, err := vaults.Get(ctx, userID, vault.VaultID)
	require.NoError(t, err)
	require.Equal(t, vault.EncryptedVaultKey, got.EncryptedVaultKey)
	require.Equal(t, vault.VaultKeySalt, got.VaultKeySalt)
	require.Equal(t, vault.VaultNameSalt, got.VaultNameSalt)

	_, err = vaults.Get(ctx, uuid.New(), vault.VaultID)
	require.True(t, sync.ErrVaultNotFound.Has(err), "foreign caller must see not-found")

	require.NoError(t, vaults.Rename(ctx, userID, vault.VaultID, "sealed-name", "name-nonce"))
	got, err = vaults.Get(ctx, userID, vault.VaultID)
	require.NoError(t, err)
	require.Equal(t, "sealed-name", got.EncryptedVaultName)
	require.Equal(t, "name-nonce", got.VaultNameNonce)

	err = vaults.Rename(ctx, userID, "no-such-vault", "x", "")
	require.True(t, sync.ErrVaultNotFound.Has(err))

	require.NoError(t, vaults.Delete(ctx, userID, vault.VaultID))
	_, err = vaults.Get(ctx, userID, vault.VaultID)
	require.True(t, sync.ErrVaultNotFound.Has(err))

	err = db.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT FROM pg_class WHERE relname = $1)`,
		PartitionName(vault.VaultID)).Scan(&attached)
	require.NoError(t, err)
	require.False(t, attached, "partition must drop with the vault")
}

func strptr(s string) *string { return &s }

func TestChangesLastWriteWins(t *testing.T) {
	ctx, db := openTest(t)

	userID := uuid.New()
	vault := testVault(userID)
	require.NoError(t, db.Vaults().Insert(ctx, vault))
	defer func() { require.NoError(t, db.Vaults().Delete(ctx, userID, vault.VaultID)) }()

	changes := db.Changes()
	cell := func(hlcTS, value string) sync.ChangeSubmission {
		return sync.ChangeSubmission{
			TableName:      "items",
			RowPKs:         `{"id":"r1"}`,
			ColumnName:     strptr("title"),
			HLCTimestamp:   hlcTS,
			DeviceID:       strptr("device-a"),
			EncryptedValue: strptr(value),
			Nonce:          strptr("n"),
		}
	}

	count, _, err := changes.Upsert(ctx, userID, vault.VaultID,
		[]sync.ChangeSubmission{cell("0001-a", "v1")})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// a greater HLC replaces the cell
	count, _, err = changes.Upsert(ctx, userID, vault.VaultID,
		[]sync.ChangeSubmission{cell("0002-a", "v2")})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// a replay and a stale write both fall out of the conflict clause
	count, _, err = changes.Upsert(ctx, userID, vault.VaultID,
		[]sync.ChangeSubmission{cell("0002-a", "v2"), cell("0001-a", "v1")})
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	page, err := changes.Pull(ctx, userID, vault.VaultID, sync.Cursor{}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	require.Equal(t, "0002-a", page.Changes[0].HLCTimestamp)
	require.Equal(t, "v2", *page.Changes[0].EncryptedValue)
}

func TestChangesPullPaging(t *testing.T) {
	ctx, db := openTest(t)

	userID := uuid.New()
	vault := testVault(userID)
	require.NoError(t, db.Vaults().Insert(ctx, vault))
	defer func() { require.NoError(t, db.Vaults().Delete(ctx, userID, vault.VaultID)) }()

	var batch []sync.ChangeSubmission
	for row := 0; row < 7; row++ {
		for col := 0; col < 3; col++ {
			batch = append(batch, sync.ChangeSubmission{
				TableName:      "items",
				RowPKs:         `{"id":"r` + string(rune('0'+row)) + `"}`,
				ColumnName:     strptr("c" + string(rune('0'+col))),
				HLCTimestamp:   "0001-a",
				DeviceID:       strptr("device-a"),
				EncryptedValue: strptr("v"),
			})
		}
	}
	count, _, err := db.Changes().Upsert(ctx, userID, vault.VaultID, batch)
	require.NoError(t, err)
	require.EqualValues(t, 21, count)

	// whole rows per page: 3 rows of 3 cells each, stable across pages
	// even though every cell shares one updated_at
	seen := map[string]bool{}
	cursor := sync.Cursor{}
	pages := 0
	for {
		page, err := db.Changes().Pull(ctx, userID, vault.VaultID, cursor, "", 3)
		require.NoError(t, err)
		if len(page.Changes) == 0 {
			require.False(t, page.HasMore)
			break
		}
		pages++
		require.Zero(t, len(page.Changes)%3, "pages must carry whole rows")
		for _, change := range page.Changes {
			key := change.RowPKs + "/" + *change.ColumnName
			require.False(t, seen[key], "cell %s repeated across pages", key)
			seen[key] = true
		}
		ts := page.ServerTimestamp
		cursor = sync.Cursor{
			AfterUpdatedAt: &ts,
			AfterTableName: page.LastTableName,
			AfterRowPKs:    page.LastRowPKs,
		}
		if !page.HasMore {
			break
		}
	}
	require.Equal(t, 3, pages)
	require.Len(t, seen, 21)

	// the requesting device's own rows stay home
	page, err := db.Changes().Pull(ctx, userID, vault.VaultID, sync.Cursor{}, "device-a", 10)
	require.NoError(t, err)
	require.Empty(t, page.Changes)
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx, db := openTest(t)
	store := db.StorageCredentials()

	userID := uuid.New()
	cred := creds.Credential{
		UserID:          userID,
		AccessKeyID:     "HAEX" + userID.String()[:16],
		EncryptedSecret: []byte("sealed"),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, cred))

	got, err := store.GetByUser(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, cred.AccessKeyID, got.AccessKeyID)
	require.Equal(t, cred.EncryptedSecret, got.EncryptedSecret)

	got, err = store.GetByAccessKey(ctx, cred.AccessKeyID)
	require.NoError(t, err)
	require.Equal(t, userID, got.UserID)

	_, err = store.GetByAccessKey(ctx, "HAEXNOSUCHKEY0000000")
	require.True(t, creds.ErrNotFound.Has(err))

	require.NoError(t, store.DeleteByUser(ctx, userID))
	_, err = store.GetByUser(ctx, userID)
	require.True(t, creds.ErrNotFound.Has(err))
}

func TestQuotaResolution(t *testing.T) {
	ctx, db := openTest(t)
	quotas := db.Quotas()

	tiers, err := quotas.Tiers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, tiers)

	// no quota row falls back to the default tier
	userID := uuid.New()
	quota, err := quotas.QuotaFor(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 1<<30, quota)

	require.NoError(t, quotas.EnsureDefault(ctx, userID))
	require.NoError(t, quotas.EnsureDefault(ctx, userID))
	quota, err = quotas.QuotaFor(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 1<<30, quota)

	require.NoError(t, quotas.SetTier(ctx, userID, "plus"))
	quota, err = quotas.QuotaFor(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 50<<30, quota)
}
