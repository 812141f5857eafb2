// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package sync implements the CRDT sync engine: cell-level last-write-
// wins merge ordered by client Hybrid Logical Clocks, atomic batch
// ingestion and a stable cursor-based pull protocol. Conflict resolution
// on read is the clients' job; the server only keeps, per cell, the
// value with the greatest HLC ever observed.
package sync

import (
	"context"
	"errors"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"haex.io/vaultsync/auth"
	"haex.io/vaultsync/hlc"
)

var (
	mon = monkit.Package()

	// Error is the default sync errs class.
	Error = errs.Class("sync")

	// ErrValidation is returned for malformed push and pull requests.
	ErrValidation = errs.Class("sync: validation")

	// ErrBatchValidation wraps BatchError values for class checks.
	ErrBatchValidation = errs.Class("sync: batch validation")

	// ErrVaultNotFound is returned when a vault does not exist or is not
	// owned by the caller; the two cases are deliberately identical.
	ErrVaultNotFound = errs.Class("sync: vault not found")

	// ErrVaultExists is returned on duplicate vault creation.
	ErrVaultExists = errs.Class("sync: vault already exists")
)

const (
	// DefaultPullLimit applies when a pull names no limit.
	DefaultPullLimit = 100
	// MaxPullLimit caps the row page size of a pull.
	MaxPullLimit = 1000
)

// ServerTimeFormat renders server timestamps as UTC ISO-8601 with
// microsecond precision. Truncating below microseconds makes the pull
// cursor revisit rows, so this layout is part of the wire contract.
const ServerTimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatServerTime formats t for cursor and response use.
func FormatServerTime(t time.Time) string {
	return t.UTC().Format(ServerTimeFormat)
}

// Service coordinates pushes, pulls and the vault registry.
type Service struct {
	log *zap.Logger
	db  DB
}

// NewService creates the sync service.
func NewService(log *zap.Logger, db DB) (*Service, error) {
	if log == nil {
		return nil, Error.New("log can't be nil")
	}
	if db == nil {
		return nil, Error.New("db can't be nil")
	}
	return &Service{log: log, db: db}, nil
}

// Push validates and applies a list of cell changes to the caller's
// vault in one transaction. Batch validation failures reject the whole
// push before anything is written.
func (s *Service) Push(ctx context.Context, vaultID string, changes []ChangeSubmission) (_ PushResult, err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return PushResult{}, err
	}
	if vaultID == "" {
		return PushResult{}, ErrValidation.New("vaultId is required")
	}
	if len(changes) == 0 {
		return PushResult{}, ErrValidation.New("no changes submitted")
	}

	if _, err := s.db.Vaults().Get(ctx, userID, vaultID); err != nil {
		return PushResult{}, err
	}

	for i, change := range changes {
		if change.TableName == "" || change.RowPKs == "" || change.HLCTimestamp == "" {
			return PushResult{}, ErrValidation.New(
				"change %d: tableName, rowPks and hlcTimestamp are required", i)
		}
	}

	if err := validateBatches(changes); err != nil {
		return PushResult{}, ErrBatchValidation.Wrap(err)
	}

	count, committedAt, err := s.db.Changes().Upsert(ctx, userID, vaultID, changes)
	if err != nil {
		return PushResult{}, err
	}

	lastHLC := ""
	for _, change := range changes {
		lastHLC = hlc.Max(lastHLC, change.HLCTimestamp)
	}

	s.log.Debug("push applied",
		zap.String("vault_id", vaultID),
		zap.Int("submitted", len(changes)),
		zap.Int64("touched", count))

	return PushResult{
		Count:           count,
		LastHLC:         lastHLC,
		ServerTimestamp: committedAt,
	}, nil
}

// Pull returns one page of the caller's vault changes after the cursor.
// The page is computed over whole rows so a device can always
// materialize a full row from a single page.
func (s *Service) Pull(ctx context.Context, vaultID string, cursor Cursor, excludeDeviceID string, limit int) (_ Page, err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return Page{}, err
	}
	if vaultID == "" {
		return Page{}, ErrValidation.New("vaultId is required")
	}

	if limit <= 0 {
		limit = DefaultPullLimit
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	if _, err := s.db.Vaults().Get(ctx, userID, vaultID); err != nil {
		return Page{}, err
	}

	return s.db.Changes().Pull(ctx, userID, vaultID, cursor, excludeDeviceID, limit)
}

// CreateVault registers a new vault for the caller.
func (s *Service) CreateVault(ctx context.Context, vault Vault) (err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return err
	}
	if vault.VaultID == "" {
		return ErrValidation.New("vaultId is required")
	}
	if vault.EncryptedVaultKey == "" {
		return ErrValidation.New("encrypted vault key is required")
	}
	if vault.VaultKeySalt == "" || vault.VaultNameSalt == "" {
		return ErrValidation.New("both key derivation salts are required")
	}

	vault.UserID = userID
	return s.db.Vaults().Insert(ctx, vault)
}

// ListVaults returns the caller's vaults ordered by creation time.
func (s *Service) ListVaults(ctx context.Context) (_ []Vault, err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.db.Vaults().List(ctx, userID)
}

// GetVault returns one vault's key bundle.
func (s *Service) GetVault(ctx context.Context, vaultID string) (_ *Vault, err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.db.Vaults().Get(ctx, userID, vaultID)
}

// RenameVault updates the encrypted vault name and its nonce.
func (s *Service) RenameVault(ctx context.Context, vaultID, encryptedName, nameNonce string) (err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return err
	}
	if encryptedName == "" {
		return ErrValidation.New("encrypted name is required")
	}
	return s.db.Vaults().Rename(ctx, userID, vaultID, encryptedName, nameNonce)
}

// DeleteVault destroys the vault, its changes and its partition.
func (s *Service) DeleteVault(ctx context.Context, vaultID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		return err
	}
	if err := s.db.Vaults().Delete(ctx, userID, vaultID); err != nil {
		return err
	}
	s.log.Info("vault deleted", zap.String("vault_id", vaultID))
	return nil
}

// AsBatchError extracts the structured diagnostics from a batch
// validation failure, if err is one.
func AsBatchError(err error) (*BatchError, bool) {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr, true
	}
	return nil, false
}
