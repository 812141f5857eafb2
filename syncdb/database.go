// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package syncdb implements the server's persistence on postgres: the
// vault registry, the list-partitioned change store with its partition
// lifecycle, storage credentials and the quota catalog.
package syncdb

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"haex.io/vaultsync/creds"
	"haex.io/vaultsync/sync"
)

var (
	mon = monkit.Package()

	// Error is the default syncdb errs class.
	Error = errs.Class("syncdb")
)

// Options tunes the shared connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB gives access to the different stores sharing one postgres pool.
type DB struct {
	log  *zap.Logger
	db   *sql.DB
	opts Options

	partitions *PartitionManager
}

// Open connects to postgres and configures the pool. It does not
// migrate; call MigrateToLatest before serving.
func Open(ctx context.Context, log *zap.Logger, databaseURL string, opts Options) (*DB, error) {
	if databaseURL == "" {
		return nil, Error.New("database URL is required")
	}

	handle, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 30 * time.Minute
	}
	handle.SetMaxOpenConns(opts.MaxOpenConns)
	handle.SetMaxIdleConns(opts.MaxIdleConns)
	handle.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := handle.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), handle.Close())
	}

	db := &DB{log: log, db: handle, opts: opts}
	db.partitions = &PartitionManager{log: log.Named("partitions"), db: db}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Vaults returns the vault registry.
func (db *DB) Vaults() sync.Vaults { return &vaults{db: db} }

// Changes returns the change store.
func (db *DB) Changes() sync.Changes { return &changes{db: db} }

// StorageCredentials returns the credential store.
func (db *DB) StorageCredentials() creds.DB { return &credentials{db: db} }

// Quotas returns the storage tier and quota catalog.
func (db *DB) Quotas() *Quotas { return &Quotas{db: db} }

// Partitions returns the per-vault partition manager.
func (db *DB) Partitions() *PartitionManager { return db.partitions }

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ignoreTxDone(tx.Rollback()))
			return
		}
		err = Error.Wrap(tx.Commit())
	}()
	return fn(tx)
}

func ignoreTxDone(err error) error {
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
