// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// DefaultTier is assigned to users that never picked a plan.
const DefaultTier = "free"

// Tier is one row of the storage tier catalog.
type Tier struct {
	Name       string
	QuotaBytes int64
}

// Quotas reads the storage tier catalog and resolves per-user quotas.
// The catalog records entitlement; enforcement happens at the storage
// backend, not here.
type Quotas struct {
	db *DB
}

// Tiers returns the tier catalog ordered by quota.
func (q *Quotas) Tiers(ctx context.Context) (_ []Tier, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := q.db.db.QueryContext(ctx,
		`SELECT name, quota_bytes FROM storage_tiers ORDER BY quota_bytes, name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var tiers []Tier
	for rows.Next() {
		var tier Tier
		if err := rows.Scan(&tier.Name, &tier.QuotaBytes); err != nil {
			return nil, Error.Wrap(err)
		}
		tiers = append(tiers, tier)
	}
	return tiers, Error.Wrap(rows.Err())
}

// QuotaFor resolves the user's storage quota in bytes: a per-user
// override wins over the tier quota, users without a quota row fall
// back to the default tier.
func (q *Quotas) QuotaFor(ctx context.Context, userID uuid.UUID) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		override  sql.NullInt64
		tierQuota int64
	)
	err = q.db.db.QueryRowContext(ctx, `
		SELECT q.override_quota_bytes, t.quota_bytes
		FROM user_storage_quotas q
			JOIN storage_tiers t ON t.name = q.tier_name
		WHERE q.user_id = $1`, userID).Scan(&override, &tierQuota)
	if err == sql.ErrNoRows {
		err = q.db.db.QueryRowContext(ctx,
			`SELECT quota_bytes FROM storage_tiers WHERE name = $1`, DefaultTier).Scan(&tierQuota)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		return tierQuota, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if override.Valid {
		return override.Int64, nil
	}
	return tierQuota, nil
}

// EnsureDefault records the default tier for a user on first storage
// provisioning; an existing row is left alone.
func (q *Quotas) EnsureDefault(ctx context.Context, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = q.db.db.ExecContext(ctx, `
		INSERT INTO user_storage_quotas (user_id, tier_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, DefaultTier)
	return Error.Wrap(err)
}

// SetTier moves the user to another tier, creating the quota row when
// missing. Unknown tiers fail on the foreign key.
func (q *Quotas) SetTier(ctx context.Context, userID uuid.UUID, tierName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = q.db.db.ExecContext(ctx, `
		INSERT INTO user_storage_quotas (user_id, tier_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tier_name = excluded.tier_name, updated_at = now()`,
		userID, tierName)
	return Error.Wrap(err)
}
