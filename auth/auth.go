// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package auth carries the authenticated user identity through request
// contexts. There is no ambient identity: every authorization decision
// downstream reads the user id from the context and nothing else.
package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the default auth errs class.
var Error = errs.Class("auth")

// ErrUnauthenticated is returned when a request carries no usable
// credentials.
var ErrUnauthenticated = errs.Class("auth: unauthenticated")

// key is the context key type for values stored by this package.
type key int

const userKey key = 0

// WithUser derives a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// GetUser returns the authenticated user id stored in the context.
func GetUser(ctx context.Context) (uuid.UUID, error) {
	userID, ok := ctx.Value(userKey).(uuid.UUID)
	if !ok {
		return uuid.UUID{}, ErrUnauthenticated.New("no user in context")
	}
	return userID, nil
}
