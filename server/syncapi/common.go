// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package syncapi implements the JSON controllers of the sync server's
// HTTP API.
package syncapi

import (
	"encoding/json"
	"net/http"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"haex.io/vaultsync/auth"
	"haex.io/vaultsync/identity"
	"haex.io/vaultsync/sync"
)

var (
	mon = monkit.Package()

	// Error is the default syncapi errs class.
	Error = errs.Class("syncapi")
)

// statusOf maps service errors onto HTTP statuses. Vault-not-found and
// not-owned intentionally collapse into one 404.
func statusOf(err error) int {
	switch {
	case auth.ErrUnauthenticated.Has(err):
		return http.StatusUnauthorized
	case sync.ErrValidation.Has(err), sync.ErrBatchValidation.Has(err):
		return http.StatusBadRequest
	case sync.ErrVaultNotFound.Has(err):
		return http.StatusNotFound
	case sync.ErrVaultExists.Has(err):
		return http.StatusConflict
	case identity.ErrUnauthorized.Has(err):
		return http.StatusUnauthorized
	case identity.ErrConflict.Has(err):
		return http.StatusConflict
	case identity.ErrUnavailable.Has(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// serveJSON writes value with the given status.
func serveJSON(log *zap.Logger, w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Error("failed to write json response", zap.Error(Error.Wrap(err)))
	}
}

// serveJSONError writes the error envelope.
func serveJSONError(log *zap.Logger, w http.ResponseWriter, status int, err error) {
	if status == http.StatusInternalServerError {
		log.Error("returning internal server error to client", zap.Int("code", status), zap.Error(err))
	} else {
		log.Debug("returning error to client", zap.Int("code", status), zap.Error(err))
	}

	var response struct {
		Error string `json:"error"`
	}
	response.Error = err.Error()
	serveJSON(log, w, status, response)
}

// decodeJSON reads a bounded JSON request body.
func decodeJSON(r *http.Request, value interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 32<<20))
	if err := decoder.Decode(value); err != nil {
		return sync.ErrValidation.New("malformed json: %v", err)
	}
	return nil
}
