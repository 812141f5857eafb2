// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncapi

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"haex.io/vaultsync/sync"
)

// Sync is the controller for the push and pull endpoints.
type Sync struct {
	log     *zap.Logger
	service *sync.Service
}

// NewSync creates the sync controller.
func NewSync(log *zap.Logger, service *sync.Service) *Sync {
	return &Sync{log: log, service: service}
}

type changePayload struct {
	ID             string  `json:"id,omitempty"`
	TableName      string  `json:"tableName"`
	RowPKs         string  `json:"rowPks"`
	ColumnName     *string `json:"columnName"`
	HLCTimestamp   string  `json:"hlcTimestamp"`
	DeviceID       *string `json:"deviceId,omitempty"`
	EncryptedValue *string `json:"encryptedValue"`
	Nonce          *string `json:"nonce,omitempty"`
	CreatedAt      string  `json:"createdAt,omitempty"`
	UpdatedAt      string  `json:"updatedAt,omitempty"`

	BatchID    *string `json:"batchId,omitempty"`
	BatchSeq   *int    `json:"batchSeq,omitempty"`
	BatchTotal *int    `json:"batchTotal,omitempty"`
}

// Push applies a list of cell changes to the caller's vault.
func (s *Sync) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request struct {
		VaultID string          `json:"vaultId"`
		Changes []changePayload `json:"changes"`
	}
	if err = decodeJSON(r, &request); err != nil {
		serveJSONError(s.log, w, http.StatusBadRequest, err)
		return
	}

	submissions := make([]sync.ChangeSubmission, 0, len(request.Changes))
	for _, change := range request.Changes {
		submissions = append(submissions, sync.ChangeSubmission{
			TableName:      change.TableName,
			RowPKs:         change.RowPKs,
			ColumnName:     change.ColumnName,
			HLCTimestamp:   change.HLCTimestamp,
			DeviceID:       change.DeviceID,
			EncryptedValue: change.EncryptedValue,
			Nonce:          change.Nonce,
			BatchID:        change.BatchID,
			BatchSeq:       change.BatchSeq,
			BatchTotal:     change.BatchTotal,
		})
	}

	result, err := s.service.Push(ctx, request.VaultID, submissions)
	if err != nil {
		if batchErr, ok := sync.AsBatchError(err); ok {
			s.serveBatchError(w, batchErr)
			return
		}
		serveJSONError(s.log, w, statusOf(err), err)
		return
	}

	serveJSON(s.log, w, http.StatusOK, struct {
		Count           int64  `json:"count"`
		LastHLC         string `json:"lastHlc"`
		ServerTimestamp string `json:"serverTimestamp"`
	}{result.Count, result.LastHLC, sync.FormatServerTime(result.ServerTimestamp)})
}

// serveBatchError reports batch validation failure with the structured
// diagnostics clients retry from.
func (s *Sync) serveBatchError(w http.ResponseWriter, batchErr *sync.BatchError) {
	s.log.Debug("rejecting push on batch validation",
		zap.String("batch_id", batchErr.BatchID),
		zap.String("reason", batchErr.Message))

	serveJSON(s.log, w, http.StatusBadRequest, struct {
		Error            string `json:"error"`
		BatchID          string `json:"batchId"`
		MissingSequences []int  `json:"missingSequences,omitempty"`
		Expected         int    `json:"expected,omitempty"`
		Received         int    `json:"received,omitempty"`
	}{
		Error:            batchErr.Message,
		BatchID:          batchErr.BatchID,
		MissingSequences: batchErr.MissingSequences,
		Expected:         batchErr.Expected,
		Received:         batchErr.Received,
	})
}

// Pull returns one page of vault changes after the composite cursor.
func (s *Sync) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	query := r.URL.Query()
	vaultID := query.Get("vaultId")

	var cursor sync.Cursor
	if raw := query.Get("afterUpdatedAt"); raw != "" {
		after, err := parseServerTime(raw)
		if err != nil {
			serveJSONError(s.log, w, http.StatusBadRequest, err)
			return
		}
		cursor.AfterUpdatedAt = &after
		cursor.AfterTableName = query.Get("afterTableName")
		cursor.AfterRowPKs = query.Get("afterRowPks")
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			serveJSONError(s.log, w, http.StatusBadRequest, sync.ErrValidation.New("invalid limit"))
			return
		}
	}

	page, err := s.service.Pull(ctx, vaultID, cursor, query.Get("excludeDeviceId"), limit)
	if err != nil {
		serveJSONError(s.log, w, statusOf(err), err)
		return
	}

	changes := make([]changePayload, 0, len(page.Changes))
	for _, change := range page.Changes {
		changes = append(changes, changePayload{
			ID:             change.ID.String(),
			TableName:      change.TableName,
			RowPKs:         change.RowPKs,
			ColumnName:     change.ColumnName,
			HLCTimestamp:   change.HLCTimestamp,
			DeviceID:       change.DeviceID,
			EncryptedValue: change.EncryptedValue,
			Nonce:          change.Nonce,
			CreatedAt:      sync.FormatServerTime(change.CreatedAt),
			UpdatedAt:      sync.FormatServerTime(change.UpdatedAt),
		})
	}

	response := struct {
		Changes         []changePayload `json:"changes"`
		HasMore         bool            `json:"hasMore"`
		ServerTimestamp string          `json:"serverTimestamp"`
		LastTableName   string          `json:"lastTableName,omitempty"`
		LastRowPKs      string          `json:"lastRowPks,omitempty"`
	}{
		Changes:       changes,
		HasMore:       page.HasMore,
		LastTableName: page.LastTableName,
		LastRowPKs:    page.LastRowPKs,
	}
	if page.ServerTimestamp.IsZero() {
		// an empty page still advances the client's notion of now
		response.ServerTimestamp = sync.FormatServerTime(time.Now())
	} else {
		response.ServerTimestamp = sync.FormatServerTime(page.ServerTimestamp)
	}
	serveJSON(s.log, w, http.StatusOK, response)
}

// parseServerTime accepts the microsecond wire layout and, for lenient
// clients, plain RFC 3339.
func parseServerTime(raw string) (time.Time, error) {
	if t, err := time.Parse(sync.ServerTimeFormat, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, sync.ErrValidation.New("invalid afterUpdatedAt")
	}
	return t.UTC(), nil
}
