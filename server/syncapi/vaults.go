// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"haex.io/vaultsync/sync"
)

// Vaults is the controller for the vault key registry.
type Vaults struct {
	log     *zap.Logger
	service *sync.Service
}

// NewVaults creates the vaults controller.
func NewVaults(log *zap.Logger, service *sync.Service) *Vaults {
	return &Vaults{log: log, service: service}
}

type vaultPayload struct {
	VaultID            string `json:"vaultId"`
	EncryptedVaultKey  string `json:"encryptedVaultKey,omitempty"`
	EncryptedVaultName string `json:"encryptedVaultName,omitempty"`
	VaultKeySalt       string `json:"vaultKeySalt,omitempty"`
	VaultNameSalt      string `json:"vaultNameSalt,omitempty"`
	VaultKeyNonce      string `json:"vaultKeyNonce,omitempty"`
	VaultNameNonce     string `json:"vaultNameNonce,omitempty"`
	CreatedAt          string `json:"createdAt,omitempty"`
	UpdatedAt          string `json:"updatedAt,omitempty"`
}

// Create registers a new vault with its encrypted key bundle.
func (v *Vaults) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request vaultPayload
	if err = decodeJSON(r, &request); err != nil {
		serveJSONError(v.log, w, http.StatusBadRequest, err)
		return
	}

	err = v.service.CreateVault(ctx, sync.Vault{
		VaultID:            request.VaultID,
		EncryptedVaultKey:  request.EncryptedVaultKey,
		EncryptedVaultName: request.EncryptedVaultName,
		VaultKeySalt:       request.VaultKeySalt,
		VaultNameSalt:      request.VaultNameSalt,
		VaultKeyNonce:      request.VaultKeyNonce,
		VaultNameNonce:     request.VaultNameNonce,
	})
	if err != nil {
		serveJSONError(v.log, w, statusOf(err), err)
		return
	}

	serveJSON(v.log, w, http.StatusCreated, struct {
		VaultID string `json:"vaultId"`
	}{request.VaultID})
}

// List returns the caller's vaults without key material.
func (v *Vaults) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vaults, err := v.service.ListVaults(ctx)
	if err != nil {
		serveJSONError(v.log, w, statusOf(err), err)
		return
	}

	payload := make([]vaultPayload, 0, len(vaults))
	for _, vault := range vaults {
		payload = append(payload, vaultPayload{
			VaultID:            vault.VaultID,
			EncryptedVaultName: vault.EncryptedVaultName,
			VaultNameSalt:      vault.VaultNameSalt,
			VaultNameNonce:     vault.VaultNameNonce,
			CreatedAt:          sync.FormatServerTime(vault.CreatedAt),
			UpdatedAt:          sync.FormatServerTime(vault.UpdatedAt),
		})
	}
	serveJSON(v.log, w, http.StatusOK, struct {
		Vaults []vaultPayload `json:"vaults"`
	}{payload})
}

// Get returns one vault's full key bundle.
func (v *Vaults) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vault, err := v.service.GetVault(ctx, mux.Vars(r)["vaultId"])
	if err != nil {
		serveJSONError(v.log, w, statusOf(err), err)
		return
	}

	serveJSON(v.log, w, http.StatusOK, vaultPayload{
		VaultID:            vault.VaultID,
		EncryptedVaultKey:  vault.EncryptedVaultKey,
		EncryptedVaultName: vault.EncryptedVaultName,
		VaultKeySalt:       vault.VaultKeySalt,
		VaultNameSalt:      vault.VaultNameSalt,
		VaultKeyNonce:      vault.VaultKeyNonce,
		VaultNameNonce:     vault.VaultNameNonce,
		CreatedAt:          sync.FormatServerTime(vault.CreatedAt),
		UpdatedAt:          sync.FormatServerTime(vault.UpdatedAt),
	})
}

// Rename updates a vault's encrypted display name.
func (v *Vaults) Rename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request struct {
		EncryptedVaultName string `json:"encryptedVaultName"`
		VaultNameNonce     string `json:"vaultNameNonce"`
	}
	if err = decodeJSON(r, &request); err != nil {
		serveJSONError(v.log, w, http.StatusBadRequest, err)
		return
	}

	err = v.service.RenameVault(ctx, mux.Vars(r)["vaultId"], request.EncryptedVaultName, request.VaultNameNonce)
	if err != nil {
		serveJSONError(v.log, w, statusOf(err), err)
		return
	}
	serveJSON(v.log, w, http.StatusOK, struct {
		VaultID string `json:"vaultId"`
	}{mux.Vars(r)["vaultId"]})
}

// Delete destroys a vault and its entire change history.
func (v *Vaults) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vaultID := mux.Vars(r)["vaultId"]
	if err = v.service.DeleteVault(ctx, vaultID); err != nil {
		serveJSONError(v.log, w, statusOf(err), err)
		return
	}
	serveJSON(v.log, w, http.StatusOK, struct {
		VaultID string `json:"vaultId"`
		Deleted bool   `json:"deleted"`
	}{vaultID, true})
}
