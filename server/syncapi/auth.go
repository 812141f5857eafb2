// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"haex.io/vaultsync/auth"
	"haex.io/vaultsync/creds"
	"haex.io/vaultsync/identity"
)

// StorageInfo describes the object store clients should talk to; the
// per-user bucket is derived from it at response time.
type StorageInfo struct {
	Endpoint     string
	Region       string
	BucketPrefix string
}

// Configured reports whether login responses should carry storage
// configuration at all.
func (info StorageInfo) Configured() bool { return info.Endpoint != "" }

// QuotaResolver reports a user's storage quota in bytes.
type QuotaResolver interface {
	QuotaFor(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Auth is the controller for session and credential endpoints.
type Auth struct {
	log      *zap.Logger
	identity *identity.Client
	creds    *creds.Service
	quotas   QuotaResolver
	storage  StorageInfo
}

// NewAuth creates the auth controller. creds and quotas may be nil when
// storage is not configured.
func NewAuth(log *zap.Logger, identityClient *identity.Client, credsService *creds.Service, quotas QuotaResolver, storage StorageInfo) *Auth {
	return &Auth{
		log:      log,
		identity: identityClient,
		creds:    credsService,
		quotas:   quotas,
		storage:  storage,
	}
}

type storageConfig struct {
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	QuotaBytes      int64  `json:"quota_bytes,omitempty"`
}

type sessionResponse struct {
	AccessToken   string         `json:"access_token"`
	RefreshToken  string         `json:"refresh_token"`
	ExpiresIn     int64          `json:"expires_in"`
	ExpiresAt     int64          `json:"expires_at"`
	User          identity.User  `json:"user"`
	StorageConfig *storageConfig `json:"storage_config,omitempty"`
}

// Login exchanges an email and password for tokens plus the caller's
// storage configuration.
func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err = decodeJSON(r, &request); err != nil {
		serveJSONError(a.log, w, http.StatusBadRequest, err)
		return
	}
	if request.Email == "" || request.Password == "" {
		serveJSONError(a.log, w, http.StatusBadRequest, Error.New("email and password are required"))
		return
	}

	pair, err := a.identity.PasswordGrant(ctx, request.Email, request.Password)
	if err != nil {
		serveJSONError(a.log, w, statusOf(err), err)
		return
	}
	a.serveSession(ctx, w, pair)
}

// Refresh exchanges a refresh token for a new session.
func (a *Auth) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err = decodeJSON(r, &request); err != nil {
		serveJSONError(a.log, w, http.StatusBadRequest, err)
		return
	}
	if request.RefreshToken == "" {
		serveJSONError(a.log, w, http.StatusBadRequest, Error.New("refresh_token is required"))
		return
	}

	pair, err := a.identity.RefreshGrant(ctx, request.RefreshToken)
	if err != nil {
		serveJSONError(a.log, w, statusOf(err), err)
		return
	}
	a.serveSession(ctx, w, pair)
}

func (a *Auth) serveSession(ctx context.Context, w http.ResponseWriter, pair *identity.TokenPair) {
	response := sessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		ExpiresAt:    pair.ExpiresAt,
		User:         pair.User,
	}

	if config, err := a.storageConfigFor(ctx, pair.User.ID); err != nil {
		// a session is still useful without storage
		a.log.Warn("minting storage credentials failed",
			zap.String("user_id", pair.User.ID.String()), zap.Error(err))
	} else {
		response.StorageConfig = config
	}

	serveJSON(a.log, w, http.StatusOK, response)
}

// StorageCredentials returns the caller's storage configuration only.
func (a *Auth) StorageCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	userID, err := auth.GetUser(ctx)
	if err != nil {
		serveJSONError(a.log, w, http.StatusUnauthorized, err)
		return
	}

	config, err := a.storageConfigFor(ctx, userID)
	if err != nil {
		serveJSONError(a.log, w, statusOf(err), err)
		return
	}
	if config == nil {
		serveJSONError(a.log, w, http.StatusServiceUnavailable, Error.New("storage is not configured"))
		return
	}

	serveJSON(a.log, w, http.StatusOK, struct {
		StorageConfig *storageConfig `json:"storage_config"`
	}{config})
}

// AdminCreateUser provisions an account through the identity provider.
// The route is gated on the service key by the router.
func (a *Auth) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var request struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err = decodeJSON(r, &request); err != nil {
		serveJSONError(a.log, w, http.StatusBadRequest, err)
		return
	}
	if request.Email == "" || request.Password == "" {
		serveJSONError(a.log, w, http.StatusBadRequest, Error.New("email and password are required"))
		return
	}

	user, err := a.identity.AdminCreateUser(ctx, request.Email, request.Password)
	if err != nil {
		serveJSONError(a.log, w, statusOf(err), err)
		return
	}

	a.log.Info("user created", zap.String("user_id", user.ID.String()))
	serveJSON(a.log, w, http.StatusCreated, struct {
		User identity.User `json:"user"`
	}{*user})
}

// storageConfigFor mints (or returns) the user's credential pair and
// assembles the storage block; nil when storage is not configured.
func (a *Auth) storageConfigFor(ctx context.Context, userID uuid.UUID) (*storageConfig, error) {
	if !a.storage.Configured() || a.creds == nil {
		return nil, nil
	}

	pair, err := a.creds.Ensure(ctx, userID)
	if err != nil {
		return nil, err
	}

	config := &storageConfig{
		Endpoint:        a.storage.Endpoint,
		Bucket:          a.storage.BucketPrefix + userID.String(),
		Region:          a.storage.Region,
		AccessKeyID:     pair.AccessKeyID,
		SecretAccessKey: pair.Secret,
	}
	if a.quotas != nil {
		quota, err := a.quotas.QuotaFor(ctx, userID)
		if err != nil {
			a.log.Warn("quota resolution failed",
				zap.String("user_id", userID.String()), zap.Error(err))
		} else {
			config.QuotaBytes = quota
		}
	}
	return config, nil
}
