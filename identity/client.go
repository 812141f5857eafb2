// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package identity talks to the external identity provider. The server
// never stores passwords or issues tokens itself; it forwards credential
// grants and introspects bearer tokens to obtain the caller's user id.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default identity errs class.
	Error = errs.Class("identity")

	// ErrUnauthorized is returned when the provider rejects the
	// presented credentials or token.
	ErrUnauthorized = errs.Class("identity: unauthorized")

	// ErrConflict is returned when a user to be created already exists.
	ErrConflict = errs.Class("identity: conflict")

	// ErrUnavailable is returned when the provider cannot be reached.
	ErrUnavailable = errs.Class("identity: unavailable")
)

const requestTimeout = 10 * time.Second

// Config holds the connection settings for the identity provider.
type Config struct {
	URL        string
	ServiceKey string
}

// Client calls the identity provider over HTTP.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
}

// NewClient creates an identity provider client.
func NewClient(log *zap.Logger, config Config) *Client {
	return &Client{
		log:    log,
		config: config,
		http:   &http.Client{Timeout: requestTimeout},
	}
}

// User is the provider's view of an account.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// PasswordGrant exchanges an email and password for a token pair.
func (c *Client) PasswordGrant(ctx context.Context, email, password string) (*TokenPair, error) {
	return c.tokenGrant(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
}

// RefreshGrant exchanges a refresh token for a new token pair.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return c.tokenGrant(ctx, "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (c *Client) tokenGrant(ctx context.Context, grantType string, body map[string]string) (*TokenPair, error) {
	endpoint := c.config.URL + "/token?grant_type=" + url.QueryEscape(grantType)

	status, payload, err := c.do(ctx, http.MethodPost, endpoint, body, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusBadRequest || status == http.StatusForbidden {
		return nil, ErrUnauthorized.New("grant rejected")
	}
	if status != http.StatusOK {
		return nil, Error.New("unexpected provider status %d", status)
	}

	var pair TokenPair
	if err := json.Unmarshal(payload, &pair); err != nil {
		return nil, Error.Wrap(err)
	}
	if pair.ExpiresAt == 0 && pair.ExpiresIn > 0 {
		pair.ExpiresAt = time.Now().Unix() + pair.ExpiresIn
	}
	return &pair, nil
}

// UserID resolves a bearer token to the id of the user it was issued to.
func (c *Client) UserID(ctx context.Context, token string) (uuid.UUID, error) {
	status, payload, err := c.do(ctx, http.MethodGet, c.config.URL+"/user", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return uuid.UUID{}, ErrUnauthorized.New("token rejected")
	}
	if status != http.StatusOK {
		return uuid.UUID{}, Error.New("unexpected provider status %d", status)
	}

	var user User
	if err := json.Unmarshal(payload, &user); err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	if user.ID == (uuid.UUID{}) {
		return uuid.UUID{}, Error.New("provider returned no user id")
	}
	return user.ID, nil
}

// AdminCreateUser provisions a confirmed account through the provider's
// admin surface, authenticated with the service key.
func (c *Client) AdminCreateUser(ctx context.Context, email, password string) (*User, error) {
	status, payload, err := c.do(ctx, http.MethodPost, c.config.URL+"/admin/users", map[string]interface{}{
		"email":         email,
		"password":      password,
		"email_confirm": true,
	}, map[string]string{
		"Authorization": "Bearer " + c.config.ServiceKey,
	})
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return nil, ErrConflict.New("user already exists")
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized.New("service key rejected")
	default:
		return nil, Error.New("unexpected provider status %d", status)
	}

	var user User
	if err := json.Unmarshal(payload, &user); err != nil {
		return nil, Error.Wrap(err)
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}, headers map[string]string) (status int, payload []byte, err error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, Error.Wrap(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, ErrUnavailable.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	payload, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, ErrUnavailable.Wrap(err)
	}
	return resp.StatusCode, payload, nil
}
