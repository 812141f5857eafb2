// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

// Package creds mints and stores the per-user credentials the storage
// gateway verifies SigV4 requests against. Secrets are encrypted at rest
// with the process storage encryption key and decrypted only when a
// caller needs the plaintext: credential reporting and signature
// verification.
package creds

import (
	"context"
	"crypto/rand"
	"regexp"
	"time"

	"github.com/google/uuid"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default creds errs class.
	Error = errs.Class("creds")

	// ErrNotFound is returned when no credential exists for the lookup.
	ErrNotFound = errs.Class("creds: not found")
)

const (
	accessKeyPrefix = "HAEX"
	accessKeyRandom = 16
	secretLength    = 40

	accessKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// 30 random bytes encode to exactly 40 characters of this alphabet.
	secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
)

// AccessKeyIDPattern is the grammar issued access key ids conform to.
var AccessKeyIDPattern = regexp.MustCompile(`^HAEX[A-Z0-9]{16}$`)

// Credential is a stored credential row. The secret is never persisted
// in the clear.
type Credential struct {
	UserID          uuid.UUID
	AccessKeyID     string
	EncryptedSecret []byte
	CreatedAt       time.Time
}

// DB persists credentials.
type DB interface {
	// Insert stores a new credential; user ids and access key ids are
	// unique, duplicates error.
	Insert(ctx context.Context, cred Credential) error
	// GetByUser returns the credential owned by the user or ErrNotFound.
	GetByUser(ctx context.Context, userID uuid.UUID) (*Credential, error)
	// GetByAccessKey returns the credential with the given access key id
	// or ErrNotFound.
	GetByAccessKey(ctx context.Context, accessKeyID string) (*Credential, error)
	// DeleteByUser removes the user's credential if present.
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
}

// Pair is a decrypted credential handed to its owner.
type Pair struct {
	AccessKeyID string
	Secret      string
}

// Service mints, returns and rotates storage credentials.
type Service struct {
	log *zap.Logger
	db  DB
	enc *encryptor
}

// NewService creates the credential service. It refuses to operate
// without the process encryption secret.
func NewService(log *zap.Logger, db DB, processSecret string) (*Service, error) {
	enc, err := newEncryptor(processSecret)
	if err != nil {
		return nil, err
	}
	return &Service{log: log, db: db, enc: enc}, nil
}

// Ensure returns the user's credential pair, minting one on first use.
func (s *Service) Ensure(ctx context.Context, userID uuid.UUID) (_ Pair, err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := s.db.GetByUser(ctx, userID)
	if err == nil {
		secret, err := s.enc.Decrypt(existing.EncryptedSecret, existing.AccessKeyID)
		if err != nil {
			return Pair{}, err
		}
		return Pair{AccessKeyID: existing.AccessKeyID, Secret: secret}, nil
	}
	if !ErrNotFound.Has(err) {
		return Pair{}, err
	}

	pair, err := s.mint(ctx, userID)
	if err == nil {
		return pair, nil
	}

	// a concurrent first request may have minted in between; the unique
	// constraint on user_id makes the race harmless
	existing, getErr := s.db.GetByUser(ctx, userID)
	if getErr != nil {
		return Pair{}, errs.Combine(err, getErr)
	}
	secret, decErr := s.enc.Decrypt(existing.EncryptedSecret, existing.AccessKeyID)
	if decErr != nil {
		return Pair{}, decErr
	}
	return Pair{AccessKeyID: existing.AccessKeyID, Secret: secret}, nil
}

// Lookup resolves an access key id to its owner and decrypted secret.
// Only the SigV4 verifier calls this; the secret must not be logged.
func (s *Service) Lookup(ctx context.Context, accessKeyID string) (_ uuid.UUID, _ string, err error) {
	defer mon.Task()(&ctx)(&err)

	cred, err := s.db.GetByAccessKey(ctx, accessKeyID)
	if err != nil {
		return uuid.UUID{}, "", err
	}
	secret, err := s.enc.Decrypt(cred.EncryptedSecret, cred.AccessKeyID)
	if err != nil {
		return uuid.UUID{}, "", err
	}
	return cred.UserID, secret, nil
}

// Rotate deletes the user's credential and mints a fresh one. The old
// access key stops verifying as soon as the delete commits.
func (s *Service) Rotate(ctx context.Context, userID uuid.UUID) (_ Pair, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.db.DeleteByUser(ctx, userID); err != nil {
		return Pair{}, err
	}
	s.log.Info("storage credential rotated", zap.String("user_id", userID.String()))
	return s.mint(ctx, userID)
}

func (s *Service) mint(ctx context.Context, userID uuid.UUID) (Pair, error) {
	accessKeyID, err := randomString(accessKeyAlphabet, accessKeyRandom)
	if err != nil {
		return Pair{}, err
	}
	accessKeyID = accessKeyPrefix + accessKeyID

	secret, err := randomString(secretAlphabet, secretLength)
	if err != nil {
		return Pair{}, err
	}

	sealed, err := s.enc.Encrypt(secret, accessKeyID)
	if err != nil {
		return Pair{}, err
	}

	err = s.db.Insert(ctx, Credential{
		UserID:          userID,
		AccessKeyID:     accessKeyID,
		EncryptedSecret: sealed,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return Pair{}, err
	}

	s.log.Info("storage credential minted",
		zap.String("user_id", userID.String()),
		zap.String("access_key_id", accessKeyID))
	return Pair{AccessKeyID: accessKeyID, Secret: secret}, nil
}

// randomString draws length characters from alphabet using the crypto
// entropy source, rejection-sampled to keep the draw uniform.
func randomString(alphabet string, length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	max := byte(256 - 256%len(alphabet))
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", Error.Wrap(err)
		}
		for _, b := range buf {
			if b >= max {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
