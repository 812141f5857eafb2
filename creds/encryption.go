// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
)

// encryptor seals credential secrets with AES-256-GCM. The key is
// derived from the process-wide storage encryption secret; the access
// key id is bound in as associated data so a ciphertext cannot be
// replayed onto a different credential row.
type encryptor struct {
	key [32]byte
}

func newEncryptor(processSecret string) (*encryptor, error) {
	if processSecret == "" {
		return nil, Error.New("storage encryption key is not configured")
	}
	return &encryptor{key: sha256.Sum256([]byte(processSecret))}, nil
}

func (e *encryptor) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key[:])
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return aead, nil
}

// Encrypt seals plaintext and returns nonce||ciphertext.
func (e *encryptor) Encrypt(plaintext, accessKeyID string) ([]byte, error) {
	aead, err := e.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, Error.Wrap(err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), []byte(accessKeyID)), nil
}

// Decrypt opens nonce||ciphertext produced by Encrypt.
func (e *encryptor) Decrypt(sealed []byte, accessKeyID string) (string, error) {
	aead, err := e.aead()
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", Error.New("sealed secret too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(accessKeyID))
	if err != nil {
		return "", Error.New("unable to decrypt stored secret")
	}
	return string(plaintext), nil
}
