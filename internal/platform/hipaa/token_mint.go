package hipaa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/metrics"
)

const tokenKeyInfo = "phi-token-v1"

// TokenMint derives deterministic tokens for (owner, plaintext) pairs and is
// the only writer of PHI records.
type TokenMint struct {
	cipher   *Cipher
	store    PHIStore
	auditor  *Auditor
	metrics  *metrics.PHIMetrics
	tokenKey []byte
	now      func() time.Time
}

// NewTokenMint derives the token key from the cipher key with HKDF so tokens
// and ciphertexts never share key material directly.
func NewTokenMint(c *Cipher, store PHIStore, auditor *Auditor, m *metrics.PHIMetrics) (*TokenMint, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.key, nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("token mint: derive key: %w", err)
	}
	return &TokenMint{
		cipher:   c,
		store:    store,
		auditor:  auditor,
		metrics:  m,
		tokenKey: key,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Mint returns the 64-char lowercase hex token of (ownerID, plaintext). A zero
// byte separates the fields so ("ab","c") and ("a","bc") differ.
func (m *TokenMint) Mint(ownerID, plaintext string) string {
	mac := hmac.New(sha256.New, m.tokenKey)
	mac.Write([]byte(ownerID))
	mac.Write([]byte{0})
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Store encrypts plaintext and upserts it under its token.
func (m *TokenMint) Store(ctx context.Context, ownerID, plaintext string, category Category, actorID string) (string, error) {
	token := m.Mint(ownerID, plaintext)

	blob, err := m.cipher.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	if !LooksEncrypted(blob) {
		return "", fmt.Errorf("token mint: refusing to store a value that is not an encrypted blob")
	}

	now := m.now()
	rec := &PHIRecord{
		Token:          token,
		OwnerID:        ownerID,
		Category:       category,
		Ciphertext:     blob,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("token mint: store: %w", err)
	}

	m.metrics.IncTokenStored(string(category))
	m.auditor.Record(ctx, AuditEntry{
		ActorID:      actorID,
		Action:       ActionStorePHI,
		ResourceType: ResourcePHIRecord,
		ResourceID:   token,
		Details:      map[string]any{"category": string(category), "owner_id": ownerID},
	})
	return token, nil
}

// Retrieve decrypts the value behind token. A miss returns found=false and a
// nil error. A blob that fails to decrypt returns a *DecryptionError.
func (m *TokenMint) Retrieve(ctx context.Context, token, actorID, purpose string) (string, bool, error) {
	rec, err := m.store.Get(ctx, token)
	if errors.Is(err, ErrUnknownToken) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token mint: retrieve: %w", err)
	}

	plaintext, err := m.cipher.Decrypt(rec.Ciphertext)
	if err != nil {
		return "", true, err
	}

	if err := m.store.Touch(ctx, token, m.now()); err != nil && !errors.Is(err, ErrUnknownToken) {
		return "", true, fmt.Errorf("token mint: refresh access time: %w", err)
	}

	m.auditor.Record(ctx, AuditEntry{
		ActorID:      actorID,
		Action:       ActionAccessPHI,
		ResourceType: ResourcePHIRecord,
		ResourceID:   token,
		Details:      map[string]any{"category": string(rec.Category), "purpose": purpose},
	})
	return plaintext, true, nil
}

// Lookup returns the record metadata without refreshing the access time.
func (m *TokenMint) Lookup(ctx context.Context, token string) (*PHIRecord, error) {
	return m.store.Get(ctx, token)
}

// Exists reports whether token has been stored.
func (m *TokenMint) Exists(ctx context.Context, token string) (bool, error) {
	_, err := m.store.Get(ctx, token)
	if errors.Is(err, ErrUnknownToken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
