package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// ivSize is 16 bytes so the hex IV is always 32 characters.
	ivSize = 16

	developmentKeySeed = "emdr-platform/development-only/phi-key"
)

var encryptedBlobPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}:[0-9a-fA-F]+$`)

// Cipher encrypts single PHI values with AES-256-GCM under the server key.
// Output is the self-describing "<ivHex>:<cipherHex>" blob so any component
// can recognise protected values without a schema lookup.
type Cipher struct {
	aead cipher.AEAD
	key  []byte
}

// NewCipher creates a Cipher with the given 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, &ConfigurationError{
			Setting: "PHI_ENCRYPTION_KEY",
			Reason:  fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)),
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: create GCM: %w", err)
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{aead: aead, key: k}, nil
}

// LoadCipher builds the process-wide Cipher from a hex-encoded key.
//
// An empty key is fatal in production. Outside production a fixed
// development key is used and the misconfiguration is logged.
func LoadCipher(hexKey string, production bool, logger zerolog.Logger) (*Cipher, error) {
	if hexKey == "" {
		if production {
			return nil, &ConfigurationError{Setting: "PHI_ENCRYPTION_KEY", Reason: "required in production"}
		}
		logger.Warn().
			Str("action", ActionKeyMisconfiguration).
			Msg("PHI_ENCRYPTION_KEY is not set: using the development key, never use this outside development")
		return NewCipher(DevelopmentKey())
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, &ConfigurationError{Setting: "PHI_ENCRYPTION_KEY", Reason: "not valid hex", Err: err}
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("PHI vault key loaded")
	return c, nil
}

// DevelopmentKey returns the fixed non-production key.
func DevelopmentKey() []byte {
	sum := sha256.Sum256([]byte(developmentKeySeed))
	return sum[:]
}

// Encrypt seals plaintext under a fresh random IV. Identical plaintexts never
// produce identical blobs.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("phi encrypt: generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(blob string) (string, error) {
	ivHex, bodyHex, ok := strings.Cut(blob, ":")
	if !ok || ivHex == "" || bodyHex == "" {
		return "", &DecryptionError{Reason: "malformed blob"}
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", &DecryptionError{Reason: "iv is not hex", Err: err}
	}
	if len(iv) != ivSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", ivSize, len(iv))}
	}

	body, err := hex.DecodeString(bodyHex)
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not hex", Err: err}
	}

	plaintext, err := c.aead.Open(nil, iv, body, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}

// LooksEncrypted is the structural check for "<32 hex>:<hex>". It does not
// prove the blob decrypts, only that it must never be encrypted again.
func LooksEncrypted(text string) bool {
	return encryptedBlobPattern.MatchString(text)
}

// LooksEncrypted is a convenience for callers holding a *Cipher.
func (c *Cipher) LooksEncrypted(text string) bool {
	return LooksEncrypted(text)
}
