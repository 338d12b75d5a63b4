// Package secrets resolves the PHI encryption key from the environment or
// from a HashiCorp Vault KV v2 mount.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/vault/api"
)

// PHIKeyField is the field of the Vault secret holding the hex-encoded key.
const PHIKeyField = "phi_encryption_key"

// ErrKeyNotFound is returned when the key source has no key to offer.
var ErrKeyNotFound = errors.New("phi encryption key not found")

// KeySource yields the hex-encoded PHI encryption key.
type KeySource interface {
	PHIKey(ctx context.Context) (string, error)
}

// EnvKeySource returns a key already read from configuration. An empty key
// is passed through so the cipher loader can apply its development fallback.
type EnvKeySource struct {
	Key string
}

func (s EnvKeySource) PHIKey(context.Context) (string, error) {
	return s.Key, nil
}

// VaultConfig locates the PHI key in Vault.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Path      string
}

// VaultKeySource reads the PHI key from a KV v2 secret.
type VaultKeySource struct {
	client *api.Client
	mount  string
	path   string
}

// NewVaultKeySource builds a Vault client from cfg. VAULT_ADDR from the
// environment is used when cfg.Address is empty.
func NewVaultKeySource(cfg VaultConfig) (*VaultKeySource, error) {
	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if config.Address == "" {
		return nil, fmt.Errorf("vault key source: address is required")
	}
	config.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("vault key source: create client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("vault key source: secret path is required")
	}
	return &VaultKeySource{client: client, mount: mount, path: cfg.Path}, nil
}

func (s *VaultKeySource) PHIKey(ctx context.Context) (string, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.path)
	if err != nil {
		return "", fmt.Errorf("vault key source: read %s/%s: %w", s.mount, s.path, err)
	}
	if secret == nil {
		return "", fmt.Errorf("vault key source: %s/%s: %w", s.mount, s.path, ErrKeyNotFound)
	}
	return keyFromData(secret.Data)
}

// keyFromData extracts PHIKeyField from the data of a KV v2 secret.
func keyFromData(data map[string]interface{}) (string, error) {
	raw, ok := data[PHIKeyField]
	if !ok {
		return "", fmt.Errorf("vault key source: field %q: %w", PHIKeyField, ErrKeyNotFound)
	}
	key, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault key source: field %q is %T, want string", PHIKeyField, raw)
	}
	if key == "" {
		return "", fmt.Errorf("vault key source: field %q is empty: %w", PHIKeyField, ErrKeyNotFound)
	}
	return key, nil
}
