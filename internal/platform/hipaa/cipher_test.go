package hipaa

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewCipher_KeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		_, err := NewCipher(make([]byte, n))
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("key of %d bytes: expected ConfigurationError, got %v", n, err)
		}
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	for _, s := range []string{"", "555-123-4567", "jane@example.com", "ünïcødé ✓", strings.Repeat("x", 4096)} {
		blob, err := c.Encrypt(s)
		if err != nil {
			t.Fatalf("encrypt %q: %v", s, err)
		}
		got, err := c.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt %q: %v", s, err)
		}
		if got != s {
			t.Errorf("expected %q, got %q", s, got)
		}
	}
}

func TestCipher_BlobFormat(t *testing.T) {
	c := newTestCipher(t)
	blob, err := c.Encrypt("123-45-6789")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	iv, body, ok := strings.Cut(blob, ":")
	if !ok {
		t.Fatalf("expected colon in blob %q", blob)
	}
	if len(iv) != 32 {
		t.Errorf("expected 32 hex chars of IV, got %d", len(iv))
	}
	if body != strings.ToLower(body) || iv != strings.ToLower(iv) {
		t.Errorf("expected lowercase hex, got %q", blob)
	}
	if !LooksEncrypted(blob) {
		t.Errorf("expected %q to look encrypted", blob)
	}
}

func TestCipher_FreshIVPerCall(t *testing.T) {
	c := newTestCipher(t)
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("expected different blobs for identical plaintexts")
	}
}

func TestCipher_DecryptErrors(t *testing.T) {
	c := newTestCipher(t)
	good, _ := c.Encrypt("secret")
	iv, body, _ := strings.Cut(good, ":")

	tampered := []byte(body)
	if tampered[0] == '0' {
		tampered[0] = '1'
	} else {
		tampered[0] = '0'
	}

	tests := []struct {
		name string
		blob string
	}{
		{"no colon", "deadbeef"},
		{"empty body", iv + ":"},
		{"iv not hex", strings.Repeat("z", 32) + ":" + body},
		{"short iv", "abcd:" + body},
		{"body not hex", iv + ":xyz"},
		{"tampered", iv + ":" + string(tampered)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.blob)
			if !IsDecryptionError(err) {
				t.Errorf("expected DecryptionError, got %v", err)
			}
		})
	}
}

func TestCipher_WrongKey(t *testing.T) {
	blob, _ := newTestCipher(t).Encrypt("secret")

	other, err := NewCipher(bytes.Repeat([]byte{0x07}, KeySize))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := other.Decrypt(blob); !IsDecryptionError(err) {
		t.Errorf("expected DecryptionError, got %v", err)
	}
}

func TestLooksEncrypted(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{strings.Repeat("a", 32) + ":" + "ff", true},
		{strings.Repeat("A", 32) + ":" + "FF00", true},
		{strings.Repeat("a", 31) + ":" + "ff", false},
		{strings.Repeat("a", 32) + ":", false},
		{strings.Repeat("a", 32) + ":zz", false},
		{"555-123-4567", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := LooksEncrypted(tt.in); got != tt.want {
			t.Errorf("LooksEncrypted(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadCipher(t *testing.T) {
	validHex := strings.Repeat("ab", KeySize)

	t.Run("valid key", func(t *testing.T) {
		c, err := LoadCipher(validHex, true, zerolog.Nop())
		if err != nil || c == nil {
			t.Fatalf("expected cipher, got %v", err)
		}
	})

	t.Run("empty key in production", func(t *testing.T) {
		_, err := LoadCipher("", true, zerolog.Nop())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})

	t.Run("empty key in development warns", func(t *testing.T) {
		var buf bytes.Buffer
		c, err := LoadCipher("", false, zerolog.New(&buf))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), ActionKeyMisconfiguration) {
			t.Errorf("expected %s warning, got %q", ActionKeyMisconfiguration, buf.String())
		}

		dev, _ := NewCipher(DevelopmentKey())
		blob, _ := c.Encrypt("x")
		if got, err := dev.Decrypt(blob); err != nil || got != "x" {
			t.Errorf("expected development key to be used, got %q, %v", got, err)
		}
	})

	t.Run("not hex", func(t *testing.T) {
		_, err := LoadCipher("not-hex", false, zerolog.Nop())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := LoadCipher("abcd", false, zerolog.Nop())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})
}
