// Package credentials seals credential fields whose names look sensitive
// and redacts credential values before they reach clients.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	masterKeyLen = 32
	// Redacted replaces credential values in anything returned to clients.
	Redacted = "[REDACTED]"
	// cipherPrefix marks values produced by Encrypt.
	cipherPrefix = "enc:v1:"
)

var (
	sensitivePattern = regexp.MustCompile(`(?i)api[_-]?key|token|secret|password|credential|auth`)

	// ErrInvalidKey is returned when the master key has the wrong length.
	ErrInvalidKey = errors.New("credentials: invalid master key")
	// ErrMalformedCiphertext is returned for values that cannot be decrypted.
	ErrMalformedCiphertext = errors.New("credentials: malformed ciphertext")
)

// IsSensitive reports whether a field name matches the sensitivity pattern.
func IsSensitive(name string) bool {
	return sensitivePattern.MatchString(name)
}

// Codec encrypts and decrypts the sensitive fields of a credential map.
// Non-sensitive fields pass through unchanged.
type Codec interface {
	Encrypt(fields map[string]string) (map[string]string, error)
	Decrypt(fields map[string]string) (map[string]string, error)
}

// AESCodec is an AES-256-GCM Codec keyed by a persisted master key.
type AESCodec struct {
	gcm cipher.AEAD
}

// LoadOrCreate reads the master key at keyPath, generating and persisting one
// when the file does not exist.
func LoadOrCreate(keyPath string) (*AESCodec, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		return NewAESCodec(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("credentials: read master key: %w", err)
	}

	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credentials: generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("credentials: write master key: %w", err)
	}
	return NewAESCodec(key)
}

// NewAESCodec builds a codec from a 32-byte key.
func NewAESCodec(key []byte) (*AESCodec, error) {
	if len(key) != masterKeyLen {
		return nil, fmt.Errorf("%w: length %d (expected %d)", ErrInvalidKey, len(key), masterKeyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: create GCM: %w", err)
	}
	return &AESCodec{gcm: gcm}, nil
}

// Encrypt returns a copy of fields with sensitive values sealed. Values that
// are already sealed are left alone.
func (c *AESCodec) Encrypt(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if !IsSensitive(k) || strings.HasPrefix(v, cipherPrefix) {
			out[k] = v
			continue
		}
		sealed, err := c.seal([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("credentials: encrypt %s: %w", k, err)
		}
		out[k] = sealed
	}
	return out, nil
}

// Decrypt returns a copy of fields with sealed values opened.
func (c *AESCodec) Decrypt(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if !strings.HasPrefix(v, cipherPrefix) {
			out[k] = v
			continue
		}
		plain, err := c.open(v)
		if err != nil {
			return nil, fmt.Errorf("credentials: decrypt %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

func (c *AESCodec) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ct := c.gcm.Seal(nonce, nonce, plaintext, nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

func (c *AESCodec) open(value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	plain, err := c.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return string(plain), nil
}

var _ Codec = (*AESCodec)(nil)
