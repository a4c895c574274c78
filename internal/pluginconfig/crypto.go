// Package pluginconfig stores versioned per-plugin configuration blobs
// in the plugin_config table, with marked secret fields encrypted at
// rest using AES-256-GCM.
package pluginconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // AES-GCM standard nonce size

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	// encPrefix marks an encrypted string value inside a stored payload.
	encPrefix = "enc:"
)

// keyContext salts passphrase-derived keys so the same passphrase used
// elsewhere yields a different key here.
var keyContext = []byte("coreplane-plugin-config-v1")

var errKeyMissing = errors.New("plugin config encryption key is not configured")

// Codec encrypts and decrypts secret fields.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from the configured secret. A 64-character hex
// string is used as the key directly; anything else is treated as a
// passphrase and run through Argon2id.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errKeyMissing
	}
	var key []byte
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == keyLen {
		key = raw
	} else {
		key = argon2.IDKey([]byte(secret), keyContext, argonTime, argonMemory, argonThreads, keyLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// EncryptString seals a secret value as "enc:<base64(nonce||ct+tag)>".
func (c *Codec) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a sealed value. Values without the marker pass
// through unchanged, so partially migrated payloads still read.
func (c *Codec) DecryptString(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(value[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(sealed) < nonceLen {
		return "", errors.New("sealed value too short")
	}
	plain, err := c.aead.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

// GenerateKey returns a random hex key suitable for secrets.key. Used
// when no key is configured; values sealed under it do not survive a
// restart.
func GenerateKey() string {
	raw := make([]byte, keyLen)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}

// IsEncrypted reports whether a value carries the encryption marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}
