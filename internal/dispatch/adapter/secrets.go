package adapter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// credentialAD binds ciphertexts to this use so a sealed blob lifted from
// another table cannot be opened as an automation credential.
const credentialAD = "zoneflow/automation-credentials"

var ErrBadCiphertext = errors.New("ciphertext is malformed or tampered")

// Keybox seals and opens automation credentials (webhook auth headers, API
// tokens) with AES-256-GCM. The nonce is prepended to the ciphertext and the
// whole blob is base64 encoded for storage in jsonb config columns.
type Keybox struct {
	aead cipher.AEAD
}

// NewKeybox builds a Keybox from a 64-character hex key (32 bytes).
func NewKeybox(hexKey string) (*Keybox, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return &Keybox{aead: aead}, nil
}

func (k *Keybox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), []byte(credentialAD))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *Keybox) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrBadCiphertext
	}
	ns := k.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrBadCiphertext
	}
	plaintext, err := k.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(credentialAD))
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plaintext), nil
}

// OpenConfig returns a copy of the automation config with every value under
// the "credentials" object decrypted in place. A config without credentials
// passes through untouched.
func (k *Keybox) OpenConfig(config map[string]any) (map[string]any, error) {
	creds, ok := config["credentials"].(map[string]any)
	if !ok {
		return config, nil
	}
	out := make(map[string]any, len(config))
	for key, v := range config {
		out[key] = v
	}
	opened := make(map[string]any, len(creds))
	for name, v := range creds {
		sealed, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("credential %q is not a string", name)
		}
		plain, err := k.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential %q: %w", name, err)
		}
		opened[name] = plain
	}
	out["credentials"] = opened
	return out, nil
}
