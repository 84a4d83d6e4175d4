// Package vault seals and opens broker credential envelopes.
//
// An envelope is base64(JSON{nonce, ciphertext, tag}) where each field is
// itself base64. The key is a process-wide 32-byte secret; a Vault is safe
// for concurrent use because the AEAD holds no mutable state.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// Supported ciphers.
const (
	CipherAESGCM           = "aes-256-gcm"
	CipherChaCha20Poly1305 = "chacha20-poly1305"
)

// ErrTampered is returned when an envelope fails authentication.
var ErrTampered = errors.New("vault: envelope authentication failed")

type envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Vault seals values with an AEAD cipher.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64-encoded 32-byte key. An empty cipher name
// selects AES-256-GCM.
func New(encodedKey, cipherName string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("vault: decoding key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be base64-encoded %d bytes, got %d", KeySize, len(key))
	}

	var aead cipher.AEAD
	switch strings.ToLower(cipherName) {
	case "", CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
	case CipherChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
	default:
		return nil, fmt.Errorf("vault: unsupported cipher %q", cipherName)
	}
	return &Vault{aead: aead}, nil
}

// Seal JSON-encodes v and returns the encrypted envelope.
func (v *Vault) Seal(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("vault: encoding value: %w", err)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - v.aead.Overhead()
	env := envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("vault: encoding envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Open decrypts an envelope into out. A modified envelope or a different
// key yields ErrTampered.
func (v *Vault) Open(encoded string, out any) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("vault: decoding envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("vault: parsing envelope: %w", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return fmt.Errorf("vault: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return fmt.Errorf("vault: decoding ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return fmt.Errorf("vault: decoding tag: %w", err)
	}
	if len(nonce) != v.aead.NonceSize() || len(tag) != v.aead.Overhead() {
		return ErrTampered
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return ErrTampered
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("vault: decoding value: %w", err)
	}
	return nil
}
