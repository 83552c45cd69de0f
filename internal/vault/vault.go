// Package vault encrypts session cookies and proxy credentials at rest.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Labels scope derived subkeys so cookie material and proxy credentials are
// sealed under distinct keys. A value sealed under one label does not open
// under another.
const (
	LabelCookies   = "session-cookies"
	LabelProxyCred = "proxy-credentials"
)

const envelopePrefix = "v1:"

// ErrInvalidKey is returned when the master key is missing or not 32 bytes.
var ErrInvalidKey = errors.New("vault: invalid master key")

// ErrInvalidCiphertext is returned when a sealed value cannot be parsed or authenticated.
var ErrInvalidCiphertext = errors.New("vault: invalid ciphertext")

// Vault seals and opens small secrets with ChaCha20-Poly1305.
// Stateless beyond the master key; safe for concurrent use.
type Vault struct {
	master []byte
}

// LoadKey resolves s to raw key bytes. s may be inline hex or a path to a file
// containing hex. Returns ErrInvalidKey if the result is not 32 bytes.
func LoadKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if _, err := os.Stat(s); err == nil {
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(string(b))
	}
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// New returns a Vault sealed with the given 32-byte master key.
func New(master []byte) (*Vault, error) {
	if len(master) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	v := &Vault{master: make([]byte, len(master))}
	copy(v.master, master)
	return v, nil
}

// Seal encrypts plaintext under the subkey for label and returns a printable envelope.
func (v *Vault) Seal(label string, plaintext []byte) (string, error) {
	aead, err := v.aeadFor(label)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return envelopePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal under the same label.
// Returns ErrInvalidCiphertext for malformed input, wrong label, or tampering.
func (v *Vault) Open(label, sealed string) ([]byte, error) {
	if !strings.HasPrefix(sealed, envelopePrefix) {
		return nil, ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, envelopePrefix))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	aead, err := v.aeadFor(label)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func (v *Vault) aeadFor(label string) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}, error) {
	sub := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, v.master, nil, []byte(label))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(sub)
}
