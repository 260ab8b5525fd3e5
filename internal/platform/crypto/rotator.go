// Package crypto encrypts provider token material at rest with AES-256-GCM
// under versioned keys, so a key rotation never strands stored ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownKeyVersion means a ciphertext names a key version the rotator
// does not hold.
var ErrUnknownKeyVersion = errors.New("unknown key version")

// Rotator holds one writing key and any number of retired decryption keys,
// each addressed by version. Every ciphertext carries a "v{n}:" prefix
// naming the key that sealed it; writes always use the current version.
type Rotator struct {
	mu      sync.RWMutex
	keys    map[int]cipher.AEAD
	current int
}

// NewRotator creates a rotator writing with the given 32-byte key under the
// given version.
func NewRotator(key []byte, version int) (*Rotator, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("rotator: current key: %w", err)
	}
	return &Rotator{
		keys:    map[int]cipher.AEAD{version: aead},
		current: version,
	}, nil
}

// AddPreviousKey registers a retired key for decryption only.
func (r *Rotator) AddPreviousKey(key []byte, version int) error {
	aead, err := newAEAD(key)
	if err != nil {
		return fmt.Errorf("rotator: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[version] = aead
	return nil
}

// CurrentVersion returns the version new ciphertext is written under.
func (r *Rotator) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Encrypt seals the plaintext under the current key. The result is
// "v{n}:" followed by base64(nonce || ciphertext).
func (r *Rotator) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	aead, version := r.keys[r.current], r.current
	r.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return "v" + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a versioned ciphertext with the key its prefix names.
func (r *Rotator) Decrypt(ciphertext string) (string, error) {
	version, payload, err := splitVersion(ciphertext)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	aead, ok := r.keys[version]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decrypt: base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", errors.New("decrypt: ciphertext too short")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// NeedsReEncryption reports whether the ciphertext was sealed under a
// version other than the current one.
func (r *Rotator) NeedsReEncryption(ciphertext string) bool {
	version, _, err := splitVersion(ciphertext)
	if err != nil {
		return true
	}
	return version != r.CurrentVersion()
}

// ReEncrypt opens a ciphertext with whichever key sealed it and seals the
// plaintext again under the current key.
func (r *Rotator) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func splitVersion(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, "", errors.New("ciphertext missing version prefix")
	}
	verStr, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", errors.New("ciphertext missing version separator")
	}
	version, err := strconv.Atoi(verStr)
	if err != nil {
		return 0, "", fmt.Errorf("ciphertext version: %w", err)
	}
	return version, payload, nil
}
