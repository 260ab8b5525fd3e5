package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	r, err := NewRotator(testKey(0x01), 1)
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}

	plaintext := "access-token-abc123"
	ciphertext, err := r.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "v1:") {
		t.Errorf("ciphertext = %q, want a v1: prefix", ciphertext[:8])
	}
	if strings.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := r.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	r, _ := NewRotator(testKey(0x01), 1)
	a, _ := r.Encrypt("secret")
	b, _ := r.Encrypt("secret")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestRejectsBadKeyLength(t *testing.T) {
	if _, err := NewRotator([]byte("short"), 1); err == nil {
		t.Fatal("expected error for short key")
	}
	r, _ := NewRotator(testKey(0x01), 1)
	if err := r.AddPreviousKey([]byte("also short"), 0); err == nil {
		t.Fatal("expected error for short previous key")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	r1, _ := NewRotator(testKey(0x01), 1)
	r2, _ := NewRotator(testKey(0x02), 1)

	ciphertext, err := r1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := r2.Decrypt(ciphertext); err == nil {
		t.Fatal("expected authentication failure with wrong key")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	r, _ := NewRotator(testKey(0x01), 1)
	ciphertext, _ := r.Encrypt("secret")

	raw := []byte(ciphertext)
	if raw[len(raw)-2] == 'A' {
		raw[len(raw)-2] = 'B'
	} else {
		raw[len(raw)-2] = 'A'
	}
	if _, err := r.Decrypt(string(raw)); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestDecryptRequiresVersionPrefix(t *testing.T) {
	r, _ := NewRotator(testKey(0x01), 1)
	for _, ct := range []string{"", "plain", "v:abc", "vx:abc", "1:abc"} {
		if _, err := r.Decrypt(ct); err == nil {
			t.Errorf("Decrypt(%q) succeeded, want error", ct)
		}
	}
}

func TestRotationDecryptsRetiredVersions(t *testing.T) {
	old, _ := NewRotator(testKey(0x01), 1)
	ciphertext, err := old.Encrypt("legacy-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	current, _ := NewRotator(testKey(0x02), 2)
	if err := current.AddPreviousKey(testKey(0x01), 1); err != nil {
		t.Fatalf("AddPreviousKey: %v", err)
	}

	got, err := current.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt old version: %v", err)
	}
	if got != "legacy-token" {
		t.Errorf("got %q", got)
	}

	if !current.NeedsReEncryption(ciphertext) {
		t.Error("v1 ciphertext should need re-encryption under v2")
	}

	reencrypted, err := current.ReEncrypt(ciphertext)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if !strings.HasPrefix(reencrypted, "v2:") {
		t.Errorf("re-encrypted ciphertext = %q, want a v2: prefix", reencrypted[:8])
	}
	if current.NeedsReEncryption(reencrypted) {
		t.Error("freshly re-encrypted ciphertext should not need re-encryption")
	}
}

func TestUnknownVersionFails(t *testing.T) {
	r, _ := NewRotator(testKey(0x01), 2)
	if _, err := r.Decrypt("v9:doesnotmatter"); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("err = %v, want ErrUnknownKeyVersion", err)
	}
}
