package authflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GeneratePKCE generates a PKCE code verifier and its S256 challenge. The
// verifier is 32 random bytes, base64url encoded without padding; the
// challenge is the base64url SHA-256 digest of the verifier string.
func GeneratePKCE() (codeVerifier, codeChallenge string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate code verifier: %w", err)
	}
	codeVerifier = base64.RawURLEncoding.EncodeToString(b)
	codeChallenge = ComputeS256Challenge(codeVerifier)
	return codeVerifier, codeChallenge, nil
}

// ComputeS256Challenge derives the S256 code challenge for a verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
