package connection

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/crypto"
)

func newTestVault(t *testing.T) (*Vault, *InMemoryRepo) {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	cipher, err := crypto.NewRotator(key, 1)
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	repo := NewInMemoryRepo()
	return NewVault(repo, cipher, zerolog.Nop()), repo
}

func storeTestGrant(t *testing.T, v *Vault, refreshToken string, expiresAt time.Time) *Connection {
	t.Helper()
	conn, err := v.Store(context.Background(), StoreInput{
		Subject:           "user-1",
		ProviderID:        "epic",
		ExternalPatientID: "pat-1",
		Scope:             "patient/*.read",
		AccessToken:       "access-secret",
		RefreshToken:      refreshToken,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	return conn
}

func TestVaultStoreEncryptsAtRest(t *testing.T) {
	v, repo := newTestVault(t)
	conn := storeTestGrant(t, v, "refresh-secret", time.Now().Add(time.Hour))

	stored, err := repo.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if strings.Contains(stored.AccessTokenCiphertext, "access-secret") {
		t.Error("access token stored in plaintext")
	}
	if strings.Contains(stored.RefreshTokenCiphertext, "refresh-secret") {
		t.Error("refresh token stored in plaintext")
	}
	if !strings.HasPrefix(stored.AccessTokenCiphertext, "v1:") {
		t.Errorf("ciphertext missing key version prefix: %q", stored.AccessTokenCiphertext[:8])
	}

	view, err := v.View(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.AccessToken != "access-secret" || view.RefreshToken != "refresh-secret" {
		t.Errorf("decrypted view = %q/%q", view.AccessToken, view.RefreshToken)
	}
}

func TestVaultCiphertextsNeverSerialize(t *testing.T) {
	v, _ := newTestVault(t)
	conn := storeTestGrant(t, v, "refresh-secret", time.Now().Add(time.Hour))

	b, err := json.Marshal(conn)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(b), "Ciphertext") || strings.Contains(string(b), conn.AccessTokenCiphertext) {
		t.Errorf("connection JSON leaks ciphertext: %s", b)
	}
}

func TestVaultUpsertLastWriterWins(t *testing.T) {
	v, _ := newTestVault(t)
	first := storeTestGrant(t, v, "refresh-1", time.Now().Add(time.Hour))

	second, err := v.Store(context.Background(), StoreInput{
		Subject:           "user-1",
		ProviderID:        "epic",
		ExternalPatientID: "pat-1",
		AccessToken:       "access-2",
		RefreshToken:      "refresh-2",
		ExpiresAt:         time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("re-authorization created a new connection: %s vs %s", second.ID, first.ID)
	}

	view, err := v.View(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.AccessToken != "access-2" || view.RefreshToken != "refresh-2" {
		t.Errorf("surviving grant = %q/%q, want the later writer's", view.AccessToken, view.RefreshToken)
	}
}

func TestVaultAccessTokenValid(t *testing.T) {
	v, _ := newTestVault(t)
	conn := storeTestGrant(t, v, "refresh-secret", time.Now().Add(time.Hour))

	view, _, err := v.AccessToken(context.Background(), conn.ID, time.Now())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if view.AccessToken != "access-secret" {
		t.Errorf("AccessToken = %q", view.AccessToken)
	}
	if view.ExpiredAt(time.Now()) {
		t.Error("fresh grant reported expired")
	}
}

func TestVaultAccessTokenExpiredWithRefresh(t *testing.T) {
	v, _ := newTestVault(t)
	conn := storeTestGrant(t, v, "refresh-secret", time.Now().Add(-time.Minute))

	view, got, err := v.AccessToken(context.Background(), conn.ID, time.Now())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if !view.ExpiredAt(time.Now()) {
		t.Error("expired grant not reported expired")
	}
	if view.RefreshToken != "refresh-secret" {
		t.Error("refresh token missing from expired view")
	}
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active while refreshable", got.Status)
	}
}

func TestVaultAccessTokenExpiredWithoutRefresh(t *testing.T) {
	v, repo := newTestVault(t)
	conn := storeTestGrant(t, v, "", time.Now().Add(-time.Minute))

	_, _, err := v.AccessToken(context.Background(), conn.ID, time.Now())
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("err = %v, want ErrReauthorizationRequired", err)
	}

	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if stored.Status != StatusReauthRequired {
		t.Errorf("status = %s, want reauth_required", stored.Status)
	}

	// Once downgraded, further reads fail without touching ciphertexts.
	if _, _, err := v.AccessToken(context.Background(), conn.ID, time.Now()); !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("second read: err = %v, want ErrReauthorizationRequired", err)
	}
}

func TestVaultStoreRefreshedTokensPreservesRefreshToken(t *testing.T) {
	v, _ := newTestVault(t)
	conn := storeTestGrant(t, v, "refresh-original", time.Now().Add(-time.Minute))

	// Provider did not rotate the refresh token.
	newExpiry := time.Now().Add(time.Hour).UTC()
	if err := v.StoreRefreshedTokens(context.Background(), conn, "access-new", "", newExpiry); err != nil {
		t.Fatalf("StoreRefreshedTokens: %v", err)
	}

	view, err := v.View(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.AccessToken != "access-new" {
		t.Errorf("AccessToken = %q, want access-new", view.AccessToken)
	}
	if view.RefreshToken != "refresh-original" {
		t.Errorf("RefreshToken = %q, want the preserved original", view.RefreshToken)
	}

	stored, _ := v.Get(context.Background(), conn.ID)
	if stored.LastRefreshedAt == nil {
		t.Error("LastRefreshedAt not set")
	}
	if !stored.TokenExpiresAt.Equal(newExpiry) {
		t.Errorf("TokenExpiresAt = %v, want %v", stored.TokenExpiresAt, newExpiry)
	}
}

func TestVaultDueForRefresh(t *testing.T) {
	v, _ := newTestVault(t)
	now := time.Now().UTC()

	soon := storeTestGrant(t, v, "refresh-soon", now.Add(5*time.Minute))

	// Expires far in the future: not due.
	if _, err := v.Store(context.Background(), StoreInput{
		Subject: "user-2", ProviderID: "epic", ExternalPatientID: "pat-2",
		AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// No refresh token: never due.
	if _, err := v.Store(context.Background(), StoreInput{
		Subject: "user-3", ProviderID: "epic", ExternalPatientID: "pat-3",
		AccessToken: "a", ExpiresAt: now.Add(5 * time.Minute),
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	due, err := v.DueForRefresh(context.Background(), now, 15*time.Minute)
	if err != nil {
		t.Fatalf("DueForRefresh: %v", err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Fatalf("due = %d connections, want exactly the soon-expiring one", len(due))
	}
}

func TestVaultDisconnectBlocksAccess(t *testing.T) {
	v, _ := newTestVault(t)
	conn := storeTestGrant(t, v, "refresh-secret", time.Now().Add(time.Hour))

	if err := v.Disconnect(context.Background(), conn.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, _, err := v.AccessToken(context.Background(), conn.ID, time.Now()); !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("err = %v, want ErrReauthorizationRequired after disconnect", err)
	}
}
