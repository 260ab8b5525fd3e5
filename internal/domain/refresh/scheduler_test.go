package refresh

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/authflow"
	"github.com/carelink/carelink/internal/domain/connection"
	"github.com/carelink/carelink/internal/domain/provider"
	"github.com/carelink/carelink/internal/domain/webhook"
	"github.com/carelink/carelink/internal/platform/crypto"
)

type refreshOutcome struct {
	grant *authflow.TokenGrant
	err   error
}

// fakeRefresher returns a scripted outcome per refresh token.
type fakeRefresher struct {
	mu       sync.Mutex
	outcomes map[string]refreshOutcome
	calls    map[string]int
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{
		outcomes: make(map[string]refreshOutcome),
		calls:    make(map[string]int),
	}
}

func (r *fakeRefresher) Refresh(_ context.Context, _ provider.Config, refreshToken string) (*authflow.TokenGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[refreshToken]++
	out, ok := r.outcomes[refreshToken]
	if !ok {
		return nil, fmt.Errorf("unexpected refresh token %q", refreshToken)
	}
	return out.grant, out.err
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
	owners []string
}

func (p *fakePublisher) Dispatch(_ context.Context, eventType, owner string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	p.owners = append(p.owners, owner)
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, refresher Refresher) (*Scheduler, *connection.Vault, *fakePublisher, *audit.MemoryRecorder) {
	t.Helper()
	cipher, err := crypto.NewRotator([]byte("0123456789abcdef0123456789abcdef"), 1)
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	vault := connection.NewVault(connection.NewInMemoryRepo(), cipher, zerolog.Nop())
	reg, err := provider.NewRegistry([]provider.Config{{
		ID:           "epic",
		DisplayName:  "Epic",
		Category:     provider.CategoryEMR,
		FHIRBaseURL:  "https://fhir.example.com",
		AuthorizeURL: "https://auth.example.com/authorize",
		TokenURL:     "https://auth.example.com/token",
		AuthStyle:    provider.AuthStylePKCE,
		ClientID:     "client",
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	events := &fakePublisher{}
	auditor := audit.NewMemoryRecorder()
	s := NewScheduler(vault, reg, refresher, events, auditor, time.Minute, 15*time.Minute, zerolog.Nop())
	return s, vault, events, auditor
}

func storeConn(t *testing.T, vault *connection.Vault, subject, providerID, refreshToken string, expiresAt time.Time) *connection.Connection {
	t.Helper()
	conn, err := vault.Store(context.Background(), connection.StoreInput{
		Subject:           subject,
		ProviderID:        providerID,
		ExternalPatientID: "pat-" + subject,
		AccessToken:       "access-" + subject,
		RefreshToken:      refreshToken,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	return conn
}

func TestTickRefreshesDueConnections(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.outcomes["rt-due"] = refreshOutcome{grant: &authflow.TokenGrant{
		AccessToken:  "access-new",
		RefreshToken: "rt-rotated",
		ExpiresIn:    3600,
	}}

	s, vault, events, auditor := newTestScheduler(t, refresher)
	due := storeConn(t, vault, "u1", "epic", "rt-due", time.Now().Add(5*time.Minute))
	fresh := storeConn(t, vault, "u2", "epic", "rt-fresh", time.Now().Add(24*time.Hour))

	s.Tick(context.Background())

	if refresher.calls["rt-due"] != 1 {
		t.Errorf("due connection refreshed %d times, want 1", refresher.calls["rt-due"])
	}
	if refresher.calls["rt-fresh"] != 0 {
		t.Error("fresh connection was refreshed")
	}

	view, err := vault.View(context.Background(), due.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.AccessToken != "access-new" || view.RefreshToken != "rt-rotated" {
		t.Errorf("grant = %q/%q, want the refreshed pair", view.AccessToken, view.RefreshToken)
	}

	stored, _ := vault.Get(context.Background(), due.ID)
	if stored.LastRefreshedAt == nil {
		t.Error("LastRefreshedAt not set")
	}
	untouched, _ := vault.Get(context.Background(), fresh.ID)
	if untouched.LastRefreshedAt != nil {
		t.Error("fresh connection was rewritten")
	}

	if events.count(webhook.EventConnectionRefreshed) != 1 {
		t.Errorf("connection.refreshed events = %d, want 1", events.count(webhook.EventConnectionRefreshed))
	}
	entries := auditor.Entries()
	if len(entries) != 1 || entries[0].Action != audit.ActionTokenRefreshed {
		t.Errorf("audit = %+v, want one token.refreshed", entries)
	}
}

func TestTickPreservesRefreshTokenWhenNotRotated(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.outcomes["rt-keep"] = refreshOutcome{grant: &authflow.TokenGrant{
		AccessToken: "access-new",
		ExpiresIn:   3600,
	}}

	s, vault, _, _ := newTestScheduler(t, refresher)
	conn := storeConn(t, vault, "u1", "epic", "rt-keep", time.Now().Add(5*time.Minute))

	s.Tick(context.Background())

	view, err := vault.View(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.RefreshToken != "rt-keep" {
		t.Errorf("RefreshToken = %q, want the original preserved", view.RefreshToken)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.outcomes["rt-ok"] = refreshOutcome{grant: &authflow.TokenGrant{
		AccessToken: "access-new",
		ExpiresIn:   3600,
	}}
	refresher.outcomes["rt-rejected"] = refreshOutcome{
		err: fmt.Errorf("%w: provider returned status 400", authflow.ErrTokenExchangeFailed),
	}

	s, vault, events, auditor := newTestScheduler(t, refresher)
	ok := storeConn(t, vault, "u1", "epic", "rt-ok", time.Now().Add(5*time.Minute))
	rejected := storeConn(t, vault, "u2", "epic", "rt-rejected", time.Now().Add(5*time.Minute))

	s.Tick(context.Background())

	okConn, _ := vault.Get(context.Background(), ok.ID)
	if okConn.Status != connection.StatusActive || okConn.LastRefreshedAt == nil {
		t.Errorf("healthy connection = %s, want refreshed and active", okConn.Status)
	}

	rejConn, _ := vault.Get(context.Background(), rejected.ID)
	if rejConn.Status != connection.StatusReauthRequired {
		t.Errorf("rejected connection status = %s, want reauth_required", rejConn.Status)
	}

	if events.count(webhook.EventConnectionReauth) != 1 {
		t.Errorf("reauth events = %d, want 1", events.count(webhook.EventConnectionReauth))
	}
	for i, e := range events.events {
		if e == webhook.EventConnectionReauth && events.owners[i] != "u2" {
			t.Errorf("reauth event owner = %q, want the connection's subject", events.owners[i])
		}
	}

	var failures int
	for _, e := range auditor.Entries() {
		if e.Action == audit.ActionTokenRefreshFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("token.refresh_failed entries = %d, want 1", failures)
	}
}

func TestTickProviderOutageIsNotTerminal(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.outcomes["rt-outage"] = refreshOutcome{
		err: &authflow.ExchangeError{Status: http.StatusServiceUnavailable},
	}

	s, vault, events, _ := newTestScheduler(t, refresher)
	conn := storeConn(t, vault, "u1", "epic", "rt-outage", time.Now().Add(5*time.Minute))

	s.Tick(context.Background())

	stored, _ := vault.Get(context.Background(), conn.ID)
	if stored.Status != connection.StatusActive {
		t.Errorf("status = %s, want active after a 503 from the token endpoint", stored.Status)
	}
	if events.count(webhook.EventConnectionReauth) != 0 {
		t.Error("a provider outage published a reauth event")
	}

	// The connection stays due and is retried.
	s.Tick(context.Background())
	if refresher.calls["rt-outage"] != 2 {
		t.Errorf("calls = %d, want the connection retried after the outage", refresher.calls["rt-outage"])
	}
}

func TestTickTransientFailureLeavesConnectionActive(t *testing.T) {
	refresher := newFakeRefresher()
	refresher.outcomes["rt-flaky"] = refreshOutcome{
		err: fmt.Errorf("token endpoint unreachable: connection refused"),
	}

	s, vault, events, _ := newTestScheduler(t, refresher)
	conn := storeConn(t, vault, "u1", "epic", "rt-flaky", time.Now().Add(5*time.Minute))

	s.Tick(context.Background())

	stored, _ := vault.Get(context.Background(), conn.ID)
	if stored.Status != connection.StatusActive {
		t.Errorf("status = %s, want active after a transient failure", stored.Status)
	}
	if events.count(webhook.EventConnectionReauth) != 0 {
		t.Error("transient failure published a reauth event")
	}

	// Still due on the next tick.
	s.Tick(context.Background())
	if refresher.calls["rt-flaky"] != 2 {
		t.Errorf("calls = %d, want the connection retried", refresher.calls["rt-flaky"])
	}
}

func TestTickSkipsVanishedProvider(t *testing.T) {
	refresher := newFakeRefresher()
	s, vault, _, auditor := newTestScheduler(t, refresher)
	conn := storeConn(t, vault, "u1", "ghost-emr", "rt-ghost", time.Now().Add(5*time.Minute))

	s.Tick(context.Background())

	if len(refresher.calls) != 0 {
		t.Error("refresh attempted for a provider missing from the catalog")
	}
	stored, _ := vault.Get(context.Background(), conn.ID)
	if stored.Status != connection.StatusActive {
		t.Errorf("status = %s, want untouched", stored.Status)
	}

	entries := auditor.Entries()
	if len(entries) != 1 || entries[0].Action != audit.ActionTokenRefreshSkipped {
		t.Fatalf("audit = %+v, want one token.refresh_skipped", entries)
	}
	if entries[0].ProviderID != "ghost-emr" {
		t.Errorf("audit provider = %q", entries[0].ProviderID)
	}
}
