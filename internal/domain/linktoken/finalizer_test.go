package linktoken

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/authflow"
	"github.com/carelink/carelink/internal/domain/connection"
	"github.com/carelink/carelink/internal/domain/webhook"
	"github.com/carelink/carelink/internal/platform/crypto"
)

type capturedEvent struct {
	eventType string
	owner     string
	data      interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *fakePublisher) Dispatch(_ context.Context, eventType, owner string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{eventType, owner, data})
}

func newTestFinalizer(t *testing.T) (*Finalizer, *Service, *connection.Vault, *fakePublisher, *audit.MemoryRecorder) {
	t.Helper()
	cipher, err := crypto.NewRotator([]byte("0123456789abcdef0123456789abcdef"), 1)
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	vault := connection.NewVault(connection.NewInMemoryRepo(), cipher, zerolog.Nop())
	tokens := NewService(NewInMemoryWidgetRepo(), NewInMemoryPublicRepo(), 10*time.Minute, 5*time.Minute, zerolog.Nop())
	events := &fakePublisher{}
	auditor := audit.NewMemoryRecorder()
	return NewFinalizer(vault, tokens, events, auditor, zerolog.Nop()), tokens, vault, events, auditor
}

func testState(widgetTokenID *uuid.UUID) *authflow.State {
	now := time.Now().UTC()
	return &authflow.State{
		ID:            uuid.New(),
		ProviderID:    "epic",
		WidgetTokenID: widgetTokenID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(10 * time.Minute),
	}
}

func testGrant() *authflow.TokenGrant {
	return &authflow.TokenGrant{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		Scope:        "patient/*.read",
		Patient:      "pat-42",
	}
}

func TestFinalizeCreatesConnectionAndPublicToken(t *testing.T) {
	f, tokens, vault, events, auditor := newTestFinalizer(t)
	ctx := context.Background()

	_, wt, err := tokens.MintWidgetToken(ctx, "user-9", nil)
	if err != nil {
		t.Fatalf("MintWidgetToken: %v", err)
	}

	result, err := f.Finalize(ctx, testState(&wt.ID), testGrant())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	conn, err := vault.Get(ctx, result.ConnectionID)
	if err != nil {
		t.Fatalf("Get connection: %v", err)
	}
	if conn.Subject != "user-9" {
		t.Errorf("Subject = %q, want the widget token's subject", conn.Subject)
	}
	if conn.ProviderID != "epic" || conn.ExternalPatientID != "pat-42" {
		t.Errorf("connection identity = %s/%s", conn.ProviderID, conn.ExternalPatientID)
	}
	if conn.Status != connection.StatusActive {
		t.Errorf("Status = %s", conn.Status)
	}

	view, err := vault.View(ctx, conn.ID)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.AccessToken != "access-1" || view.RefreshToken != "refresh-1" {
		t.Errorf("stored grant = %q/%q", view.AccessToken, view.RefreshToken)
	}

	pt, err := tokens.ExchangePublicToken(ctx, result.PublicToken)
	if err != nil {
		t.Fatalf("ExchangePublicToken: %v", err)
	}
	if pt.ConnectionID != conn.ID {
		t.Errorf("public token connection = %s, want %s", pt.ConnectionID, conn.ID)
	}

	if len(events.events) != 1 || events.events[0].eventType != webhook.EventConnectionCreated {
		t.Errorf("events = %+v, want one connection.created", events.events)
	} else if events.events[0].owner != "user-9" {
		t.Errorf("event owner = %q, want the connection's subject", events.events[0].owner)
	}

	entries := auditor.Entries()
	if len(entries) != 1 || entries[0].Action != audit.ActionAuthorizationGranted {
		t.Fatalf("audit entries = %+v, want one authorization.granted", entries)
	}
	if entries[0].Subject != "user-9" {
		t.Errorf("audit subject = %q", entries[0].Subject)
	}
}

func TestFinalizeConsumesWidgetTokenOnce(t *testing.T) {
	f, tokens, _, _, _ := newTestFinalizer(t)
	ctx := context.Background()

	_, wt, err := tokens.MintWidgetToken(ctx, "user-9", nil)
	if err != nil {
		t.Fatalf("MintWidgetToken: %v", err)
	}

	if _, err := f.Finalize(ctx, testState(&wt.ID), testGrant()); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if _, err := f.Finalize(ctx, testState(&wt.ID), testGrant()); err == nil {
		t.Error("second Finalize reused a consumed widget token")
	}
}

func TestFinalizeCarriesWidgetTokenProducts(t *testing.T) {
	f, tokens, vault, _, _ := newTestFinalizer(t)
	ctx := context.Background()

	_, wt, err := tokens.MintWidgetToken(ctx, "user-9", []string{"Condition", "Coverage"})
	if err != nil {
		t.Fatalf("MintWidgetToken: %v", err)
	}

	result, err := f.Finalize(ctx, testState(&wt.ID), testGrant())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	conn, _ := vault.Get(ctx, result.ConnectionID)
	if len(conn.Products) != 2 || conn.Products[0] != "Condition" || conn.Products[1] != "Coverage" {
		t.Errorf("Products = %v, want the widget token's scope on the connection", conn.Products)
	}
}

func TestFinalizeWithoutWidgetToken(t *testing.T) {
	f, _, vault, _, _ := newTestFinalizer(t)
	ctx := context.Background()

	result, err := f.Finalize(ctx, testState(nil), testGrant())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	conn, _ := vault.Get(ctx, result.ConnectionID)
	if conn.Subject != anonymousSubject {
		t.Errorf("Subject = %q, want %q", conn.Subject, anonymousSubject)
	}
}

func TestFinalizePatientFallback(t *testing.T) {
	f, _, vault, _, _ := newTestFinalizer(t)
	ctx := context.Background()

	st := testState(nil)
	grant := testGrant()
	grant.Patient = ""

	result, err := f.Finalize(ctx, st, grant)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	conn, _ := vault.Get(ctx, result.ConnectionID)
	if conn.ExternalPatientID != st.ID.String() {
		t.Errorf("ExternalPatientID = %q, want the state id fallback", conn.ExternalPatientID)
	}
}
