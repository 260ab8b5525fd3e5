package linktoken

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestService(widgetTTL, publicTTL time.Duration) *Service {
	return NewService(NewInMemoryWidgetRepo(), NewInMemoryPublicRepo(), widgetTTL, publicTTL, zerolog.Nop())
}

func TestWidgetTokenLifecycle(t *testing.T) {
	s := newTestService(10*time.Minute, 5*time.Minute)
	ctx := context.Background()

	token, wt, err := s.MintWidgetToken(ctx, "user-1", []string{"Condition", "Observation"})
	if err != nil {
		t.Fatalf("MintWidgetToken: %v", err)
	}
	if !strings.HasPrefix(token, "wt_") {
		t.Errorf("token = %q, want wt_ prefix", token)
	}
	if wt.TokenHash == token || strings.Contains(wt.TokenHash, token) {
		t.Error("repository stores the token secret instead of its digest")
	}

	id, err := s.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != wt.ID {
		t.Errorf("Resolve id = %s, want %s", id, wt.ID)
	}

	// Resolve does not consume; the flow can be re-opened until it finishes.
	if _, err := s.Resolve(ctx, token); err != nil {
		t.Errorf("second Resolve: %v", err)
	}

	consumed, err := s.ConsumeWidgetToken(ctx, wt.ID)
	if err != nil {
		t.Fatalf("ConsumeWidgetToken: %v", err)
	}
	if consumed.Subject != "user-1" {
		t.Errorf("Subject = %q", consumed.Subject)
	}
	if len(consumed.Products) != 2 || consumed.Products[0] != "Condition" {
		t.Errorf("Products = %v, want the minted scope carried through", consumed.Products)
	}

	if _, err := s.ConsumeWidgetToken(ctx, wt.ID); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second consume: err = %v, want ErrInvalidToken", err)
	}
	if _, err := s.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resolve after consume: err = %v, want ErrInvalidToken", err)
	}
}

func TestWidgetTokenExpiry(t *testing.T) {
	s := newTestService(-time.Minute, 5*time.Minute)
	ctx := context.Background()

	token, wt, err := s.MintWidgetToken(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("MintWidgetToken: %v", err)
	}
	if _, err := s.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Resolve expired: err = %v, want ErrInvalidToken", err)
	}
	if _, err := s.ConsumeWidgetToken(ctx, wt.ID); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Consume expired: err = %v, want ErrInvalidToken", err)
	}
}

func TestResolveRejectsMalformedTokens(t *testing.T) {
	s := newTestService(10*time.Minute, 5*time.Minute)
	for _, token := range []string{"", "wt_", "pt_abc", "garbage"} {
		if _, err := s.Resolve(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Resolve(%q): err = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestPublicTokenSingleUse(t *testing.T) {
	s := newTestService(10*time.Minute, 5*time.Minute)
	ctx := context.Background()
	connID := uuid.New()

	token, _, err := s.MintPublicToken(ctx, connID)
	if err != nil {
		t.Fatalf("MintPublicToken: %v", err)
	}
	if !strings.HasPrefix(token, "pt_") {
		t.Errorf("token = %q, want pt_ prefix", token)
	}

	pt, err := s.ExchangePublicToken(ctx, token)
	if err != nil {
		t.Fatalf("ExchangePublicToken: %v", err)
	}
	if pt.ConnectionID != connID {
		t.Errorf("ConnectionID = %s, want %s", pt.ConnectionID, connID)
	}

	if _, err := s.ExchangePublicToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second exchange: err = %v, want ErrInvalidToken", err)
	}
}

func TestPublicTokenConcurrentExchange(t *testing.T) {
	s := newTestService(10*time.Minute, 5*time.Minute)
	ctx := context.Background()

	token, _, err := s.MintPublicToken(ctx, uuid.New())
	if err != nil {
		t.Fatalf("MintPublicToken: %v", err)
	}

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ExchangePublicToken(ctx, token); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestPublicTokenExpiry(t *testing.T) {
	s := newTestService(10*time.Minute, -time.Minute)
	ctx := context.Background()

	token, _, err := s.MintPublicToken(ctx, uuid.New())
	if err != nil {
		t.Fatalf("MintPublicToken: %v", err)
	}
	if _, err := s.ExchangePublicToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("exchange expired: err = %v, want ErrInvalidToken", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	widgets := NewInMemoryWidgetRepo()
	publics := NewInMemoryPublicRepo()
	s := NewService(widgets, publics, -time.Minute, -time.Minute, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := s.MintWidgetToken(ctx, "user-1", nil); err != nil {
		t.Fatalf("MintWidgetToken: %v", err)
	}
	if _, _, err := s.MintPublicToken(ctx, uuid.New()); err != nil {
		t.Fatalf("MintPublicToken: %v", err)
	}

	s.PurgeExpired(ctx)

	if n, _ := widgets.DeleteExpired(ctx, time.Now().UTC()); n != 0 {
		t.Errorf("widget tokens left after purge: %d", n)
	}
	if n, _ := publics.DeleteExpired(ctx, time.Now().UTC()); n != 0 {
		t.Errorf("public tokens left after purge: %d", n)
	}
}
