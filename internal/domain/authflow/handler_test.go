package authflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type fakeFinalizer struct {
	calls  int
	result *FinalizationResult
	err    error
}

func (f *fakeFinalizer) Finalize(_ context.Context, _ *State, _ *TokenGrant) (*FinalizationResult, error) {
	f.calls++
	return f.result, f.err
}

func newFlowServer(t *testing.T, tokenURL string, finalizer *fakeFinalizer) (*echo.Echo, *Engine) {
	t.Helper()
	eng, _ := newTestEngine(t, tokenURL)
	h := NewHandler(eng, finalizer, nil, zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e.Group("/v1"))
	return e, eng
}

func TestConnectRedirectsToProvider(t *testing.T) {
	e, _ := newFlowServer(t, "https://unused.example.com/token", &fakeFinalizer{})

	req := httptest.NewRequest(http.MethodGet, "/v1/connect/epic?return_url=https://app.example.com/done", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://fhir.epic.example.com/oauth2/authorize?") {
		t.Errorf("Location = %q", loc)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("Location does not parse: %v", err)
	}
	if u.Query().Get("code_challenge_method") != "S256" {
		t.Error("redirect missing PKCE challenge method")
	}
}

func TestConnectJSONAndErrors(t *testing.T) {
	e, _ := newFlowServer(t, "https://unused.example.com/token", &fakeFinalizer{})

	req := httptest.NewRequest(http.MethodGet, "/v1/connect/epic", nil)
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for JSON clients", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["authorization_url"] == "" {
		t.Error("JSON response missing authorization_url")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/connect/nope", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/connect/meditech", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured provider status = %d, want 503", rec.Code)
	}
}

func TestCallbackFinalizesThenRejectsReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at"})
	}))
	defer srv.Close()

	connID := uuid.New()
	finalizer := &fakeFinalizer{result: &FinalizationResult{ConnectionID: connID, PublicToken: "pt_x"}}
	e, eng := newFlowServer(t, srv.URL, finalizer)

	init, err := eng.Initiate(context.Background(), "epic", InitiateOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	target := "/v1/callback?code=abc&state=" + url.QueryEscape(init.StateToken)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if finalizer.calls != 1 {
		t.Errorf("finalizer calls = %d, want 1", finalizer.calls)
	}
	var result FinalizationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.ConnectionID != connID || result.PublicToken != "pt_x" {
		t.Errorf("result = %+v", result)
	}

	// Replaying the callback must fail without reaching the finalizer.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replay status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INVALID_STATE") {
		t.Errorf("replay body = %s, want INVALID_STATE", rec.Body.String())
	}
	if finalizer.calls != 1 {
		t.Errorf("finalizer calls after replay = %d, want still 1", finalizer.calls)
	}
}

func TestCallbackRedirectsToReturnURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at"})
	}))
	defer srv.Close()

	finalizer := &fakeFinalizer{result: &FinalizationResult{ConnectionID: uuid.New(), PublicToken: "pt_y"}}
	e, eng := newFlowServer(t, srv.URL, finalizer)

	init, err := eng.Initiate(context.Background(), "epic", InitiateOptions{ReturnURL: "https://app.example.com/done"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/callback?code=abc&state="+url.QueryEscape(init.StateToken), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location does not parse: %v", err)
	}
	if loc.Host != "app.example.com" {
		t.Errorf("redirect host = %q", loc.Host)
	}
	if loc.Query().Get("public_token") != "pt_y" {
		t.Errorf("public_token = %q", loc.Query().Get("public_token"))
	}
}

func TestCallbackProviderDenial(t *testing.T) {
	e, eng := newFlowServer(t, "https://unused.example.com/token", &fakeFinalizer{})

	init, err := eng.Initiate(context.Background(), "epic", InitiateOptions{ReturnURL: "https://app.example.com/done"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/callback?error=access_denied&state="+url.QueryEscape(init.StateToken), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want redirect back to the caller", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Get("error_code") != "AUTHORIZATION_DECLINED" {
		t.Errorf("error_code = %q", loc.Query().Get("error_code"))
	}

	// The denial consumed the state; it cannot be replayed with a code.
	req = httptest.NewRequest(http.MethodGet, "/v1/callback?code=abc&state="+url.QueryEscape(init.StateToken), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replay after denial status = %d, want 400", rec.Code)
	}
}
