// Package records pulls clinical resources from a connection's FHIR
// endpoint. A fetch is a fan-out over resource types with partial-failure
// tolerance: one failing type never loses the data the others returned.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/authflow"
	"github.com/carelink/carelink/internal/domain/connection"
	"github.com/carelink/carelink/internal/domain/provider"
)

// ErrPatientUnavailable means the provider cannot serve the Patient
// resource, so nothing else keyed to the patient can be fetched either.
var ErrPatientUnavailable = errors.New("patient resource unavailable")

// DefaultResourceTypes is the set fetched when the caller does not narrow
// the request. Patient is implicit and always fetched first.
var DefaultResourceTypes = []string{
	"AllergyIntolerance",
	"Condition",
	"Coverage",
	"DiagnosticReport",
	"DocumentReference",
	"Encounter",
	"ExplanationOfBenefit",
	"Immunization",
	"MedicationRequest",
	"Observation",
	"Procedure",
}

const (
	maxPages     = 10
	fetchTimeout = 60 * time.Second
)

// ResourceError records one resource type that could not be fetched.
type ResourceError struct {
	ResourceType string `json:"resource_type"`
	StatusCode   int    `json:"status_code,omitempty"`
	Message      string `json:"message"`
}

// Result is the outcome of one fetch: everything that succeeded plus what
// did not.
type Result struct {
	Resources map[string][]json.RawMessage `json:"resources"`
	Errors    []ResourceError              `json:"errors,omitempty"`
	FetchedAt time.Time                    `json:"fetched_at"`
}

// TokenRefresher renews an expired grant. Satisfied by authflow.Engine.
type TokenRefresher interface {
	Refresh(ctx context.Context, cfg provider.Config, refreshToken string) (*authflow.TokenGrant, error)
}

// Fetcher pulls FHIR resources for a connection.
type Fetcher struct {
	vault     *connection.Vault
	registry  *provider.Registry
	refresher TokenRefresher
	client    *http.Client
	logger    zerolog.Logger
}

// NewFetcher creates a record fetcher.
func NewFetcher(vault *connection.Vault, registry *provider.Registry, refresher TokenRefresher, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		vault:     vault,
		registry:  registry,
		refresher: refresher,
		client:    &http.Client{Timeout: fetchTimeout},
		logger:    logger.With().Str("component", "records").Logger(),
	}
}

// SetHTTPClient replaces the HTTP client used for FHIR requests.
func (f *Fetcher) SetHTTPClient(c *http.Client) { f.client = c }

// FetchAll pulls the Patient resource plus every requested type. An
// unusable Patient is a hard failure; any other type failing is recorded in
// the result and the rest proceed.
func (f *Fetcher) FetchAll(ctx context.Context, connectionID uuid.UUID, types []string) (*Result, error) {
	view, conn, err := f.vault.AccessToken(ctx, connectionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	cfg, ok := f.registry.Get(conn.ProviderID)
	if !ok {
		return nil, authflow.ErrUnknownProvider
	}

	if view.ExpiredAt(time.Now().UTC()) {
		if view, err = f.refreshInline(ctx, cfg, conn, view); err != nil {
			return nil, err
		}
	}

	if len(types) == 0 {
		// A connection minted from a widget token scoped to specific products
		// defaults to those; otherwise the full set.
		if len(conn.Products) > 0 {
			types = conn.Products
		} else {
			types = DefaultResourceTypes
		}
	}

	result := &Result{
		Resources: make(map[string][]json.RawMessage, len(types)+1),
		FetchedAt: time.Now().UTC(),
	}

	patient, err := f.fetchPatient(ctx, cfg, view, conn.ExternalPatientID)
	if err != nil {
		return nil, err
	}
	result.Resources["Patient"] = []json.RawMessage{patient}

	for _, resourceType := range types {
		if resourceType == "Patient" {
			continue
		}
		resources, ferr := f.fetchPaginated(ctx, cfg, view, resourceType, conn.ExternalPatientID)
		// Keep whatever pages arrived before a mid-pagination failure.
		if len(resources) > 0 {
			result.Resources[resourceType] = resources
		}
		if ferr != nil {
			// Every failing type is recorded, a 404 included: callers see
			// which types the provider would not serve instead of a silent
			// gap in the result.
			re := ResourceError{ResourceType: resourceType, Message: ferr.Error()}
			var httpErr *fhirHTTPError
			if errors.As(ferr, &httpErr) {
				re.StatusCode = httpErr.status
			}
			result.Errors = append(result.Errors, re)
		}
	}

	f.logger.Info().
		Str("connection_id", connectionID.String()).
		Str("provider_id", cfg.ID).
		Int("types_fetched", len(result.Resources)).
		Int("types_failed", len(result.Errors)).
		Msg("records fetched")
	return result, nil
}

func (f *Fetcher) refreshInline(ctx context.Context, cfg provider.Config, conn *connection.Connection, view *connection.TokenView) (*connection.TokenView, error) {
	grant, err := f.refresher.Refresh(ctx, cfg, view.RefreshToken)
	if err != nil {
		if errors.Is(err, authflow.ErrNoRefreshToken) {
			return nil, connection.ErrReauthorizationRequired
		}
		return nil, fmt.Errorf("refresh expired grant: %w", err)
	}
	expiresAt := grant.ExpiresAt(time.Now().UTC())
	if err := f.vault.StoreRefreshedTokens(ctx, conn, grant.AccessToken, grant.RefreshToken, expiresAt); err != nil {
		return nil, err
	}
	refreshed := *view
	refreshed.AccessToken = grant.AccessToken
	refreshed.ExpiresAt = expiresAt
	return &refreshed, nil
}

func (f *Fetcher) fetchPatient(ctx context.Context, cfg provider.Config, view *connection.TokenView, patientID string) (json.RawMessage, error) {
	body, err := f.get(ctx, view, fmt.Sprintf("%s/Patient/%s", cfg.FHIRBaseURL, url.PathEscape(patientID)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatientUnavailable, err)
	}
	return body, nil
}

// fetchPaginated walks a search bundle's next links, accumulating entries.
// It returns what it gathered even when a later page fails.
func (f *Fetcher) fetchPaginated(ctx context.Context, cfg provider.Config, view *connection.TokenView, resourceType, patientID string) ([]json.RawMessage, error) {
	next := fmt.Sprintf("%s/%s?patient=%s", cfg.FHIRBaseURL, resourceType, url.QueryEscape(patientID))

	var out []json.RawMessage
	for page := 0; next != "" && page < maxPages; page++ {
		body, err := f.get(ctx, view, next)
		if err != nil {
			return out, err
		}

		var bundle struct {
			Entry []struct {
				Resource json.RawMessage `json:"resource"`
			} `json:"entry"`
			Link []struct {
				Relation string `json:"relation"`
				URL      string `json:"url"`
			} `json:"link"`
		}
		if err := json.Unmarshal(body, &bundle); err != nil {
			return out, fmt.Errorf("malformed bundle: %w", err)
		}
		for _, e := range bundle.Entry {
			if len(e.Resource) > 0 {
				out = append(out, e.Resource)
			}
		}

		next = ""
		for _, l := range bundle.Link {
			if l.Relation == "next" {
				next = l.URL
				break
			}
		}
	}
	return out, nil
}

type fhirHTTPError struct {
	status int
	url    string
}

func (e *fhirHTTPError) Error() string {
	return fmt.Sprintf("fhir request failed with status %d", e.status)
}

func (f *Fetcher) get(ctx context.Context, view *connection.TokenView, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+view.AccessToken)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))
		return nil, &fhirHTTPError{status: resp.StatusCode, url: rawURL}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}
