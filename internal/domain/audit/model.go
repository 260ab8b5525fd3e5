// Package audit records security-relevant events: authorization grants,
// refresh attempts, data access, and webhook activity. Entries are
// append-only.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies the audited event.
type Action string

const (
	ActionAuthorizationGranted  Action = "authorization.granted"
	ActionAuthorizationDeclined Action = "authorization.declined"
	ActionTokenRefreshed        Action = "token.refreshed"
	ActionTokenRefreshFailed    Action = "token.refresh_failed"
	ActionTokenRefreshSkipped   Action = "token.refresh_skipped"
	ActionRecordsFetched        Action = "records.fetched"
	ActionConnectionRevoked     Action = "connection.revoked"
	ActionPublicTokenExchanged  Action = "public_token.exchanged"
)

// Outcome is the coarse result of the audited event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one audit record.
type Entry struct {
	ID           uuid.UUID  `json:"id"`
	Action       Action     `json:"action"`
	Outcome      Outcome    `json:"outcome"`
	Subject      string     `json:"subject,omitempty"`
	ProviderID   string     `json:"provider_id,omitempty"`
	ConnectionID *uuid.UUID `json:"connection_id,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
