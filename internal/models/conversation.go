package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the per-(tenant, contact) message thread. Fan-out creates
// it lazily with an idempotent get-or-create so re-running dispatch never
// produces a second thread for the same contact.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ContactID uuid.UUID `json:"contact_id"`

	MessageCount  int64      `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
