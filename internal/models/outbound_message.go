package models

import (
	"time"

	"github.com/google/uuid"
)

// Outbound message status constants. sent, delivered, read and failed are
// terminal for the dispatch pipeline: once a message leaves queued the send
// worker treats any further task for it as a no-op.
const (
	MessageStatusQueued    = "queued"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// FailureReasonOptedOut is recorded when the eligibility re-check in the
// send worker finds the recipient opted out after fan-out.
const FailureReasonOptedOut = "recipient_opted_out"

// OutboundMessage is one per-recipient send. Campaign messages are created
// exactly once per (campaign, contact) pair by dispatch fan-out under a
// uniqueness constraint; CampaignID is nil for interactive single sends.
type OutboundMessage struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	ContactID      uuid.UUID  `json:"contact_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`

	Channel        string `json:"channel"`
	RecipientPhone string `json:"recipient_phone"`
	Body           string `json:"body"`

	Status            string  `json:"status"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	LastError         *string `json:"last_error,omitempty"`
	RetryCount        int     `json:"retry_count"`
	CostMicro         int64   `json:"cost_micro"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutboundMessageFilter holds filtering options for listing messages
type OutboundMessageFilter struct {
	TenantID   uuid.UUID
	CampaignID uuid.UUID
	ContactID  uuid.UUID
	Status     string
	Page       int
	PageSize   int
}

// SendTask is the unit of work placed on the dispatch queue: one task per
// outbound message. Tasks are delivered at least once; the status-gated
// no-op in the send worker is what prevents double sends.
type SendTask struct {
	OutboundMessageID uuid.UUID `json:"outbound_message_id"`
}

// IsValidMessageStatus checks if the message status is valid
func IsValidMessageStatus(status string) bool {
	switch status {
	case MessageStatusQueued, MessageStatusSent, MessageStatusDelivered,
		MessageStatusRead, MessageStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the message has left the queued state.
func (m *OutboundMessage) IsTerminal() bool {
	return m.Status != MessageStatusQueued
}

// CanRetry checks whether another send attempt is allowed.
func (m *OutboundMessage) CanRetry(maxRetries int) bool {
	return m.RetryCount < maxRetries
}
