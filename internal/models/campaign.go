package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusRunning   = "running"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
	CampaignStatusFailed    = "failed"
)

// Campaign channel constants
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// Targeting describes how a campaign selects its recipients. At least one
// of the three methods must be set. The three sources are unioned and
// deduplicated by contact id at resolution time.
type Targeting struct {
	ContactIDs []uuid.UUID    `json:"contact_ids,omitempty"`
	SegmentIDs []uuid.UUID    `json:"segment_ids,omitempty"`
	Criteria   *ContactFilter `json:"criteria,omitempty"`
}

// IsEmpty reports whether no targeting method is specified.
func (t Targeting) IsEmpty() bool {
	return len(t.ContactIDs) == 0 && len(t.SegmentIDs) == 0 && (t.Criteria == nil || t.Criteria.IsEmpty())
}

// Campaign represents a bulk-messaging campaign.
//
// Counters are monotonically non-decreasing for the lifetime of a run and
// are only ever mutated through atomic SQL increments (see
// CampaignRepository.IncrementCounter). TotalRecipients is frozen once, at
// the transition into running, and never recomputed mid-run.
type Campaign struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	OwnerID     int64      `json:"owner_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Channel     string     `json:"channel"`
	Body        string     `json:"body"`
	TemplateID  *uuid.UUID `json:"template_id,omitempty"`
	Targeting   Targeting  `json:"targeting"`

	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	TotalRecipients int64 `json:"total_recipients"`
	SentCount       int64 `json:"sent_count"`
	DeliveredCount  int64 `json:"delivered_count"`
	ReadCount       int64 `json:"read_count"`
	FailedCount     int64 `json:"failed_count"`

	EstimatedCostMicro int64 `json:"estimated_cost_micro"`
	ActualCostMicro    int64 `json:"actual_cost_micro"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CampaignFilter holds filtering options for listing campaigns
type CampaignFilter struct {
	TenantID uuid.UUID
	OwnerID  int64
	Channel  string
	Status   string
	Page     int
	PageSize int
}

// Validate performs validation on campaign data
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrInvalidInput("name is required")
	}
	if c.Channel == "" {
		return ErrInvalidInput("channel is required")
	}
	if !IsValidChannel(c.Channel) {
		return ErrInvalidInput(fmt.Sprintf("invalid channel: %s (must be 'sms' or 'whatsapp')", c.Channel))
	}
	if c.Body == "" {
		return ErrInvalidInput("body is required")
	}
	if c.Targeting.IsEmpty() {
		return ErrInvalidInput("at least one targeting method is required (contact_ids, segment_ids or criteria)")
	}
	if c.Status != "" && !IsValidCampaignStatus(c.Status) {
		return ErrInvalidInput(fmt.Sprintf("invalid status: %s", c.Status))
	}
	return nil
}

// IsValidChannel checks if the channel is valid
func IsValidChannel(channel string) bool {
	return channel == ChannelSMS || channel == ChannelWhatsApp
}

// IsValidCampaignStatus checks if the campaign status is valid
func IsValidCampaignStatus(status string) bool {
	switch status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusRunning,
		CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled,
		CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the campaign is in a terminal status.
func (c *Campaign) IsTerminal() bool {
	switch c.Status {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// CanEdit reports whether the campaign definition is still mutable.
func (c *Campaign) CanEdit() bool {
	return c.Status == CampaignStatusDraft || c.Status == CampaignStatusScheduled
}

// CanStart reports whether the campaign may transition to running.
func (c *Campaign) CanStart() bool {
	switch c.Status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusPaused:
		return true
	default:
		return false
	}
}

// CanPause reports whether the campaign may be paused.
func (c *Campaign) CanPause() bool {
	return c.Status == CampaignStatusRunning
}

// CanCancel reports whether the campaign may be cancelled.
func (c *Campaign) CanCancel() bool {
	return !c.IsTerminal()
}

// Progress returns sent/total as a fraction in [0, 1]. Zero recipients
// yields 0.
func (c *Campaign) Progress() float64 {
	if c.TotalRecipients == 0 {
		return 0
	}
	p := float64(c.SentCount) / float64(c.TotalRecipients)
	if p > 1 {
		p = 1
	}
	return p
}

// DeliveryRate returns delivered/sent, guarding against division by zero.
func (c *Campaign) DeliveryRate() float64 {
	if c.SentCount == 0 {
		return 0
	}
	return float64(c.DeliveredCount) / float64(c.SentCount)
}

// ReadRate returns read/delivered, guarding against division by zero.
func (c *Campaign) ReadRate() float64 {
	if c.DeliveredCount == 0 {
		return 0
	}
	return float64(c.ReadCount) / float64(c.DeliveredCount)
}
