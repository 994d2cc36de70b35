package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
)

// CreateCampaignInput carries the fields accepted when creating a campaign.
type CreateCampaignInput struct {
	TenantID    uuid.UUID        `json:"-"`
	OwnerID     int64            `json:"-"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Channel     string           `json:"channel"`
	Body        string           `json:"body"`
	TemplateID  *uuid.UUID       `json:"template_id"`
	Targeting   models.Targeting `json:"targeting"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
}

// UpdateCampaignInput carries the fields accepted when editing a campaign.
// Nil pointers leave the current value unchanged.
type UpdateCampaignInput struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Channel     *string           `json:"channel"`
	Body        *string           `json:"body"`
	TemplateID  *uuid.UUID        `json:"template_id"`
	Targeting   *models.Targeting `json:"targeting"`
	ScheduledAt *time.Time        `json:"scheduled_at"`
}

// CampaignAnalytics is the derived statistics view of a campaign.
type CampaignAnalytics struct {
	CampaignID      uuid.UUID `json:"campaign_id"`
	Status          string    `json:"status"`
	TotalRecipients int64     `json:"total_recipients"`
	SentCount       int64     `json:"sent_count"`
	DeliveredCount  int64     `json:"delivered_count"`
	ReadCount       int64     `json:"read_count"`
	FailedCount     int64     `json:"failed_count"`
	Progress        float64   `json:"progress"`
	DeliveryRate    float64   `json:"delivery_rate"`
	ReadRate        float64   `json:"read_rate"`
	EstimatedCost   int64     `json:"estimated_cost_micro"`
	ActualCost      int64     `json:"actual_cost_micro"`
}

// SendMessageInput carries an interactive single send.
type SendMessageInput struct {
	TenantID  uuid.UUID `json:"-"`
	SenderID  int64     `json:"-"`
	ContactID uuid.UUID `json:"contact_id"`
	Channel   string    `json:"channel"`
	Body      string    `json:"body"`
}

// DeliveryStatusUpdate is a provider delivery-status callback payload.
type DeliveryStatusUpdate struct {
	ProviderMessageID string     `json:"provider_message_id"`
	Status            string     `json:"status"`
	Timestamp         *time.Time `json:"timestamp"`
	Reason            string     `json:"reason"`
}
