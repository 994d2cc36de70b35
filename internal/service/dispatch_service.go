package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/repository"
)

// statusCheckEvery is how many recipients fan-out processes between campaign
// status re-checks, so a pause or cancel lands mid-run instead of after it.
const statusCheckEvery = 100

// DispatchService fans a running campaign out into per-recipient outbound
// messages and queue tasks.
//
// Fan-out is idempotent: the (campaign_id, contact_id) uniqueness constraint
// absorbs re-runs, and a task is enqueued only for rows this run actually
// inserted. Re-running fan-out after a crash therefore enqueues only the
// missing remainder.
type DispatchService struct {
	campaignRepo     repository.CampaignRepository
	messageRepo      repository.OutboundMessageRepository
	conversationRepo repository.ConversationRepository
	queueClient      queue.Client
	logger           *slog.Logger
}

// NewDispatchService creates a new dispatch service
func NewDispatchService(
	campaignRepo repository.CampaignRepository,
	messageRepo repository.OutboundMessageRepository,
	conversationRepo repository.ConversationRepository,
	queueClient queue.Client,
	logger *slog.Logger,
) *DispatchService {
	return &DispatchService{
		campaignRepo:     campaignRepo,
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		queueClient:      queueClient,
		logger:           logger,
	}
}

// FanOut creates one outbound message and one send task per recipient.
// Returns how many tasks were enqueued by this invocation. Recipients whose
// message row already existed are skipped without a new task.
func (s *DispatchService) FanOut(ctx context.Context, campaign *models.Campaign, contacts []*models.Contact) (int, error) {
	enqueued := 0
	skipped := 0

	for i, contact := range contacts {
		// Periodic status re-check lets pause/cancel interrupt a large
		// fan-out between recipients.
		if i > 0 && i%statusCheckEvery == 0 {
			current, err := s.campaignRepo.GetByID(ctx, campaign.ID)
			if err != nil {
				return enqueued, fmt.Errorf("failed to re-check campaign status: %w", err)
			}
			if current.Status != models.CampaignStatusRunning {
				s.logger.Info("fan-out interrupted by status change",
					"campaign_id", campaign.ID,
					"status", current.Status,
					"enqueued", enqueued,
				)
				return enqueued, nil
			}
		}

		conversation, err := s.conversationRepo.GetOrCreate(ctx, campaign.TenantID, contact.ID)
		if err != nil {
			return enqueued, fmt.Errorf("failed to get conversation for contact %s: %w", contact.ID, err)
		}

		message := &models.OutboundMessage{
			TenantID:       campaign.TenantID,
			CampaignID:     &campaign.ID,
			ContactID:      contact.ID,
			ConversationID: conversation.ID,
			Channel:        campaign.Channel,
			RecipientPhone: contact.PhoneE164,
			Body:           RenderBody(campaign.Body, contact),
		}

		inserted, err := s.messageRepo.InsertCampaignMessage(ctx, message)
		if err != nil {
			return enqueued, fmt.Errorf("failed to insert message for contact %s: %w", contact.ID, err)
		}
		if !inserted {
			skipped++
			continue
		}

		if err := s.queueClient.Publish(ctx, &models.SendTask{OutboundMessageID: message.ID}); err != nil {
			// The row exists but its task was lost; the stuck-queued
			// reconciliation pass will re-enqueue it.
			return enqueued, fmt.Errorf("failed to enqueue task for message %s: %w", message.ID, err)
		}
		enqueued++
	}

	s.logger.Info("fan-out finished",
		"campaign_id", campaign.ID,
		"recipients", len(contacts),
		"enqueued", enqueued,
		"already_dispatched", skipped,
	)
	return enqueued, nil
}
