package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/config"
	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/ratelimit"
	"github.com/mifumohq/dispatch/internal/repository"
)

// MessageService handles interactive single sends, message queries and
// provider delivery-status callbacks.
type MessageService struct {
	messageRepo      repository.OutboundMessageRepository
	contactRepo      repository.ContactRepository
	conversationRepo repository.ConversationRepository
	queueClient      queue.Client
	userLimiter      ratelimit.Limiter
	stats            *StatsService
	policy           config.PolicyConfig
	clock            clockwork.Clock
	logger           *slog.Logger
}

// NewMessageService creates a new message service
func NewMessageService(
	messageRepo repository.OutboundMessageRepository,
	contactRepo repository.ContactRepository,
	conversationRepo repository.ConversationRepository,
	queueClient queue.Client,
	userLimiter ratelimit.Limiter,
	stats *StatsService,
	policy config.PolicyConfig,
	clock clockwork.Clock,
	logger *slog.Logger,
) *MessageService {
	return &MessageService{
		messageRepo:      messageRepo,
		contactRepo:      contactRepo,
		conversationRepo: conversationRepo,
		queueClient:      queueClient,
		userLimiter:      userLimiter,
		stats:            stats,
		policy:           policy,
		clock:            clock,
		logger:           logger,
	}
}

// Send queues one interactive message to a contact. The per-user admission
// window is checked up front; a rejected send surfaces RATE_LIMITED to the
// caller rather than being silently deferred.
func (s *MessageService) Send(ctx context.Context, input SendMessageInput) (*models.OutboundMessage, error) {
	if input.Body == "" {
		return nil, models.ErrInvalidInput("body is required")
	}
	if !models.IsValidChannel(input.Channel) {
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid channel: %s", input.Channel))
	}

	allowed, err := s.userLimiter.Allow(ctx, ratelimit.UserScope(input.SenderID))
	if err != nil {
		return nil, fmt.Errorf("failed rate limit check: %w", err)
	}
	if !allowed {
		retryAfter, err := s.userLimiter.RetryAfter(ctx, ratelimit.UserScope(input.SenderID))
		if err != nil {
			return nil, fmt.Errorf("failed rate limit check: %w", err)
		}
		return nil, models.ErrRateLimited(retryAfter)
	}

	contact, err := s.contactRepo.GetByID(ctx, input.ContactID)
	if err != nil {
		return nil, err
	}
	if contact.TenantID != input.TenantID {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("contact %s not found", input.ContactID))
	}
	if !contact.Eligible(s.policy.RequireOptIn(input.Channel)) {
		return nil, models.ErrConflictWithMsg("contact is not eligible to receive messages on this channel")
	}

	conversation, err := s.conversationRepo.GetOrCreate(ctx, input.TenantID, contact.ID)
	if err != nil {
		return nil, err
	}

	message := &models.OutboundMessage{
		TenantID:       input.TenantID,
		ContactID:      contact.ID,
		ConversationID: conversation.ID,
		Channel:        input.Channel,
		RecipientPhone: contact.PhoneE164,
		Body:           RenderBody(input.Body, contact),
	}
	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, err
	}
	if err := s.queueClient.Publish(ctx, &models.SendTask{OutboundMessageID: message.ID}); err != nil {
		return nil, fmt.Errorf("failed to enqueue send task: %w", err)
	}

	s.logger.Info("message queued",
		"message_id", message.ID,
		"contact_id", contact.ID,
		"channel", input.Channel,
	)
	return message, nil
}

// Get retrieves an outbound message by ID
func (s *MessageService) Get(ctx context.Context, id uuid.UUID) (*models.OutboundMessage, error) {
	return s.messageRepo.GetByID(ctx, id)
}

// List retrieves outbound messages with filtering and pagination
func (s *MessageService) List(ctx context.Context, filter models.OutboundMessageFilter) ([]*models.OutboundMessage, *models.PaginationResult, error) {
	messages, totalCount, err := s.messageRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	pagination := models.NewPaginationResult(filter.Page, filter.PageSize, totalCount)
	return messages, &pagination, nil
}

// SyncDeliveryStatus applies a provider delivery-status callback. Unknown
// provider ids and out-of-order callbacks (a delivered receipt after read,
// a duplicate receipt) are absorbed: the status-gated updates simply affect
// zero rows and campaign counters are fed only on the applying call.
func (s *MessageService) SyncDeliveryStatus(ctx context.Context, update DeliveryStatusUpdate) error {
	if update.ProviderMessageID == "" {
		return models.ErrInvalidInput("provider_message_id is required")
	}

	message, err := s.messageRepo.GetByProviderMessageID(ctx, update.ProviderMessageID)
	if err != nil {
		return err
	}

	at := s.clock.Now()
	if update.Timestamp != nil {
		at = *update.Timestamp
	}

	var applied bool
	switch update.Status {
	case models.MessageStatusDelivered:
		applied, err = s.messageRepo.MarkDelivered(ctx, message.ID, at)
	case models.MessageStatusRead:
		applied, err = s.messageRepo.MarkRead(ctx, message.ID, at)
		if err == nil && applied && message.Status == models.MessageStatusSent && message.CampaignID != nil {
			// read implies delivered; a message read before any delivered
			// receipt counts for both.
			if derr := s.stats.RecordDelivered(ctx, *message.CampaignID); derr != nil {
				return derr
			}
		}
	case models.MessageStatusFailed:
		reason := update.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		applied, err = s.messageRepo.MarkFailedFromCallback(ctx, message.ID, reason)
	default:
		return models.ErrInvalidInput(fmt.Sprintf("unsupported delivery status: %s", update.Status))
	}
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Debug("delivery callback ignored",
			"message_id", message.ID,
			"status", update.Status,
			"current_status", message.Status,
		)
		return nil
	}

	if message.CampaignID != nil {
		switch update.Status {
		case models.MessageStatusDelivered:
			err = s.stats.RecordDelivered(ctx, *message.CampaignID)
		case models.MessageStatusRead:
			err = s.stats.RecordRead(ctx, *message.CampaignID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
