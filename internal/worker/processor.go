package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/config"
	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/provider"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/ratelimit"
	"github.com/mifumohq/dispatch/internal/repository"
	"github.com/mifumohq/dispatch/internal/service"
)

// pauseRecheckDelay is how long a task sleeps on the delayed queue while its
// campaign is paused.
const pauseRecheckDelay = 30 * time.Second

// Processor executes send tasks from the dispatch queue.
//
// Tasks arrive at least once; the queued-status gate on every terminal
// update is what makes processing effectively exactly-once. A task whose
// message has already left queued is a silent no-op. Rate-limit deferrals
// and retries go back through the delayed queue; the processor never sleeps
// in place.
type Processor struct {
	messageRepo      repository.OutboundMessageRepository
	campaignRepo     repository.CampaignRepository
	contactRepo      repository.ContactRepository
	conversationRepo repository.ConversationRepository
	queueClient      queue.Client
	tenantLimiter    ratelimit.Limiter
	stats            *service.StatsService
	sender           provider.Provider
	retry            *RetryPolicy
	policy           config.PolicyConfig
	senderID         string
	maxRetries       int
	clock            clockwork.Clock
	logger           *slog.Logger
}

// NewProcessor creates a send task processor.
func NewProcessor(
	messageRepo repository.OutboundMessageRepository,
	campaignRepo repository.CampaignRepository,
	contactRepo repository.ContactRepository,
	conversationRepo repository.ConversationRepository,
	queueClient queue.Client,
	tenantLimiter ratelimit.Limiter,
	stats *service.StatsService,
	sender provider.Provider,
	retry *RetryPolicy,
	policy config.PolicyConfig,
	senderID string,
	maxRetries int,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		messageRepo:      messageRepo,
		campaignRepo:     campaignRepo,
		contactRepo:      contactRepo,
		conversationRepo: conversationRepo,
		queueClient:      queueClient,
		tenantLimiter:    tenantLimiter,
		stats:            stats,
		sender:           sender,
		retry:            retry,
		policy:           policy,
		senderID:         senderID,
		maxRetries:       maxRetries,
		clock:            clock,
		logger:           logger,
	}
}

// Process handles one send task end to end.
func (p *Processor) Process(ctx context.Context, task *models.SendTask) error {
	message, err := p.messageRepo.GetByID(ctx, task.OutboundMessageID)
	if err != nil {
		// A task for a deleted message (cascaded campaign delete) is not
		// retryable; drop it.
		p.logger.Warn("task references unknown message",
			"message_id", task.OutboundMessageID,
			"error", err,
		)
		return nil
	}

	// Duplicate task: the message already reached a terminal status.
	if message.IsTerminal() {
		return nil
	}

	var campaign *models.Campaign
	if message.CampaignID != nil {
		campaign, err = p.campaignRepo.GetByID(ctx, *message.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to load campaign %s: %w", *message.CampaignID, err)
		}
		if proceed, err := p.gateCampaignStatus(ctx, task, message, campaign); err != nil || !proceed {
			return err
		}
	}

	// Consent re-check at send time: fan-out may be minutes or hours in
	// the past and the recipient may have opted out since.
	contact, err := p.contactRepo.GetByID(ctx, message.ContactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", message.ContactID, err)
	}
	if !contact.Eligible(p.policy.RequireOptIn(message.Channel)) {
		return p.failMessage(ctx, message, models.FailureReasonOptedOut)
	}

	// Tenant pacing. A rejected attempt reschedules the task for when the
	// window opens; it is not a failure and does not consume a retry.
	allowed, err := p.tenantLimiter.Allow(ctx, ratelimit.TenantScope(message.TenantID.String()))
	if err != nil {
		return fmt.Errorf("failed rate limit check: %w", err)
	}
	if !allowed {
		retryAfter, err := p.tenantLimiter.RetryAfter(ctx, ratelimit.TenantScope(message.TenantID.String()))
		if err != nil {
			return fmt.Errorf("failed rate limit check: %w", err)
		}
		if retryAfter <= 0 {
			retryAfter = pauseRecheckDelay
		}
		p.logger.Debug("send deferred by tenant rate limit",
			"message_id", message.ID,
			"retry_after", retryAfter,
		)
		return p.queueClient.PublishIn(ctx, task, retryAfter)
	}

	result := p.sender.Send(ctx, provider.SendRequest{
		Channel:        message.Channel,
		RecipientPhone: message.RecipientPhone,
		Body:           message.Body,
		SenderID:       p.senderID,
	})
	if !result.Success {
		return p.handleSendFailure(ctx, task, message, result)
	}

	applied, err := p.messageRepo.MarkSent(ctx, message.ID, result.ProviderMessageID, result.CostMicro, p.clock.Now())
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race against a concurrent duplicate; that worker owns
		// the bookkeeping.
		p.logger.Warn("duplicate send detected after provider call", "message_id", message.ID)
		return nil
	}

	now := p.clock.Now()
	if err := p.contactRepo.TouchLastContacted(ctx, contact.ID, now); err != nil {
		p.logger.Warn("failed to touch contact", "contact_id", contact.ID, "error", err)
	}
	if err := p.conversationRepo.Touch(ctx, message.ConversationID, now); err != nil {
		p.logger.Warn("failed to touch conversation", "conversation_id", message.ConversationID, "error", err)
	}

	if message.CampaignID != nil {
		if _, err := p.stats.RecordSent(ctx, *message.CampaignID, result.CostMicro); err != nil {
			return err
		}
	}

	p.logger.Info("message sent",
		"message_id", message.ID,
		"channel", message.Channel,
		"provider_message_id", result.ProviderMessageID,
	)
	return nil
}

// gateCampaignStatus decides what to do with a task whose campaign is not
// running: paused campaigns park the task on the delayed queue, terminal
// campaigns drop the message as failed without feeding counters.
func (p *Processor) gateCampaignStatus(ctx context.Context, task *models.SendTask, message *models.OutboundMessage, campaign *models.Campaign) (bool, error) {
	switch campaign.Status {
	case models.CampaignStatusRunning:
		return true, nil
	case models.CampaignStatusPaused:
		return false, p.queueClient.PublishIn(ctx, task, pauseRecheckDelay)
	default:
		_, err := p.messageRepo.MarkFailed(ctx, message.ID, "campaign_"+campaign.Status)
		return false, err
	}
}

// handleSendFailure retries retryable failures with backoff until the retry
// budget is spent, then fails the message terminally.
func (p *Processor) handleSendFailure(ctx context.Context, task *models.SendTask, message *models.OutboundMessage, result provider.SendResult) error {
	reason := "send failed"
	if result.Err != nil {
		reason = result.Err.Error()
	}

	if result.Retryable && message.CanRetry(p.maxRetries) {
		if err := p.messageRepo.IncrementRetryCount(ctx, message.ID); err != nil {
			return err
		}
		delay := p.retry.Delay(message.RetryCount)
		p.logger.Info("send failed, retrying",
			"message_id", message.ID,
			"attempt", message.RetryCount+1,
			"delay", delay,
			"error", reason,
		)
		return p.queueClient.PublishIn(ctx, task, delay)
	}

	return p.failMessage(ctx, message, reason)
}

// failMessage marks the message failed and feeds the campaign counter when
// the gate applies.
func (p *Processor) failMessage(ctx context.Context, message *models.OutboundMessage, reason string) error {
	applied, err := p.messageRepo.MarkFailed(ctx, message.ID, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	p.logger.Info("message failed", "message_id", message.ID, "reason", reason)
	if message.CampaignID != nil {
		if _, err := p.stats.RecordFailed(ctx, *message.CampaignID); err != nil {
			return err
		}
	}
	return nil
}
