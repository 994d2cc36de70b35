package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/repository"
)

// Estimated per-message cost in micro-units, used for draft cost estimates.
// Actual cost is whatever the provider reports per send.
const (
	estimateSMSCostMicro      = 15000
	estimateWhatsAppCostMicro = 5000
)

// fanOutTimeout bounds a single asynchronous fan-out run.
const fanOutTimeout = 30 * time.Minute

// CampaignService implements the campaign lifecycle. Every transition goes
// through a status-gated UPDATE in the repository, so concurrent lifecycle
// calls (two starts, start vs cancel) settle without locks: one caller wins
// the gate, the others get a conflict.
type CampaignService struct {
	campaignRepo repository.CampaignRepository
	targeting    *TargetingService
	dispatch     *DispatchService
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo repository.CampaignRepository,
	targeting *TargetingService,
	dispatch *DispatchService,
	clock clockwork.Clock,
	logger *slog.Logger,
) *CampaignService {
	return &CampaignService{
		campaignRepo: campaignRepo,
		targeting:    targeting,
		dispatch:     dispatch,
		clock:        clock,
		logger:       logger,
	}
}

// Create creates a campaign in draft, or scheduled when scheduled_at is set.
func (s *CampaignService) Create(ctx context.Context, input CreateCampaignInput) (*models.Campaign, error) {
	campaign := &models.Campaign{
		TenantID:    input.TenantID,
		OwnerID:     input.OwnerID,
		Name:        input.Name,
		Description: input.Description,
		Channel:     input.Channel,
		Body:        input.Body,
		TemplateID:  input.TemplateID,
		Targeting:   input.Targeting,
		ScheduledAt: input.ScheduledAt,
		Status:      models.CampaignStatusDraft,
	}
	if input.ScheduledAt != nil {
		if !input.ScheduledAt.After(s.clock.Now()) {
			return nil, models.ErrInvalidInput("scheduled_at must be in the future")
		}
		campaign.Status = models.CampaignStatusScheduled
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}

	s.estimateCost(ctx, campaign)

	if err := s.campaignRepo.Create(ctx, campaign); err != nil {
		return nil, err
	}
	s.logger.Info("campaign created",
		"campaign_id", campaign.ID,
		"tenant_id", campaign.TenantID,
		"channel", campaign.Channel,
		"status", campaign.Status,
	)
	return campaign, nil
}

// Get retrieves a campaign by ID
func (s *CampaignService) Get(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	return s.campaignRepo.GetByID(ctx, id)
}

// List retrieves campaigns with filtering and pagination
func (s *CampaignService) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, *models.PaginationResult, error) {
	campaigns, totalCount, err := s.campaignRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	pagination := models.NewPaginationResult(filter.Page, filter.PageSize, totalCount)
	return campaigns, &pagination, nil
}

// Update edits a draft or scheduled campaign. Campaigns that have started
// are immutable.
func (s *CampaignService) Update(ctx context.Context, id uuid.UUID, input UpdateCampaignInput) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.CanEdit() {
		return nil, models.ErrConflictWithMsg(fmt.Sprintf("campaign in status %s cannot be edited", campaign.Status))
	}

	if input.Name != nil {
		campaign.Name = *input.Name
	}
	if input.Description != nil {
		campaign.Description = *input.Description
	}
	if input.Channel != nil {
		campaign.Channel = *input.Channel
	}
	if input.Body != nil {
		campaign.Body = *input.Body
	}
	if input.TemplateID != nil {
		campaign.TemplateID = input.TemplateID
	}
	if input.Targeting != nil {
		campaign.Targeting = *input.Targeting
	}
	if input.ScheduledAt != nil {
		if !input.ScheduledAt.After(s.clock.Now()) {
			return nil, models.ErrInvalidInput("scheduled_at must be in the future")
		}
		campaign.ScheduledAt = input.ScheduledAt
		campaign.Status = models.CampaignStatusScheduled
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}

	s.estimateCost(ctx, campaign)

	if err := s.campaignRepo.Update(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// Delete removes a campaign that is not actively dispatching.
func (s *CampaignService) Delete(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignStatusRunning || campaign.Status == models.CampaignStatusPaused {
		return models.ErrConflictWithMsg("cannot delete a campaign mid-run; cancel it first")
	}
	return s.campaignRepo.Delete(ctx, id)
}

// Start transitions the campaign into running and kicks off dispatch.
//
// Targeting is resolved exactly once, here; the resolved audience freezes
// total_recipients and is handed to the asynchronous fan-out, so contacts
// changing after this point do not join the run. An empty audience fails the
// campaign before anything is dispatched.
func (s *CampaignService) Start(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.CanStart() {
		return nil, models.ErrConflictWithMsg(fmt.Sprintf("campaign in status %s cannot be started", campaign.Status))
	}

	if campaign.Status == models.CampaignStatusPaused {
		return s.resume(ctx, campaign)
	}

	contacts, err := s.targeting.Resolve(ctx, campaign.TenantID, campaign.Targeting, campaign.Channel)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		// Fail before dispatch; nothing was sent, counters stay zero.
		if _, err := s.campaignRepo.TransitionStatus(ctx, id,
			[]string{models.CampaignStatusDraft, models.CampaignStatusScheduled},
			models.CampaignStatusFailed,
		); err != nil {
			return nil, err
		}
		return nil, models.ErrNoEligibleRecipients(id.String())
	}

	started, err := s.campaignRepo.MarkRunning(ctx, id, int64(len(contacts)), s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !started {
		// Another caller won the gate between our read and the update.
		return nil, models.ErrConflictWithMsg("campaign was started or cancelled concurrently")
	}

	campaign, err = s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("campaign started",
		"campaign_id", id,
		"total_recipients", campaign.TotalRecipients,
	)
	go s.runFanOut(campaign, contacts)
	return campaign, nil
}

// resume moves a paused campaign back to running and re-runs fan-out so
// that audience members the interrupted first pass never materialized get
// their rows and tasks. total_recipients stays frozen from the original
// start, so the re-resolved audience is cut back to contacts that existed
// when the campaign first started; recipients already dispatched are
// absorbed by the per-pair uniqueness constraint.
func (s *CampaignService) resume(ctx context.Context, campaign *models.Campaign) (*models.Campaign, error) {
	moved, err := s.campaignRepo.TransitionStatus(ctx, campaign.ID,
		[]string{models.CampaignStatusPaused}, models.CampaignStatusRunning)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, models.ErrConflictWithMsg("campaign is no longer paused")
	}

	campaign, err = s.campaignRepo.GetByID(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}

	contacts, err := s.targeting.Resolve(ctx, campaign.TenantID, campaign.Targeting, campaign.Channel)
	if err != nil {
		return nil, err
	}
	if campaign.StartedAt != nil {
		contacts = audienceAsOf(contacts, *campaign.StartedAt)
	}

	s.logger.Info("campaign resumed",
		"campaign_id", campaign.ID,
		"audience", len(contacts),
	)
	go s.runFanOut(campaign, contacts)
	return campaign, nil
}

// audienceAsOf drops contacts created after the given start time. A contact
// that began matching the targeting while the campaign was paused must not
// join the run: total_recipients was frozen when the campaign started.
func audienceAsOf(contacts []*models.Contact, startedAt time.Time) []*models.Contact {
	kept := contacts[:0]
	for _, contact := range contacts {
		if !contact.CreatedAt.After(startedAt) {
			kept = append(kept, contact)
		}
	}
	return kept
}

// runFanOut executes dispatch fan-out detached from the API request.
func (s *CampaignService) runFanOut(campaign *models.Campaign, contacts []*models.Contact) {
	ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
	defer cancel()

	if _, err := s.dispatch.FanOut(ctx, campaign, contacts); err != nil {
		// Partial fan-out is recoverable: rows without tasks are picked up
		// by the stuck-queued reconciliation pass.
		s.logger.Error("fan-out failed",
			"campaign_id", campaign.ID,
			"error", err,
		)
	}
}

// Pause suspends dispatch for a running campaign. In-flight sends finish;
// queued messages stay queued until resume.
func (s *CampaignService) Pause(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	moved, err := s.campaignRepo.TransitionStatus(ctx, id,
		[]string{models.CampaignStatusRunning}, models.CampaignStatusPaused)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, models.ErrConflictWithMsg("only running campaigns can be paused")
	}
	s.logger.Info("campaign paused", "campaign_id", id)
	return s.campaignRepo.GetByID(ctx, id)
}

// Cancel terminates a campaign from any non-terminal status. Messages not
// yet sent are dropped by the send worker's status check.
func (s *CampaignService) Cancel(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	moved, err := s.campaignRepo.TransitionStatus(ctx, id,
		[]string{
			models.CampaignStatusDraft,
			models.CampaignStatusScheduled,
			models.CampaignStatusRunning,
			models.CampaignStatusPaused,
		},
		models.CampaignStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, models.ErrConflictWithMsg("campaign is already in a terminal status")
	}
	s.logger.Info("campaign cancelled", "campaign_id", id)
	return s.campaignRepo.GetByID(ctx, id)
}

// Duplicate copies a campaign's definition into a fresh draft. Counters,
// schedule and run state are not carried over.
func (s *CampaignService) Duplicate(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	source, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	dup := &models.Campaign{
		TenantID:           source.TenantID,
		OwnerID:            source.OwnerID,
		Name:               source.Name + " (copy)",
		Description:        source.Description,
		Channel:            source.Channel,
		Body:               source.Body,
		TemplateID:         source.TemplateID,
		Targeting:          source.Targeting,
		Status:             models.CampaignStatusDraft,
		EstimatedCostMicro: source.EstimatedCostMicro,
	}
	if err := s.campaignRepo.Create(ctx, dup); err != nil {
		return nil, err
	}
	return dup, nil
}

// Analytics returns the derived statistics view of a campaign.
func (s *CampaignService) Analytics(ctx context.Context, id uuid.UUID) (*CampaignAnalytics, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignAnalytics{
		CampaignID:      campaign.ID,
		Status:          campaign.Status,
		TotalRecipients: campaign.TotalRecipients,
		SentCount:       campaign.SentCount,
		DeliveredCount:  campaign.DeliveredCount,
		ReadCount:       campaign.ReadCount,
		FailedCount:     campaign.FailedCount,
		Progress:        campaign.Progress(),
		DeliveryRate:    campaign.DeliveryRate(),
		ReadRate:        campaign.ReadRate(),
		EstimatedCost:   campaign.EstimatedCostMicro,
		ActualCost:      campaign.ActualCostMicro,
	}, nil
}

// StartDueScheduled starts every scheduled campaign whose scheduled_at has
// passed. Called from the scheduler loop; failures on one campaign do not
// block the rest.
func (s *CampaignService) StartDueScheduled(ctx context.Context, limit int) (int, error) {
	due, err := s.campaignRepo.ListDueScheduled(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, campaign := range due {
		if _, err := s.Start(ctx, campaign.ID); err != nil {
			s.logger.Error("failed to start scheduled campaign",
				"campaign_id", campaign.ID,
				"error", err,
			)
			continue
		}
		started++
	}
	return started, nil
}

// estimateCost fills estimated_cost_micro from the current audience size.
// Estimation failures are not fatal to create/update.
func (s *CampaignService) estimateCost(ctx context.Context, campaign *models.Campaign) {
	audience, err := s.targeting.EstimateAudience(ctx, campaign.TenantID, campaign.Targeting, campaign.Channel)
	if err != nil {
		s.logger.Warn("failed to estimate campaign audience",
			"campaign_id", campaign.ID,
			"error", err,
		)
		return
	}
	perMessage := int64(estimateSMSCostMicro)
	if campaign.Channel == models.ChannelWhatsApp {
		perMessage = estimateWhatsAppCostMicro
	}
	campaign.EstimatedCostMicro = audience * perMessage
}
