package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/repository"
)

// StatsService feeds campaign counters from send outcomes and delivery
// callbacks. All increments are atomic at the store, so concurrent workers
// never lose updates, and the counters stay monotonically non-decreasing for
// the lifetime of a run.
type StatsService struct {
	campaignRepo repository.CampaignRepository
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewStatsService creates a new stats service
func NewStatsService(campaignRepo repository.CampaignRepository, clock clockwork.Clock, logger *slog.Logger) *StatsService {
	return &StatsService{
		campaignRepo: campaignRepo,
		clock:        clock,
		logger:       logger,
	}
}

// RecordSent bumps sent_count and accumulates provider cost, then runs the
// completion check. Returns whether this call completed the campaign.
func (s *StatsService) RecordSent(ctx context.Context, campaignID uuid.UUID, costMicro int64) (bool, error) {
	if err := s.campaignRepo.IncrementCounter(ctx, campaignID, repository.CounterSent); err != nil {
		return false, fmt.Errorf("failed to record sent: %w", err)
	}
	if err := s.campaignRepo.AddActualCost(ctx, campaignID, costMicro); err != nil {
		return false, fmt.Errorf("failed to record cost: %w", err)
	}
	return s.checkCompletion(ctx, campaignID)
}

// RecordFailed bumps failed_count, then runs the completion check.
func (s *StatsService) RecordFailed(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	if err := s.campaignRepo.IncrementCounter(ctx, campaignID, repository.CounterFailed); err != nil {
		return false, fmt.Errorf("failed to record failure: %w", err)
	}
	return s.checkCompletion(ctx, campaignID)
}

// RecordDelivered bumps delivered_count from a provider delivery callback.
// Delivery receipts arrive after the send is already counted, so no
// completion check is needed here.
func (s *StatsService) RecordDelivered(ctx context.Context, campaignID uuid.UUID) error {
	if err := s.campaignRepo.IncrementCounter(ctx, campaignID, repository.CounterDelivered); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// RecordRead bumps read_count from a provider read callback.
func (s *StatsService) RecordRead(ctx context.Context, campaignID uuid.UUID) error {
	if err := s.campaignRepo.IncrementCounter(ctx, campaignID, repository.CounterRead); err != nil {
		return fmt.Errorf("failed to record read: %w", err)
	}
	return nil
}

// checkCompletion flips the campaign to completed when every recipient has
// reached a terminal send outcome. The gated UPDATE ensures exactly one of
// the racing workers observes the flip.
func (s *StatsService) checkCompletion(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	completed, err := s.campaignRepo.CompleteIfDone(ctx, campaignID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed completion check: %w", err)
	}
	if completed {
		s.logger.Info("campaign completed", "campaign_id", campaignID)
	}
	return completed, nil
}
