package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/config"
	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/repository"
)

// TargetingService resolves a campaign's targeting into the concrete list of
// eligible recipients.
//
// Resolution happens exactly once per run, at start time: the result freezes
// total_recipients, so contacts created or changed after start never join a
// running campaign. The three targeting sources are unioned and deduplicated
// by contact id; opt-out and the channel opt-in policy are applied on top.
type TargetingService struct {
	contactRepo repository.ContactRepository
	segmentRepo repository.SegmentRepository
	policy      config.PolicyConfig
	logger      *slog.Logger
}

// NewTargetingService creates a new targeting service
func NewTargetingService(
	contactRepo repository.ContactRepository,
	segmentRepo repository.SegmentRepository,
	policy config.PolicyConfig,
	logger *slog.Logger,
) *TargetingService {
	return &TargetingService{
		contactRepo: contactRepo,
		segmentRepo: segmentRepo,
		policy:      policy,
		logger:      logger,
	}
}

// Resolve returns the eligible recipients for the targeting on the given
// channel, in deterministic (created_at, id) order. An empty result is not
// an error here; the campaign lifecycle decides what an empty audience means.
func (s *TargetingService) Resolve(ctx context.Context, tenantID uuid.UUID, targeting models.Targeting, channel string) ([]*models.Contact, error) {
	if targeting.IsEmpty() {
		return nil, models.ErrInvalidInput("at least one targeting method is required (contact_ids, segment_ids or criteria)")
	}

	seen := make(map[uuid.UUID]*models.Contact)

	if len(targeting.ContactIDs) > 0 {
		contacts, err := s.contactRepo.GetByIDs(ctx, tenantID, targeting.ContactIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve explicit contacts: %w", err)
		}
		for _, contact := range contacts {
			seen[contact.ID] = contact
		}
	}

	for _, segmentID := range targeting.SegmentIDs {
		segment, err := s.segmentRepo.GetByID(ctx, segmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load segment %s: %w", segmentID, err)
		}
		if segment.TenantID != tenantID {
			return nil, models.ErrInvalidInput(fmt.Sprintf("segment %s does not belong to this tenant", segmentID))
		}
		contacts, err := s.contactRepo.MatchFilter(ctx, tenantID, &segment.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment %s: %w", segmentID, err)
		}
		for _, contact := range contacts {
			seen[contact.ID] = contact
		}
	}

	if !targeting.Criteria.IsEmpty() {
		contacts, err := s.contactRepo.MatchFilter(ctx, tenantID, targeting.Criteria)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve criteria: %w", err)
		}
		for _, contact := range contacts {
			seen[contact.ID] = contact
		}
	}

	requireOptIn := s.policy.RequireOptIn(channel)
	eligible := make([]*models.Contact, 0, len(seen))
	skipped := 0
	for _, contact := range seen {
		if !contact.Eligible(requireOptIn) {
			skipped++
			continue
		}
		eligible = append(eligible, contact)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID.String() < eligible[j].ID.String()
	})

	s.logger.Debug("targeting resolved",
		"tenant_id", tenantID,
		"channel", channel,
		"matched", len(seen),
		"eligible", len(eligible),
		"skipped_ineligible", skipped,
	)
	return eligible, nil
}

// EstimateAudience returns the eligible recipient count without materializing
// the fan-out, for cost estimation on draft campaigns.
func (s *TargetingService) EstimateAudience(ctx context.Context, tenantID uuid.UUID, targeting models.Targeting, channel string) (int64, error) {
	contacts, err := s.Resolve(ctx, tenantID, targeting, channel)
	if err != nil {
		return 0, err
	}
	return int64(len(contacts)), nil
}
