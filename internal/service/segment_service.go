package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/repository"
)

// SegmentService handles segment management. The stored contact_count is a
// cached estimate refreshed on demand; targeting always re-evaluates the
// filter against live contacts.
type SegmentService struct {
	segmentRepo repository.SegmentRepository
	contactRepo repository.ContactRepository
	logger      *slog.Logger
}

// NewSegmentService creates a new segment service
func NewSegmentService(segmentRepo repository.SegmentRepository, contactRepo repository.ContactRepository, logger *slog.Logger) *SegmentService {
	return &SegmentService{
		segmentRepo: segmentRepo,
		contactRepo: contactRepo,
		logger:      logger,
	}
}

// Create creates a new segment and computes its initial member count.
func (s *SegmentService) Create(ctx context.Context, segment *models.Segment) (*models.Segment, error) {
	if err := segment.Validate(); err != nil {
		return nil, err
	}
	if err := s.segmentRepo.Create(ctx, segment); err != nil {
		return nil, err
	}
	if _, err := s.Recount(ctx, segment.ID); err != nil {
		s.logger.Warn("failed to compute initial segment count", "segment_id", segment.ID, "error", err)
	} else {
		refreshed, err := s.segmentRepo.GetByID(ctx, segment.ID)
		if err == nil {
			segment.ContactCount = refreshed.ContactCount
		}
	}
	return segment, nil
}

// Get retrieves a segment by ID
func (s *SegmentService) Get(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	return s.segmentRepo.GetByID(ctx, id)
}

// List retrieves segments with pagination
func (s *SegmentService) List(ctx context.Context, filter models.SegmentListFilter) ([]*models.Segment, *models.PaginationResult, error) {
	segments, totalCount, err := s.segmentRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	pagination := models.NewPaginationResult(filter.Page, filter.PageSize, totalCount)
	return segments, &pagination, nil
}

// Update updates a segment definition
func (s *SegmentService) Update(ctx context.Context, segment *models.Segment) (*models.Segment, error) {
	if err := segment.Validate(); err != nil {
		return nil, err
	}
	if err := s.segmentRepo.Update(ctx, segment); err != nil {
		return nil, err
	}
	return segment, nil
}

// Delete removes a segment. Campaigns referencing it keep their stored
// targeting and fail resolution at start time if the segment is gone.
func (s *SegmentService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.segmentRepo.Delete(ctx, id)
}

// Recount refreshes the cached member count from live contact data.
func (s *SegmentService) Recount(ctx context.Context, id uuid.UUID) (int64, error) {
	segment, err := s.segmentRepo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	count, err := s.contactRepo.CountFilter(ctx, segment.TenantID, &segment.Filter)
	if err != nil {
		return 0, err
	}
	if err := s.segmentRepo.UpdateContactCount(ctx, id, count); err != nil {
		return 0, err
	}
	return count, nil
}
