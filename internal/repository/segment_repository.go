package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
)

// SegmentRepository defines the interface for segment data access
type SegmentRepository interface {
	Create(ctx context.Context, segment *models.Segment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	List(ctx context.Context, filter models.SegmentListFilter) ([]*models.Segment, int64, error)
	Update(ctx context.Context, segment *models.Segment) error
	Delete(ctx context.Context, id uuid.UUID) error

	// UpdateContactCount stores a freshly computed cached member count.
	UpdateContactCount(ctx context.Context, id uuid.UUID, count int64) error
}

// segmentRepository implements SegmentRepository using PostgreSQL
type segmentRepository struct {
	db *sql.DB
}

// NewSegmentRepository creates a new segment repository
func NewSegmentRepository(db *sql.DB) SegmentRepository {
	return &segmentRepository{db: db}
}

const segmentColumns = `id, tenant_id, name, description, filter, contact_count, created_at, updated_at`

func scanSegment(row rowScanner) (*models.Segment, error) {
	segment := &models.Segment{}
	var filterJSON []byte
	err := row.Scan(
		&segment.ID,
		&segment.TenantID,
		&segment.Name,
		&segment.Description,
		&filterJSON,
		&segment.ContactCount,
		&segment.CreatedAt,
		&segment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filterJSON, &segment.Filter); err != nil {
		return nil, fmt.Errorf("failed to decode segment filter: %w", err)
	}
	return segment, nil
}

// Create inserts a new segment
func (r *segmentRepository) Create(ctx context.Context, segment *models.Segment) error {
	if segment.ID == uuid.Nil {
		segment.ID = uuid.New()
	}

	filterJSON, err := json.Marshal(segment.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode segment filter: %w", err)
	}

	query := `
		INSERT INTO segments (id, tenant_id, name, description, filter)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(
		ctx,
		query,
		segment.ID,
		segment.TenantID,
		segment.Name,
		segment.Description,
		filterJSON,
	).Scan(&segment.CreatedAt, &segment.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

// GetByID retrieves a segment by ID
func (r *segmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE id = $1`

	segment, err := scanSegment(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("segment %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return segment, nil
}

// List retrieves segments for a tenant with pagination
func (r *segmentRepository) List(ctx context.Context, filter models.SegmentListFilter) ([]*models.Segment, int64, error) {
	models.NormalizePagination(&filter.Page, &filter.PageSize)

	var totalCount int64
	countQuery := `SELECT COUNT(*) FROM segments WHERE tenant_id = $1`
	if err := r.db.QueryRowContext(ctx, countQuery, filter.TenantID).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count segments: %w", err)
	}

	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, filter.TenantID, filter.PageSize, models.PageOffset(filter.Page, filter.PageSize))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := []*models.Segment{}
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating segments: %w", err)
	}
	return segments, totalCount, nil
}

// Update updates a segment's name, description and filter
func (r *segmentRepository) Update(ctx context.Context, segment *models.Segment) error {
	filterJSON, err := json.Marshal(segment.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode segment filter: %w", err)
	}

	query := `
		UPDATE segments
		SET name = $1, description = $2, filter = $3, updated_at = now()
		WHERE id = $4`

	result, err := r.db.ExecContext(ctx, query, segment.Name, segment.Description, filterJSON, segment.ID)
	if err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("segment %s not found", segment.ID))
}

// Delete removes a segment
func (r *segmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("segment %s not found", id))
}

// UpdateContactCount stores a freshly computed cached member count.
func (r *segmentRepository) UpdateContactCount(ctx context.Context, id uuid.UUID, count int64) error {
	query := `UPDATE segments SET contact_count = $1, updated_at = now() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, count, id)
	if err != nil {
		return fmt.Errorf("failed to update segment contact count: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("segment %s not found", id))
}
