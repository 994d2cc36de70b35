package models

import (
	"time"

	"github.com/google/uuid"
)

// Segment is a named, reusable contact filter used for campaign targeting.
// ContactCount is a cached value recomputed on demand; the targeting
// resolver always re-evaluates the filter against live contact data.
type Segment struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Filter      ContactFilter `json:"filter"`

	ContactCount int64 `json:"contact_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SegmentListFilter holds filtering options for listing segments.
type SegmentListFilter struct {
	TenantID uuid.UUID
	Page     int
	PageSize int
}

// Validate performs validation on segment data.
func (s *Segment) Validate() error {
	if s.Name == "" {
		return ErrInvalidInput("name is required")
	}
	return s.Filter.Validate()
}
