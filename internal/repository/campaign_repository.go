package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mifumohq/dispatch/internal/models"
)

// Campaign counter identifiers for IncrementCounter.
const (
	CounterSent      = "sent_count"
	CounterDelivered = "delivered_count"
	CounterRead      = "read_count"
	CounterFailed    = "failed_count"
)

// CampaignRepository defines the interface for campaign data access.
//
// Counter mutations go through IncrementCounter/AddActualCost, which issue
// atomic SQL increments; campaign counters are never updated via
// application-level read-modify-write.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error)
	Update(ctx context.Context, campaign *models.Campaign) error
	Delete(ctx context.Context, id uuid.UUID) error

	// TransitionStatus moves the campaign from one of the given statuses to
	// the target status, returning false when the campaign was not in any of
	// them. The status gate makes concurrent lifecycle calls race-free
	// without locks.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)

	// MarkRunning freezes total_recipients and transitions into running in
	// one statement. total_recipients is computed once here and never
	// recomputed mid-run.
	MarkRunning(ctx context.Context, id uuid.UUID, totalRecipients int64, startedAt time.Time) (bool, error)

	IncrementCounter(ctx context.Context, id uuid.UUID, counter string) error
	AddActualCost(ctx context.Context, id uuid.UUID, costMicro int64) error

	// CompleteIfDone flips running campaigns whose terminal counts cover
	// total_recipients to completed. Idempotent: returns true only for the
	// invocation that performed the flip.
	CompleteIfDone(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error)

	// ListDueScheduled returns scheduled campaigns whose scheduled_at has
	// passed.
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error)
}

// campaignRepository implements CampaignRepository using PostgreSQL
type campaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sql.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

const campaignColumns = `id, tenant_id, owner_id, name, description, channel, body,
	template_id, targeting, status, scheduled_at, started_at, completed_at,
	total_recipients, sent_count, delivered_count, read_count, failed_count,
	estimated_cost_micro, actual_cost_micro, created_at, updated_at`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	campaign := &models.Campaign{}
	var targeting []byte
	err := row.Scan(
		&campaign.ID,
		&campaign.TenantID,
		&campaign.OwnerID,
		&campaign.Name,
		&campaign.Description,
		&campaign.Channel,
		&campaign.Body,
		&campaign.TemplateID,
		&targeting,
		&campaign.Status,
		&campaign.ScheduledAt,
		&campaign.StartedAt,
		&campaign.CompletedAt,
		&campaign.TotalRecipients,
		&campaign.SentCount,
		&campaign.DeliveredCount,
		&campaign.ReadCount,
		&campaign.FailedCount,
		&campaign.EstimatedCostMicro,
		&campaign.ActualCostMicro,
		&campaign.CreatedAt,
		&campaign.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &campaign.Targeting); err != nil {
			return nil, fmt.Errorf("failed to decode campaign targeting: %w", err)
		}
	}
	return campaign, nil
}

// Create inserts a new campaign
func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	targeting, err := json.Marshal(campaign.Targeting)
	if err != nil {
		return fmt.Errorf("failed to encode campaign targeting: %w", err)
	}

	query := `
		INSERT INTO campaigns (id, tenant_id, owner_id, name, description, channel, body,
			template_id, targeting, status, scheduled_at, estimated_cost_micro)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(
		ctx,
		query,
		campaign.ID,
		campaign.TenantID,
		campaign.OwnerID,
		campaign.Name,
		campaign.Description,
		campaign.Channel,
		campaign.Body,
		campaign.TemplateID,
		targeting,
		campaign.Status,
		campaign.ScheduledAt,
		campaign.EstimatedCostMicro,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}

// List retrieves campaigns with pagination and filtering
func (r *campaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	models.NormalizePagination(&filter.Page, &filter.PageSize)

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE tenant_id = $1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}
	argPos := 2

	if filter.OwnerID != 0 {
		cond := fmt.Sprintf(" AND owner_id = $%d", argPos)
		query += cond
		countQuery += cond
		args = append(args, filter.OwnerID)
		argPos++
	}
	if filter.Channel != "" {
		cond := fmt.Sprintf(" AND channel = $%d", argPos)
		query += cond
		countQuery += cond
		args = append(args, filter.Channel)
		argPos++
	}
	if filter.Status != "" {
		cond := fmt.Sprintf(" AND status = $%d", argPos)
		query += cond
		countQuery += cond
		args = append(args, filter.Status)
		argPos++
	}

	var totalCount int64
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	offset := models.PageOffset(filter.Page, filter.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, totalCount, nil
}

// Update rewrites the campaign definition. Only callable while the campaign
// is editable; the service layer checks the guard, the WHERE clause enforces
// it against races.
func (r *campaignRepository) Update(ctx context.Context, campaign *models.Campaign) error {
	targeting, err := json.Marshal(campaign.Targeting)
	if err != nil {
		return fmt.Errorf("failed to encode campaign targeting: %w", err)
	}

	query := `
		UPDATE campaigns
		SET name = $1, description = $2, channel = $3, body = $4, template_id = $5,
			targeting = $6, status = $7, scheduled_at = $8, estimated_cost_micro = $9,
			updated_at = now()
		WHERE id = $10 AND status IN ('draft', 'scheduled')`

	result, err := r.db.ExecContext(
		ctx,
		query,
		campaign.Name,
		campaign.Description,
		campaign.Channel,
		campaign.Body,
		campaign.TemplateID,
		targeting,
		campaign.Status,
		campaign.ScheduledAt,
		campaign.EstimatedCostMicro,
		campaign.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrConflictWithMsg(fmt.Sprintf("campaign %s is not editable", campaign.ID))
	}
	return nil
}

// Delete removes a campaign and, by cascade, its outbound messages.
func (r *campaignRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("campaign %s not found", id))
}

// TransitionStatus performs a status-gated transition.
func (r *campaignRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $1,
			completed_at = CASE WHEN $1 IN ('completed', 'cancelled', 'failed') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $2 AND status = ANY($3)`

	result, err := r.db.ExecContext(ctx, query, to, id, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkRunning freezes total_recipients and starts the run.
func (r *campaignRepository) MarkRunning(ctx context.Context, id uuid.UUID, totalRecipients int64, startedAt time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'running', total_recipients = $1, started_at = $2, updated_at = now()
		WHERE id = $3 AND status IN ('draft', 'scheduled', 'paused')`

	result, err := r.db.ExecContext(ctx, query, totalRecipients, startedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign running: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// IncrementCounter atomically bumps one campaign counter at the store.
func (r *campaignRepository) IncrementCounter(ctx context.Context, id uuid.UUID, counter string) error {
	// Whitelist the column; counter names come from code, never callers,
	// but a typo must not silently build bad SQL.
	switch counter {
	case CounterSent, CounterDelivered, CounterRead, CounterFailed:
	default:
		return fmt.Errorf("unknown campaign counter %q", counter)
	}

	query := fmt.Sprintf(`UPDATE campaigns SET %s = %s + 1, updated_at = now() WHERE id = $1`, counter, counter)
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return requireRowAffected(result, fmt.Sprintf("campaign %s not found", id))
}

// AddActualCost atomically accumulates provider-reported cost.
func (r *campaignRepository) AddActualCost(ctx context.Context, id uuid.UUID, costMicro int64) error {
	if costMicro == 0 {
		return nil
	}
	query := `UPDATE campaigns SET actual_cost_micro = actual_cost_micro + $1, updated_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, costMicro, id); err != nil {
		return fmt.Errorf("failed to add campaign cost: %w", err)
	}
	return nil
}

// CompleteIfDone flips running campaigns with all terminal counts in to
// completed, exactly once.
func (r *campaignRepository) CompleteIfDone(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'completed', completed_at = $1, updated_at = now()
		WHERE id = $2 AND status = 'running'
		  AND sent_count + failed_count >= total_recipients`

	result, err := r.db.ExecContext(ctx, query, completedAt, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListDueScheduled returns scheduled campaigns ready to start.
func (r *campaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due campaigns: %w", err)
	}
	return campaigns, nil
}
