package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
)

// OutboundMessageRepository defines the interface for outbound message data
// access. All status updates are gated on the current status: an update that
// finds the row already past the expected state affects zero rows and
// reports applied=false, which is how the pipeline absorbs duplicate tasks.
type OutboundMessageRepository interface {
	// InsertCampaignMessage inserts the per-recipient row for a campaign
	// under the (campaign_id, contact_id) uniqueness constraint. Returns
	// inserted=false when the row already exists from a prior fan-out run.
	InsertCampaignMessage(ctx context.Context, message *models.OutboundMessage) (inserted bool, err error)

	// Create inserts a non-campaign (interactive) message.
	Create(ctx context.Context, message *models.OutboundMessage) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.OutboundMessage, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.OutboundMessage, error)
	List(ctx context.Context, filter models.OutboundMessageFilter) ([]*models.OutboundMessage, int64, error)

	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, costMicro int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkFailedFromCallback records a provider-reported delivery failure
	// for a message that was already sent.
	MarkFailedFromCallback(ctx context.Context, id uuid.UUID, reason string) (bool, error)

	IncrementRetryCount(ctx context.Context, id uuid.UUID) error

	// ListStuckQueued returns queued messages untouched since the cutoff,
	// for the reconciliation pass that re-enqueues lost tasks.
	ListStuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]*models.OutboundMessage, error)
}

// outboundMessageRepository implements OutboundMessageRepository using PostgreSQL
type outboundMessageRepository struct {
	db *sql.DB
}

// NewOutboundMessageRepository creates a new outbound message repository
func NewOutboundMessageRepository(db *sql.DB) OutboundMessageRepository {
	return &outboundMessageRepository{db: db}
}

const messageColumns = `id, tenant_id, campaign_id, contact_id, conversation_id, channel,
	recipient_phone, body, status, provider_message_id, last_error, retry_count,
	cost_micro, sent_at, delivered_at, read_at, created_at, updated_at`

func scanMessage(row rowScanner) (*models.OutboundMessage, error) {
	message := &models.OutboundMessage{}
	err := row.Scan(
		&message.ID,
		&message.TenantID,
		&message.CampaignID,
		&message.ContactID,
		&message.ConversationID,
		&message.Channel,
		&message.RecipientPhone,
		&message.Body,
		&message.Status,
		&message.ProviderMessageID,
		&message.LastError,
		&message.RetryCount,
		&message.CostMicro,
		&message.SentAt,
		&message.DeliveredAt,
		&message.ReadAt,
		&message.CreatedAt,
		&message.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return message, nil
}

// InsertCampaignMessage inserts exactly one row per (campaign, contact).
func (r *outboundMessageRepository) InsertCampaignMessage(ctx context.Context, message *models.OutboundMessage) (bool, error) {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	query := `
		INSERT INTO outbound_messages (id, tenant_id, campaign_id, contact_id, conversation_id,
			channel, recipient_phone, body, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (campaign_id, contact_id) WHERE campaign_id IS NOT NULL DO NOTHING
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		message.ID,
		message.TenantID,
		message.CampaignID,
		message.ContactID,
		message.ConversationID,
		message.Channel,
		message.RecipientPhone,
		message.Body,
		models.MessageStatusQueued,
	).Scan(&message.CreatedAt, &message.UpdatedAt)

	if err == sql.ErrNoRows {
		// Row already exists from a prior run; the duplicate attempt is
		// absorbed here.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert campaign message: %w", err)
	}
	message.Status = models.MessageStatusQueued
	return true, nil
}

// Create inserts a non-campaign outbound message.
func (r *outboundMessageRepository) Create(ctx context.Context, message *models.OutboundMessage) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}

	query := `
		INSERT INTO outbound_messages (id, tenant_id, campaign_id, contact_id, conversation_id,
			channel, recipient_phone, body, status)
		VALUES ($1, $2, NULL, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		message.ID,
		message.TenantID,
		message.ContactID,
		message.ConversationID,
		message.Channel,
		message.RecipientPhone,
		message.Body,
		models.MessageStatusQueued,
	).Scan(&message.CreatedAt, &message.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create outbound message: %w", err)
	}
	message.Status = models.MessageStatusQueued
	return nil
}

// GetByID retrieves an outbound message by ID
func (r *outboundMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.OutboundMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = $1`

	message, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound message: %w", err)
	}
	return message, nil
}

// GetByProviderMessageID looks a message up by the provider's id, for the
// delivery status callback.
func (r *outboundMessageRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.OutboundMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE provider_message_id = $1`

	message, err := scanMessage(r.db.QueryRowContext(ctx, query, providerMessageID))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("message with provider id %s not found", providerMessageID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by provider id: %w", err)
	}
	return message, nil
}

// List retrieves outbound messages with pagination and filtering
func (r *outboundMessageRepository) List(ctx context.Context, filter models.OutboundMessageFilter) ([]*models.OutboundMessage, int64, error) {
	models.NormalizePagination(&filter.Page, &filter.PageSize)

	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE tenant_id = $1`
	countQuery := `SELECT COUNT(*) FROM outbound_messages WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}
	argPos := 2

	if filter.CampaignID != uuid.Nil {
		cond := fmt.Sprintf(" AND campaign_id = $%d", argPos)
		query += cond
		countQuery += cond
		args = append(args, filter.CampaignID)
		argPos++
	}
	if filter.ContactID != uuid.Nil {
		cond := fmt.Sprintf(" AND contact_id = $%d", argPos)
		query += cond
		countQuery += cond
		args = append(args, filter.ContactID)
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
		return nil, 0, fmt.Errorf("failed to count outbound messages: %w", err)
	}

	offset := models.PageOffset(filter.Page, filter.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list outbound messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, totalCount, nil
}

// MarkSent transitions queued → sent. Returns false when the message had
// already left queued, in which case the caller must treat the task as a
// duplicate and do nothing further.
func (r *outboundMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, costMicro int64, at time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'sent', provider_message_id = $1, cost_micro = $2, sent_at = $3,
			last_error = NULL, updated_at = now()
		WHERE id = $4 AND status = 'queued'`

	return r.gatedUpdate(ctx, query, providerMessageID, costMicro, at, id)
}

// MarkFailed transitions queued → failed with the failure reason.
func (r *outboundMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'failed', last_error = $1, updated_at = now()
		WHERE id = $2 AND status = 'queued'`

	return r.gatedUpdate(ctx, query, reason, id)
}

// MarkDelivered transitions sent → delivered.
func (r *outboundMessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'delivered', delivered_at = $1, updated_at = now()
		WHERE id = $2 AND status = 'sent'`

	return r.gatedUpdate(ctx, query, at, id)
}

// MarkRead transitions sent or delivered → read.
func (r *outboundMessageRepository) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'read',
			read_at = $1,
			delivered_at = COALESCE(delivered_at, $1),
			updated_at = now()
		WHERE id = $2 AND status IN ('sent', 'delivered')`

	return r.gatedUpdate(ctx, query, at, id)
}

// MarkFailedFromCallback transitions sent or delivered → failed on a
// provider-reported delivery failure.
func (r *outboundMessageRepository) MarkFailedFromCallback(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET status = 'failed', last_error = $1, updated_at = now()
		WHERE id = $2 AND status IN ('sent', 'delivered')`

	return r.gatedUpdate(ctx, query, reason, id)
}

func (r *outboundMessageRepository) gatedUpdate(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update outbound message status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// IncrementRetryCount increments the retry count for a message
func (r *outboundMessageRepository) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbound_messages
		SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("outbound message %s not found", id))
}

// ListStuckQueued returns queued messages untouched since the cutoff.
func (r *outboundMessageRepository) ListStuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]*models.OutboundMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbound_messages
		WHERE status = 'queued' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*models.OutboundMessage, error) {
	messages := []*models.OutboundMessage{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbound messages: %w", err)
	}
	return messages, nil
}
