package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mifumohq/dispatch/internal/models"
)

// ConversationRepository defines the interface for conversation data access
type ConversationRepository interface {
	// GetOrCreate returns the conversation for (tenant, contact), creating
	// it if absent. Safe under concurrent callers: the unique constraint on
	// (tenant_id, contact_id) guarantees a single row.
	GetOrCreate(ctx context.Context, tenantID, contactID uuid.UUID) (*models.Conversation, error)

	GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error)

	// Touch bumps message_count and last_message_at after a send.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

// conversationRepository implements ConversationRepository using PostgreSQL
type conversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *sql.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

const conversationColumns = `id, tenant_id, contact_id, message_count, last_message_at, created_at, updated_at`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conversation := &models.Conversation{}
	err := row.Scan(
		&conversation.ID,
		&conversation.TenantID,
		&conversation.ContactID,
		&conversation.MessageCount,
		&conversation.LastMessageAt,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// GetOrCreate returns the single conversation for a (tenant, contact) pair.
// The DO UPDATE no-op makes RETURNING yield the existing row on conflict, so
// one round trip covers both paths.
func (r *conversationRepository) GetOrCreate(ctx context.Context, tenantID, contactID uuid.UUID) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (id, tenant_id, contact_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, contact_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING ` + conversationColumns

	conversation, err := scanConversation(r.db.QueryRowContext(ctx, query, uuid.New(), tenantID, contactID))
	if err != nil {
		return nil, fmt.Errorf("failed to get or create conversation: %w", err)
	}
	return conversation, nil
}

// GetByID retrieves a conversation by ID
func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	conversation, err := scanConversation(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("conversation %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conversation, nil
}

// Touch bumps message_count and last_message_at after a successful send.
func (r *conversationRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE conversations
		SET message_count = message_count + 1,
			last_message_at = $1,
			updated_at = now()
		WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("conversation %s not found", id))
}
