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

// ContactRepository defines the interface for contact data access
type ContactRepository interface {
	Create(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error)
	GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.Contact, error)
	GetByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*models.Contact, error)
	List(ctx context.Context, filter models.ContactListFilter) ([]*models.Contact, int64, error)
	Update(ctx context.Context, contact *models.Contact) error
	Delete(ctx context.Context, id uuid.UUID) error

	// MatchFilter returns active contacts of the tenant matching a segment
	// filter or raw criteria, ordered by (created_at, id) for deterministic
	// fan-out. Eligibility (opt-out, channel opt-in policy) is applied by
	// the targeting resolver on top of this.
	MatchFilter(ctx context.Context, tenantID uuid.UUID, filter *models.ContactFilter) ([]*models.Contact, error)
	CountFilter(ctx context.Context, tenantID uuid.UUID, filter *models.ContactFilter) (int64, error)

	SetOptIn(ctx context.Context, id uuid.UUID, at time.Time) error
	SetOptOut(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	TouchLastContacted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// contactRepository implements ContactRepository using PostgreSQL
type contactRepository struct {
	db *sql.DB
}

// NewContactRepository creates a new contact repository
func NewContactRepository(db *sql.DB) ContactRepository {
	return &contactRepository{db: db}
}

const contactColumns = `id, tenant_id, name, phone_e164, email, attributes, tags,
	opt_in_at, opt_out_at, opt_out_reason, is_active, last_contacted_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row rowScanner) (*models.Contact, error) {
	contact := &models.Contact{}
	var attributes, tags []byte
	err := row.Scan(
		&contact.ID,
		&contact.TenantID,
		&contact.Name,
		&contact.PhoneE164,
		&contact.Email,
		&attributes,
		&tags,
		&contact.OptInAt,
		&contact.OptOutAt,
		&contact.OptOutReason,
		&contact.IsActive,
		&contact.LastContactedAt,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &contact.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode contact attributes: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &contact.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode contact tags: %w", err)
		}
	}
	return contact, nil
}

func marshalContactJSON(contact *models.Contact) (attributes, tags []byte, err error) {
	attrs := contact.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attributes, err = json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode contact attributes: %w", err)
	}
	tagList := contact.Tags
	if tagList == nil {
		tagList = []string{}
	}
	tags, err = json.Marshal(tagList)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode contact tags: %w", err)
	}
	return attributes, tags, nil
}

// Create inserts a new contact
func (r *contactRepository) Create(ctx context.Context, contact *models.Contact) error {
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	attributes, tags, err := marshalContactJSON(contact)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO contacts (id, tenant_id, name, phone_e164, email, attributes, tags,
			opt_in_at, opt_out_at, opt_out_reason, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(
		ctx,
		query,
		contact.ID,
		contact.TenantID,
		contact.Name,
		contact.PhoneE164,
		contact.Email,
		attributes,
		tags,
		contact.OptInAt,
		contact.OptOutAt,
		contact.OptOutReason,
		contact.IsActive,
	).Scan(&contact.CreatedAt, &contact.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID retrieves a contact by ID
func (r *contactRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("contact %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// GetByIDs retrieves the tenant's contacts among the given ids, ordered by
// (created_at, id). Unknown ids are silently skipped.
func (r *contactRepository) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE tenant_id = $1 AND id = ANY($2::uuid[])
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, tenantID, pq.Array(idStrings))
	if err != nil {
		return nil, fmt.Errorf("failed to get contacts by ids: %w", err)
	}
	defer rows.Close()

	return collectContacts(rows)
}

// GetByPhone retrieves a contact by phone number within a tenant
func (r *contactRepository) GetByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE tenant_id = $1 AND phone_e164 = $2`

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, tenantID, phone))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("contact with phone %s not found", phone))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact by phone: %w", err)
	}
	return contact, nil
}

// List retrieves contacts with pagination and filtering
func (r *contactRepository) List(ctx context.Context, filter models.ContactListFilter) ([]*models.Contact, int64, error) {
	models.NormalizePagination(&filter.Page, &filter.PageSize)

	query := `SELECT ` + contactColumns + ` FROM contacts WHERE tenant_id = $1`
	countQuery := `SELECT COUNT(*) FROM contacts WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}
	argPos := 2

	if filter.Phone != "" {
		cond := fmt.Sprintf(" AND phone_e164 = $%d", argPos)
		query += cond
		countQuery += cond
		args = append(args, filter.Phone)
		argPos++
	}
	if filter.Tag != "" {
		encoded, err := json.Marshal([]string{filter.Tag})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode tag filter: %w", err)
		}
		cond := fmt.Sprintf(" AND tags @> $%d::jsonb", argPos)
		query += cond
		countQuery += cond
		args = append(args, encoded)
		argPos++
	}

	var totalCount int64
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count contacts: %w", err)
	}

	offset := models.PageOffset(filter.Page, filter.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	contacts, err := collectContacts(rows)
	if err != nil {
		return nil, 0, err
	}
	return contacts, totalCount, nil
}

// Update updates an existing contact
func (r *contactRepository) Update(ctx context.Context, contact *models.Contact) error {
	attributes, tags, err := marshalContactJSON(contact)
	if err != nil {
		return err
	}

	query := `
		UPDATE contacts
		SET name = $1, phone_e164 = $2, email = $3, attributes = $4, tags = $5,
			is_active = $6, updated_at = now()
		WHERE id = $7`

	result, err := r.db.ExecContext(
		ctx,
		query,
		contact.Name,
		contact.PhoneE164,
		contact.Email,
		attributes,
		tags,
		contact.IsActive,
		contact.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("contact %s not found", contact.ID))
}

// Delete removes a contact
func (r *contactRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("contact %s not found", id))
}

// MatchFilter returns active contacts matching the filter.
func (r *contactRepository) MatchFilter(ctx context.Context, tenantID uuid.UUID, filter *models.ContactFilter) ([]*models.Contact, error) {
	query, args, err := buildFilterQuery(`SELECT `+contactColumns+` FROM contacts`, tenantID, filter)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match contacts: %w", err)
	}
	defer rows.Close()

	return collectContacts(rows)
}

// CountFilter counts active contacts matching the filter. Used for segment
// contact_count refreshes; the count is a cache, never authoritative at
// send time.
func (r *contactRepository) CountFilter(ctx context.Context, tenantID uuid.UUID, filter *models.ContactFilter) (int64, error) {
	query, args, err := buildFilterQuery(`SELECT COUNT(*) FROM contacts`, tenantID, filter)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count matching contacts: %w", err)
	}
	return count, nil
}

func buildFilterQuery(selectClause string, tenantID uuid.UUID, filter *models.ContactFilter) (string, []interface{}, error) {
	query := selectClause + ` WHERE tenant_id = $1 AND is_active = TRUE`
	args := []interface{}{tenantID}
	argPos := 2

	if filter == nil {
		return query, args, nil
	}

	if len(filter.Tags) > 0 {
		encoded, err := json.Marshal(filter.Tags)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode tag filter: %w", err)
		}
		query += fmt.Sprintf(" AND tags @> $%d::jsonb", argPos)
		args = append(args, encoded)
		argPos++
	}
	if len(filter.Attributes) > 0 {
		encoded, err := json.Marshal(filter.Attributes)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode attribute filter: %w", err)
		}
		query += fmt.Sprintf(" AND attributes @> $%d::jsonb", argPos)
		args = append(args, encoded)
		argPos++
	}
	switch filter.OptInStatus {
	case models.OptInStatusOptedIn:
		query += " AND opt_in_at IS NOT NULL AND opt_out_at IS NULL"
	case models.OptInStatusOptedOut:
		query += " AND opt_out_at IS NOT NULL"
	}

	return query, args, nil
}

// SetOptIn marks the contact as opted in, clearing any previous opt-out.
func (r *contactRepository) SetOptIn(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE contacts
		SET opt_in_at = $1, opt_out_at = NULL, opt_out_reason = '', updated_at = now()
		WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to opt in contact: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("contact %s not found", id))
}

// SetOptOut marks the contact as opted out.
func (r *contactRepository) SetOptOut(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	query := `
		UPDATE contacts
		SET opt_out_at = $1, opt_out_reason = $2, updated_at = now()
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, at, reason, id)
	if err != nil {
		return fmt.Errorf("failed to opt out contact: %w", err)
	}
	return requireRowAffected(result, fmt.Sprintf("contact %s not found", id))
}

// TouchLastContacted records a successful send to the contact.
func (r *contactRepository) TouchLastContacted(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE contacts SET last_contacted_at = $1, updated_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	return nil
}

func collectContacts(rows *sql.Rows) ([]*models.Contact, error) {
	contacts := []*models.Contact{}
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contacts: %w", err)
	}
	return contacts, nil
}

func requireRowAffected(result sql.Result, notFoundMsg string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(notFoundMsg)
	}
	return nil
}
