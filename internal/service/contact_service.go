package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/repository"
)

// ContactService handles contact management and consent changes.
type ContactService struct {
	contactRepo repository.ContactRepository
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewContactService creates a new contact service
func NewContactService(contactRepo repository.ContactRepository, clock clockwork.Clock, logger *slog.Logger) *ContactService {
	return &ContactService{
		contactRepo: contactRepo,
		clock:       clock,
		logger:      logger,
	}
}

// Create creates a new contact
func (s *ContactService) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if err := contact.Validate(); err != nil {
		return nil, err
	}
	contact.IsActive = true
	if err := s.contactRepo.Create(ctx, contact); err != nil {
		return nil, err
	}
	s.logger.Info("contact created", "contact_id", contact.ID, "tenant_id", contact.TenantID)
	return contact, nil
}

// Get retrieves a contact by ID
func (s *ContactService) Get(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	return s.contactRepo.GetByID(ctx, id)
}

// List retrieves contacts with filtering and pagination
func (s *ContactService) List(ctx context.Context, filter models.ContactListFilter) ([]*models.Contact, *models.PaginationResult, error) {
	contacts, totalCount, err := s.contactRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	pagination := models.NewPaginationResult(filter.Page, filter.PageSize, totalCount)
	return contacts, &pagination, nil
}

// Update updates a contact's profile fields
func (s *ContactService) Update(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if err := contact.Validate(); err != nil {
		return nil, err
	}
	if err := s.contactRepo.Update(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// Delete removes a contact
func (s *ContactService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.contactRepo.Delete(ctx, id)
}

// OptIn records explicit messaging consent for a contact.
func (s *ContactService) OptIn(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	if err := s.contactRepo.SetOptIn(ctx, id, s.clock.Now()); err != nil {
		return nil, err
	}
	s.logger.Info("contact opted in", "contact_id", id)
	return s.contactRepo.GetByID(ctx, id)
}

// OptOut withdraws messaging consent. Takes effect immediately: the send
// worker re-checks eligibility before every send, so queued messages to this
// contact fail instead of going out.
func (s *ContactService) OptOut(ctx context.Context, id uuid.UUID, reason string) (*models.Contact, error) {
	if err := s.contactRepo.SetOptOut(ctx, id, s.clock.Now(), reason); err != nil {
		return nil, err
	}
	s.logger.Info("contact opted out", "contact_id", id, "reason", reason)
	return s.contactRepo.GetByID(ctx, id)
}
